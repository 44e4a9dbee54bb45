package compact

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statementsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compact_statements_emitted_total",
		Help: "Total number of statements the write iterator emitted to its output.",
	})
	statementsFolded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compact_statements_folded_total",
		Help: "Total number of UPSERT statements folded against a base during key collapse.",
	})
	statementsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compact_statements_dropped_total",
		Help: "Total number of statements the write iterator consumed without emitting, by reason.",
	}, []string{"reason"})
)
