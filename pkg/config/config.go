// Every flag is loadable from a single config file, read before flag.Parse applies any command-line
// overrides. A flag must be deliberately registered via Register next to its declaration; an unregistered
// flag is a bug we want to catch in CI rather than discover silently unconfigurable in production.

package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var configFile = flag.String("config_file", "", "Path to an optional key=value configuration file, applied before flags.")

// skippedFlags are flags intentionally exempt from the registration check: they configure config loading
// itself (or build metadata), not something a config file could meaningfully override.
var skippedFlags = []string{"print_version", "config_file"}

var (
	registryMu sync.Mutex
	registry   = make(map[string]struct{})
)

// Register declares name as a deliberately configurable flag. Call it once, next to the flag.Xxx call that
// declares the flag; CollectUnregisteredFlags uses the registry to catch anything left out.
func Register(name string) struct{} {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = struct{}{}
	return struct{}{}
}

// CollectUnregisteredFlags returns one error per command-line flag that was never registered via Register,
// ignoring go test's own test.* flags and skippedFlags.
func CollectUnregisteredFlags() []error {
	registryMu.Lock()
	defer registryMu.Unlock()

	var errs []error
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") || slices.Contains(skippedFlags, f.Name) {
			return
		}
		if _, registered := registry[f.Name]; !registered {
			errs = append(errs, fmt.Errorf("flag %q was never registered via config.Register", f.Name))
		}
	})
	return errs
}

// InitFlags parses command-line flags, first applying any overrides from -config_file. It should be called
// once at process startup, after every package has defined its flags.
func InitFlags() {
	flag.Parse()
	if *configFile == "" {
		return
	}
	if err := loadConfigFile(*configFile); err != nil {
		slog.Warn("Failed to load config file.", "path", *configFile, "error", err)
	}
	flag.Parse() // Re-parse so a flag given on the command line still wins over the config file.
}

// loadConfigFile applies a "name = value" per line file to the registered flags. Blank lines and lines
// starting with # are skipped; a missing file is not an error.
func loadConfigFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%s:%d: expected \"name = value\", got %q", path, lineNo, line)
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if err := flag.Set(name, value); err != nil {
			return fmt.Errorf("%s:%d: failed to set flag %q: %w", path, lineNo, name, err)
		}
	}
	return scanner.Err()
}

// SetTestFlag sets a flag to a specific value for the duration of the test, restoring its previous value on
// cleanup.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	if flagHolder != nil {
		prevValue := flagHolder.Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}
	require.NoError(t, flag.Set(name, value))
}
