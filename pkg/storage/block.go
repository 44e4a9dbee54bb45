// Parts are stored as multiple blocks in a single file. Each block is a gob-encoded message prefixed by its
// size as a fixed 8-byte little-endian integer. Multiple blocks are concatenated together to form a
// complete file. This file provides utilities to read and write these blocks efficiently, with support for
// buffering; the block cache that sits above it lives in block_cache.go.

package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/vinyldb/vinyl/pkg/utils"
)

// defaultBufferSize matches the typical OS page size to reduce the number of sys calls.
const defaultBufferSize = 4096

// bufferPool allows reusing buffers both in BlockReader & BlockWriter to reduce allocations.
var bufferPool = sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, defaultBufferSize)) }}

// getBlockSize calculates the size a gob-encodable value occupies on disk as a block, length prefix included.
func getBlockSize(block any) int64 {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(block); err != nil {
		utils.RaiseInvariant("block", "unencodable_block", "Failed to gob-encode a block for sizing.",
			"error", err)
		return 0
	}
	return int64(buf.Len() + 8)
}

// BlockWriter writes gob-encoded blocks to a block file. A single writer may write blocks of varying
// concrete types (e.g. one header block followed by many data blocks).
type BlockWriter struct {
	mux    sync.Mutex // Protects the buffer and closed flag.
	closed bool
	writer io.WriteCloser
	buffer *bytes.Buffer
}

// NewBlockWriter is the constructor for BlockWriter.
func NewBlockWriter(writer io.WriteCloser) (*BlockWriter, error) {
	if writer == nil {
		return nil, errors.New("expected non-nil writer")
	}
	bw := &BlockWriter{mux: sync.Mutex{}, writer: writer, closed: false}
	// Call Close when the object is garbage collected.
	runtime.SetFinalizer(bw, func(bw *BlockWriter) { _ = bw.Close() })
	return bw, nil
}

func (bw *BlockWriter) writeBytes(p []byte) (flushed int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	bw.mux.Lock()
	defer bw.mux.Unlock()
	if bw.closed {
		return 0, errors.New("block writer is closed")
	}
	if bw.buffer == nil { // Take a buffer from the pool.
		bw.buffer = bufferPool.Get().(*bytes.Buffer)
	}

	flushed = 0
	toFlush := len(p)
	for toFlush > 0 {
		if availableBytes := bw.buffer.Available(); availableBytes < toFlush {
			bw.buffer.Write(p[flushed : flushed+availableBytes])
			flushed += availableBytes
			toFlush -= availableBytes
			// Flush the entire buffer.
			if _, err := bw.writer.Write(bw.buffer.Bytes()); err != nil {
				return flushed, err
			}
			bw.buffer.Reset()
		} else {
			bw.buffer.Write(p[flushed:]) // writeBytes all remaining bytes.
			flushed += toFlush
			toFlush = 0
		}
	}

	if flushed != len(p) {
		utils.RaiseInvariant("block", "incomplete_write", "Did an incomplete writeBytes to the block writer buffer.",
			"expected", len(p), "actual", flushed)
		return flushed, fmt.Errorf("incomplete writeBytes to buffer: expected %d bytes, got %d bytes", len(p), flushed)
	}

	return flushed, nil
}

// WriteBlock gob-encodes msg and writes it, size-prefixed, to the underlying writer.
func (bw *BlockWriter) WriteBlock(msg any) error {
	var encoded bytes.Buffer
	if err := gob.NewEncoder(&encoded).Encode(msg); err != nil {
		return fmt.Errorf("failed to gob-encode block: %w", err)
	}

	// For each block, writeBytes its size as a fixed 8-byte little-endian integer followed by the block data.
	// This allows the reader to know how many bytes to read for each block.
	blockSizeBinary := make([]byte, 8)
	binary.LittleEndian.PutUint64(blockSizeBinary, uint64(encoded.Len()))
	if _, err := bw.writeBytes(blockSizeBinary); err != nil {
		return fmt.Errorf("failed to writeBytes block size: %w", err)
	}
	if _, err := bw.writeBytes(encoded.Bytes()); err != nil {
		return fmt.Errorf("failed to writeBytes block data: %w", err)
	}

	return nil
}

func (bw *BlockWriter) Close() error {
	bw.mux.Lock()
	defer func() {
		// Give back the buffer to the pool.
		if bw.buffer != nil {
			bw.buffer.Reset()
			bufferPool.Put(bw.buffer)
			bw.buffer = nil
		}
		bw.closed = true
		bw.mux.Unlock()
	}()

	if bw.closed {
		return errors.New("block writer is already closed")
	}

	// Flush any remaining bytes in the buffer.
	if bw.buffer != nil {
		if remaining := bw.buffer.Bytes(); len(remaining) > 0 {
			if _, err := bw.writer.Write(remaining); err != nil {
				return err
			}
		}
	}

	// Close the underlying writer.
	if err := bw.writer.Close(); err != nil {
		return fmt.Errorf("failed to close block writer: %w", err)
	}

	return nil
}

// BlockReader reads gob-encoded blocks from a block file. A single reader may read blocks of varying
// concrete types, provided the caller passes a pointer of the right type at each offset.
type BlockReader struct {
	mux    sync.Mutex // Protects the reader and closed flag.
	closed bool
	reader io.ReaderAt
	buffer *bytes.Buffer
}

// NewBlockReader is the constructor for BlockReader.
func NewBlockReader(reader io.ReaderAt) (*BlockReader, error) {
	if reader == nil {
		return nil, errors.New("expected non-nil reader")
	}
	br := &BlockReader{mux: sync.Mutex{}, reader: reader, closed: false}
	// Call Close when the object is garbage collected.
	runtime.SetFinalizer(br, func(br *BlockReader) { _ = br.Close() })
	return br, nil
}

// ReadBlock reads a block from the given offset into msg (a pointer to the expected concrete type),
// returning the offset of the next block.
func (br *BlockReader) ReadBlock(offset int64, msg any) (int64 /*nextOffset*/, error) {
	br.mux.Lock()
	defer br.mux.Unlock()

	if br.closed {
		return 0, errors.New("block reader is closed")
	}

	// Read the block size (8 bytes, little-endian).
	sizeBuf := make([]byte, 8)
	if _, err := br.reader.ReadAt(sizeBuf, offset); err != nil {
		return 0, fmt.Errorf("failed to read block size: %w", err)
	}

	// Read the block data.
	blockSize := int64(binary.LittleEndian.Uint64(sizeBuf))
	sectionReader := io.NewSectionReader(br.reader, offset+8, blockSize)
	blockBuffer := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		blockBuffer.Reset()
		bufferPool.Put(blockBuffer)
	}()
	readBytes, err := blockBuffer.ReadFrom(sectionReader)
	if err != nil {
		return 0, fmt.Errorf("failed to read block data: %w", err)
	}
	if readBytes != blockSize {
		utils.RaiseInvariant("block", "incomplete_read", "Read an incomplete block.",
			"expected", blockSize, "actual", readBytes)
		return 0, fmt.Errorf("incomplete block read: expected %d bytes, got %d bytes", blockSize, readBytes)
	}

	// Decode the block.
	if err := gob.NewDecoder(bytes.NewReader(blockBuffer.Bytes())).Decode(msg); err != nil {
		return 0, fmt.Errorf("failed to gob-decode block data: %w", err)
	}

	return offset + 8 + readBytes /*nextOffset*/, nil
}

// Close releases resources used by the BlockReader.
func (br *BlockReader) Close() error {
	br.mux.Lock()
	defer func() {
		// Give back the buffer to the pool.
		if br.buffer != nil {
			br.buffer.Reset()
			bufferPool.Put(br.buffer)
			br.buffer = nil
		}
		br.closed = true
		br.mux.Unlock()
	}()

	if br.closed {
		return errors.New("block reader is already closed")
	}

	return nil
}
