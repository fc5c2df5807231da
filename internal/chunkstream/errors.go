package chunkstream

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by reads on, or blocked in, a closed stream.
	ErrClosed = errors.New("chunkstream: stream closed")
	// ErrShortChunk reports a delivered chunk smaller than its slot.
	ErrShortChunk = errors.New("chunkstream: short chunk")
)

// ChunkError reports a chunk that could not be fetched within its retry
// budget. Code carries the server error code when the remote end reported
// one.
type ChunkError struct {
	Index int
	Code  uint16
	Err   error
}

// FromStreamError builds the error for a server-reported channel failure.
func FromStreamError(index int, code uint16) *ChunkError {
	return &ChunkError{Index: index, Code: code}
}

func (e *ChunkError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("chunk %d failed: %v", e.Index, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("chunk %d failed with stream error code %d", e.Index, e.Code)
	default:
		return fmt.Sprintf("chunk %d failed", e.Index)
	}
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
