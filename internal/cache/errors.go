package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a stream or chunk that is not in the cache.
	ErrNotFound = errors.New("cache: not found")
	// ErrCorrupted is matched by every *CorruptionError.
	ErrCorrupted = errors.New("cache: chunk corrupted")
	// ErrHeaderSpace reports a header that does not fit the entry.
	ErrHeaderSpace = errors.New("cache: header space exhausted")
	// ErrChunkRange reports a chunk index the bitmap cannot address.
	ErrChunkRange = errors.New("cache: chunk index out of range")
	// ErrInvalidID reports an id that cannot be stored in the journal.
	ErrInvalidID = errors.New("cache: invalid stream id")
	// ErrLocked is returned when another process owns the cache directory.
	ErrLocked = errors.New("cache: directory locked by another process")
	// ErrInUse is returned when removing an entry with an open handler.
	ErrInUse = errors.New("cache: entry in use")
	// ErrClosed is returned after the manager or handler has been closed.
	ErrClosed = errors.New("cache: closed")
)

// CorruptionError reports a cached chunk whose content no longer matches
// its recorded hash.
type CorruptionError struct {
	StreamID string
	Index    int
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("cache: chunk %d of %s failed hash verification", e.Index, e.StreamID)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}
