package chunkstream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"tonearm/internal/chunk"
	"tonearm/internal/logging"
)

// Source fetches chunks for a Stream. RequestChunk must not block on the
// fetch itself; the outcome is reported later through w.
type Source interface {
	RequestChunk(index int, w Writer)
}

// Writer receives fetch outcomes. *Stream implements it.
type Writer interface {
	WriteChunk(index int, data []byte)
	ChunkFailed(index int, err error)
}

// Stream is a seekable reader over chunks delivered by a Source.
type Stream struct {
	size   int64
	chunks int
	source Source
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	buffers   [][]byte
	available []bool
	requested []bool
	retries   []int
	lastErr   []error
	closed    bool
	done      chan struct{}

	pos  int64
	mark int64
}

// New returns a stream of size bytes backed by source. Nothing is
// requested until the first read.
func New(size int64, source Source, opts Options) *Stream {
	opts.normalize()
	chunks := chunk.Count(size)
	s := &Stream{
		size:      size,
		chunks:    chunks,
		source:    source,
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "chunkstream"),
		buffers:   make([][]byte, chunks),
		available: make([]bool, chunks),
		requested: make([]bool, chunks),
		retries:   make([]int, chunks),
		lastErr:   make([]error, chunks),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Size returns the stream length in bytes.
func (s *Stream) Size() int64 { return s.size }

// Chunks returns the number of chunks in the stream.
func (s *Stream) Chunks() int { return s.chunks }

// Pos returns the read cursor.
func (s *Stream) Pos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Read reads from the chunk under the cursor, blocking until it is
// available. A single call never crosses a chunk boundary.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return 0, ErrClosed
		}
		if s.pos >= s.size {
			return 0, io.EOF
		}

		index := int(s.pos / chunk.Size)
		if err := s.waitLocked(index); err != nil {
			return 0, err
		}
		// s.mu was released while waiting; a concurrent Seek may have
		// moved the cursor to another chunk.
		if s.closed || s.pos >= s.size || int(s.pos/chunk.Size) != index {
			continue
		}
		off := int(s.pos - chunk.Offset(index))
		n := copy(p, s.buffers[index][off:])
		s.pos += int64(n)
		return n, nil
	}
}

// Seek implements io.Seeker. Seeking past the end is allowed; reads there
// return io.EOF.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.size + offset
	default:
		return 0, fmt.Errorf("chunkstream: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("chunkstream: negative position %d", target)
	}
	s.pos = target
	return target, nil
}

// Skip advances the cursor by up to n bytes and returns how far it moved.
func (s *Stream) Skip(n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, nil
	}
	if remaining := s.size - s.pos; n > remaining {
		n = max(remaining, 0)
	}
	s.pos += n
	return n, nil
}

// Mark remembers the cursor for Reset.
func (s *Stream) Mark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = s.pos
}

// Reset moves the cursor back to the last Mark, or to 0.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = s.mark
}

// Available returns how many bytes can be read without blocking.
func (s *Stream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= s.size {
		return 0
	}
	index := int(s.pos / chunk.Size)
	if !s.available[index] {
		return 0
	}
	return len(s.buffers[index]) - int(s.pos-chunk.Offset(index))
}

// DecodedLength returns the number of bytes held in available chunks.
func (s *Stream) DecodedLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for i, ok := range s.available {
		if ok {
			total += int64(len(s.buffers[i]))
		}
	}
	return total
}

// IsAvailable reports whether chunk index has been delivered.
func (s *Stream) IsAvailable(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < s.chunks && s.available[index]
}

// WriteChunk makes chunk index available. Chunks longer than their slot
// (a zero-padded final chunk) are truncated. Deliveries to a closed stream
// or for an already available chunk are dropped.
func (s *Stream) WriteChunk(index int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || index < 0 || index >= s.chunks || s.available[index] {
		return
	}
	want := chunk.Len(index, s.size)
	if len(data) < want {
		s.failLocked(index, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrShortChunk, index, len(data), want))
		return
	}
	s.buffers[index] = data[:want:want]
	s.available[index] = true
	s.requested[index] = false
	s.retries[index] = 0
	s.lastErr[index] = nil
	s.cond.Broadcast()
}

// ChunkFailed records a failed fetch of chunk index.
func (s *Stream) ChunkFailed(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || index < 0 || index >= s.chunks || s.available[index] {
		return
	}
	s.failLocked(index, err)
}

func (s *Stream) failLocked(index int, err error) {
	s.retries[index]++
	s.requested[index] = false
	s.lastErr[index] = err
	s.logger.Debug("chunk fetch failed",
		logging.Int(logging.FieldChunkIndex, index),
		logging.Int("retries", s.retries[index]),
		logging.Error(err),
	)
	s.cond.Broadcast()
}

// Close releases the buffers and wakes every blocked reader. It is safe to
// call from any goroutine and more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	for i := range s.buffers {
		s.buffers[i] = nil
	}
	s.cond.Broadcast()
	return nil
}

// waitLocked blocks until chunk index is available, its retry budget is
// spent, or the stream closes. Callers hold s.mu.
func (s *Stream) waitLocked(index int) error {
	var pending []int
	if !s.available[index] && !s.requested[index] {
		s.requested[index] = true
		pending = append(pending, index)
	}
	pending = append(pending, s.preloadLocked(index)...)
	s.dispatchLocked(pending)
	if s.closed {
		return ErrClosed
	}
	if s.available[index] {
		return nil
	}

	start := time.Now()
	halted := false
	backedOff := 0
	if s.opts.Listener != nil {
		timer := time.AfterFunc(s.opts.HaltGrace, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		if s.closed {
			return ErrClosed
		}
		if s.available[index] {
			if halted {
				stalled := time.Since(start)
				s.mu.Unlock()
				s.opts.Listener.StreamResumed(index, stalled)
				s.mu.Lock()
				if s.closed {
					return ErrClosed
				}
			}
			return nil
		}

		if !s.requested[index] {
			if s.retries[index] > s.opts.MaxChunkTries {
				return s.exhaustedLocked(index)
			}
			if delay := s.backoff(s.retries[index]); delay > 0 && backedOff != s.retries[index] {
				backedOff = s.retries[index]
				s.sleepLocked(delay)
				continue
			}
			s.requested[index] = true
			s.dispatchLocked([]int{index})
			continue
		}

		if !halted && s.opts.Listener != nil {
			if waited := time.Since(start); waited >= s.opts.HaltGrace {
				halted = true
				s.mu.Unlock()
				s.opts.Listener.StreamHalted(index, waited)
				s.mu.Lock()
				continue
			}
		}
		s.cond.Wait()
	}
}

// exhaustedLocked surfaces the failure to this reader and resets the
// chunk so a later read starts a fresh retry budget.
func (s *Stream) exhaustedLocked(index int) error {
	last := s.lastErr[index]
	s.retries[index] = 0
	s.lastErr[index] = nil

	logging.WarnWithContext(s.logger, "chunk retries exhausted", "chunk_retries_exhausted",
		logging.Int(logging.FieldChunkIndex, index),
		logging.Int("max_chunk_tries", s.opts.MaxChunkTries),
		logging.Error(last),
		logging.String(logging.FieldErrorHint, "check connectivity to the access point"),
		logging.String(logging.FieldImpact, "read failed"),
	)

	var chunkErr *ChunkError
	if errors.As(last, &chunkErr) {
		return &ChunkError{Index: index, Code: chunkErr.Code, Err: chunkErr.Err}
	}
	return &ChunkError{Index: index, Err: last}
}

// preloadLocked marks the readahead window requested and returns the
// indexes to dispatch. Callers hold s.mu.
func (s *Stream) preloadLocked(index int) []int {
	var out []int
	for i := index + 1; i <= index+s.opts.PreloadAhead && i < s.chunks; i++ {
		if s.available[i] || s.requested[i] || s.retries[i] >= s.opts.PreloadChunkRetries {
			continue
		}
		s.requested[i] = true
		out = append(out, i)
	}
	return out
}

// dispatchLocked hands requests to the source with s.mu released so a
// source may deliver synchronously.
func (s *Stream) dispatchLocked(indexes []int) {
	if len(indexes) == 0 {
		return
	}
	s.mu.Unlock()
	for _, i := range indexes {
		s.source.RequestChunk(i, s)
	}
	s.mu.Lock()
}

func (s *Stream) sleepLocked(d time.Duration) {
	s.mu.Unlock()
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
	case <-s.done:
		timer.Stop()
	}
	s.mu.Lock()
}

func (s *Stream) backoff(retries int) time.Duration {
	if !s.opts.RetryBackoff || retries <= 1 {
		return 0
	}
	return time.Duration(math.Log10(float64(retries)) * float64(time.Second))
}
