package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tonearm/internal/chunk"
	"tonearm/internal/logging"
)

// Handler gives access to the cached chunks and headers of one stream.
// Payload I/O is serialised per stream; different streams proceed in
// parallel.
type Handler struct {
	m      *Manager
	id     string
	path   string
	logger *slog.Logger
	refs   int

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// ID returns the stream id this handler serves.
func (h *Handler) ID() string {
	return h.id
}

// HasChunk reports whether chunk index is fully present: its bitmap bit
// is set and the payload file covers it.
func (h *Handler) HasChunk(index int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, ErrClosed
	}
	ok, err := h.m.journal.HasChunk(h.id, index)
	if err != nil || !ok {
		return false, err
	}
	size, err := h.payloadSize()
	if err != nil {
		return false, err
	}
	return size >= chunk.Offset(index+1), nil
}

// ReadChunk returns the chunk.Size bytes stored for index. Chunk 0 is
// verified against the stored hash; a mismatch clears its bit and returns
// a *CorruptionError.
func (h *Handler) ReadChunk(index int) ([]byte, error) {
	if err := checkIndex(index); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	file, err := h.payload(false)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, chunk.Size)
	n, err := file.ReadAt(buf, chunk.Offset(index))
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: chunk %d of %s is truncated", ErrNotFound, index, h.id)
		}
		return nil, fmt.Errorf("cache: read chunk %d of %s: %w", index, h.id, err)
	}

	if index == 0 {
		want, ok, err := h.m.journal.Header(h.id, HeaderHash)
		if err != nil {
			return nil, err
		}
		if ok {
			sum := md5.Sum(buf)
			if !bytes.Equal(sum[:], want) {
				h.dropCorrupt(index)
				return nil, &CorruptionError{StreamID: h.id, Index: index}
			}
		}
	}

	h.touch()
	return buf, nil
}

func (h *Handler) dropCorrupt(index int) {
	attrs := []logging.Attr{
		logging.Int(logging.FieldChunkIndex, index),
		logging.String(logging.FieldErrorHint, "chunk will be refetched; run `tonearm cache verify` if this repeats"),
		logging.String(logging.FieldImpact, "cached chunk discarded"),
	}
	if err := h.m.journal.SetChunk(h.id, index, false); err != nil {
		attrs = append(attrs, logging.Error(err))
	}
	logging.WarnWithContext(h.logger, "cached chunk failed hash verification", "cache_chunk_corrupted", attrs...)
}

// WriteChunk stores data as chunk index. A short final chunk is padded
// with zeros to chunk.Size. The bitmap bit is set only after the payload
// write succeeds.
func (h *Handler) WriteChunk(index int, data []byte) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	if len(data) > chunk.Size {
		return fmt.Errorf("cache: chunk %d of %s is %d bytes, max %d", index, h.id, len(data), chunk.Size)
	}
	buf := data
	if len(buf) < chunk.Size {
		buf = make([]byte, chunk.Size)
		copy(buf, data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	file, err := h.payload(true)
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(buf, chunk.Offset(index)); err != nil {
		return fmt.Errorf("cache: write chunk %d of %s: %w", index, h.id, err)
	}
	if err := h.m.journal.SetChunk(h.id, index, true); err != nil {
		return err
	}
	if index == 0 {
		sum := md5.Sum(buf)
		h.setHeaderLocked(HeaderHash, sum[:])
	}
	h.touch()
	return nil
}

// Header returns the value stored under hid.
func (h *Handler) Header(hid byte) ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, ErrClosed
	}
	return h.m.journal.Header(h.id, hid)
}

func (h *Handler) headers() ([]Header, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	return h.m.journal.Headers(h.id)
}

// SetHeader stores a header value. Failing to store a size header
// evicts the entry and returns the error; other failures are logged.
func (h *Handler) SetHeader(hid byte, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.setHeaderLocked(hid, value)
}

func (h *Handler) setHeaderLocked(hid byte, value []byte) error {
	err := h.m.journal.SetHeader(h.id, hid, value)
	if err == nil {
		return nil
	}
	if hid == HeaderSize || hid == HeaderLength {
		h.evictLocked()
		return fmt.Errorf("cache: store size of %s: %w", h.id, err)
	}
	logging.WarnWithContext(h.logger, "cache header not stored", "cache_header_write_failed",
		logging.Int("header_id", int(hid)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check cache directory health"),
		logging.String(logging.FieldImpact, "cache entry metadata incomplete"),
	)
	return nil
}

// Size returns the stream byte size recorded in the size headers.
func (h *Handler) Size() (int64, bool, error) {
	headers, err := h.headers()
	if err != nil {
		return 0, false, err
	}
	size, ok, err := sizeFromHeaders(headers)
	if err != nil {
		return 0, false, fmt.Errorf("cache: size header of %s: %w", h.id, err)
	}
	return size, ok, nil
}

// SetSize records the stream byte size. SIZE holds whole 32-bit words,
// rounded up; a length that is not word aligned is also kept exactly in
// HeaderLength so it survives a reopen.
func (h *Handler) SetSize(size int64) error {
	var value [4]byte
	binary.BigEndian.PutUint32(value[:], uint32((size+3)/4))
	if err := h.SetHeader(HeaderSize, value[:]); err != nil {
		return err
	}
	if size%4 == 0 {
		return nil
	}
	var exact [8]byte
	binary.BigEndian.PutUint64(exact[:], uint64(size))
	return h.SetHeader(HeaderLength, exact[:])
}

// sizeFromHeaders prefers HeaderLength when it agrees with SIZE.
func sizeFromHeaders(headers []Header) (int64, bool, error) {
	var words, exact []byte
	for _, hdr := range headers {
		switch hdr.ID {
		case HeaderSize:
			words = hdr.Value
		case HeaderLength:
			exact = hdr.Value
		}
	}
	if words == nil {
		return 0, false, nil
	}
	n, err := decodeUint(words)
	if err != nil {
		return 0, false, err
	}
	size := int64(n) * 4
	if exact != nil {
		if length, err := decodeUint(exact); err == nil && int64(length) <= size && int64(length) > size-4 {
			return int64(length), true, nil
		}
	}
	return size, true, nil
}

// MarkUnavailable records that the stream cannot be fetched.
func (h *Handler) MarkUnavailable() error {
	return h.SetHeader(HeaderUnavailable, []byte{1})
}

// Unavailable reports whether MarkUnavailable was called for this stream.
func (h *Handler) Unavailable() (bool, error) {
	_, ok, err := h.Header(HeaderUnavailable)
	return ok, err
}

// VerifyResult summarises a Verify pass.
type VerifyResult struct {
	Chunks      int
	Truncated   []int
	HashChecked bool
	Corrupted   bool
}

// Verify checks every chunk marked present against the payload file and
// chunk 0 against its hash. Bits of chunks that fail are cleared.
func (h *Handler) Verify() (VerifyResult, error) {
	var result VerifyResult

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return result, ErrClosed
	}
	bitmap, err := h.m.journal.Bitmap(h.id)
	if err != nil {
		h.mu.Unlock()
		return result, err
	}
	if bitmap == nil {
		h.mu.Unlock()
		return result, fmt.Errorf("%w: %s", ErrNotFound, h.id)
	}
	size, err := h.payloadSize()
	if err != nil {
		h.mu.Unlock()
		return result, err
	}
	checkHash := false
	for index := 0; index < MaxChunks; index++ {
		if bitmap[index/8]&(1<<(index%8)) == 0 {
			continue
		}
		if size < chunk.Offset(index+1) {
			result.Truncated = append(result.Truncated, index)
			if err := h.m.journal.SetChunk(h.id, index, false); err != nil {
				h.mu.Unlock()
				return result, err
			}
			continue
		}
		if index == 0 {
			checkHash = true
		}
		result.Chunks++
	}
	_, hasHash, err := h.m.journal.Header(h.id, HeaderHash)
	h.mu.Unlock()
	if err != nil {
		return result, err
	}

	if hasHash && checkHash {
		result.HashChecked = true
		if _, err := h.ReadChunk(0); err != nil {
			if !errors.Is(err, ErrCorrupted) {
				return result, err
			}
			result.Corrupted = true
			result.Chunks--
		}
	}
	return result, nil
}

// Close releases this reference to the handler.
func (h *Handler) Close() error {
	return h.m.release(h)
}

func (h *Handler) closeFile() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// payload returns the open payload file, creating it when create is set.
// Callers hold h.mu.
func (h *Handler) payload(create bool) (*os.File, error) {
	if h.file != nil {
		return h.file, nil
	}
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
			return nil, fmt.Errorf("cache: ensure shard directory: %w", err)
		}
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(h.path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: payload of %s", ErrNotFound, h.id)
		}
		return nil, fmt.Errorf("cache: open payload of %s: %w", h.id, err)
	}
	h.file = file
	return file, nil
}

// payloadSize returns the payload file length, zero when it does not exist.
// Callers hold h.mu.
func (h *Handler) payloadSize() (int64, error) {
	file, err := h.payload(false)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("cache: stat payload of %s: %w", h.id, err)
	}
	return info.Size(), nil
}

// touch refreshes the access timestamp. Callers hold h.mu.
func (h *Handler) touch() {
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(h.m.now().UnixMilli()))
	if err := h.m.journal.SetHeader(h.id, HeaderTimestamp, value[:]); err != nil {
		logging.WarnWithContext(h.logger, "cache timestamp not refreshed", "cache_timestamp_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check cache directory health"),
			logging.String(logging.FieldImpact, "entry may expire early"),
		)
	}
}

// evictLocked removes the entry while the handler stays open. Callers
// hold h.mu.
func (h *Handler) evictLocked() {
	if h.file != nil {
		_ = h.file.Close()
		h.file = nil
	}
	if err := h.m.journal.Remove(h.id); err != nil && !errors.Is(err, ErrNotFound) {
		logging.WarnWithContext(h.logger, "cache entry eviction incomplete", "cache_evict_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the entry with `tonearm cache remove`"),
		)
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(h.logger, "cache payload not removed", "cache_evict_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "delete the payload file by hand"),
		)
	}
	h.logger.Info("evicted cache entry", logging.String("reason", "size header not stored"))
}

func decodeUint(value []byte) (uint64, error) {
	if len(value) == 0 || len(value) > 8 {
		return 0, fmt.Errorf("unexpected length %d", len(value))
	}
	var n uint64
	for _, b := range value {
		n = n<<8 | uint64(b)
	}
	return n, nil
}

func decodeTime(value []byte) (time.Time, error) {
	millis, err := decodeUint(value)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(millis)), nil
}
