package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	maxIDLength     = 40
	bitmapSize      = 2048
	maxHeaders      = 8
	headerSlotSize  = 1024
	maxHeaderLength = headerSlotSize - 1
	headersOffset   = maxIDLength + bitmapSize
	recordSize      = headersOffset + maxHeaders*headerSlotSize

	// MaxChunks is the number of chunks one journal bitmap can address.
	MaxChunks = bitmapSize * 8
)

// Reserved header ids.
const (
	HeaderSize        byte = 0x03
	HeaderUnavailable byte = 0x04
	HeaderHash        byte = 253
	HeaderTimestamp   byte = 254
)

// HeaderLength holds the exact byte length of a stream whose size is not
// a whole number of SIZE words.
const HeaderLength byte = 0x05

// Header is one decoded header slot.
type Header struct {
	ID    byte
	Value []byte
}

// Journal is the fixed-record index of cached streams. All access to the
// underlying file is serialised by a single mutex.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	offsets map[string]int64
}

// OpenJournal opens or creates the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: open journal: %w", err)
	}
	return &Journal{file: file, offsets: make(map[string]int64)}, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// HasChunk reports whether the bitmap bit for index is set.
func (j *Journal) HasChunk(id string, index int) (bool, error) {
	if err := checkIndex(index); err != nil {
		return false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.find(id)
	if err != nil || off < 0 {
		return false, err
	}
	var b [1]byte
	if err := j.readAt(b[:], off+maxIDLength+int64(index/8)); err != nil {
		return false, err
	}
	return b[0]&(1<<(index%8)) != 0, nil
}

// SetChunk sets or clears the bitmap bit for index, creating the entry
// when needed.
func (j *Journal) SetChunk(id string, index int, available bool) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.createIfNeeded(id)
	if err != nil {
		return err
	}
	pos := off + maxIDLength + int64(index/8)
	var b [1]byte
	if err := j.readAt(b[:], pos); err != nil {
		return err
	}
	if available {
		b[0] |= 1 << (index % 8)
	} else {
		b[0] &^= 1 << (index % 8)
	}
	return j.writeAt(b[:], pos)
}

// Bitmap returns a copy of the chunk bitmap of id, or nil when the entry
// does not exist.
func (j *Journal) Bitmap(id string) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.find(id)
	if err != nil || off < 0 {
		return nil, err
	}
	bitmap := make([]byte, bitmapSize)
	if err := j.readAt(bitmap, off+maxIDLength); err != nil {
		return nil, err
	}
	return bitmap, nil
}

// Header returns the value of header hid.
func (j *Journal) Header(id string, hid byte) ([]byte, bool, error) {
	headers, err := j.Headers(id)
	if err != nil {
		return nil, false, err
	}
	for _, h := range headers {
		if h.ID == hid {
			return h.Value, true, nil
		}
	}
	return nil, false, nil
}

// Headers returns every occupied header slot of id.
func (j *Journal) Headers(id string) ([]Header, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.find(id)
	if err != nil || off < 0 {
		return nil, err
	}
	raw := make([]byte, maxHeaders*headerSlotSize)
	if err := j.readAt(raw, off+headersOffset); err != nil {
		return nil, err
	}

	var headers []Header
	for i := 0; i < maxHeaders; i++ {
		slot := raw[i*headerSlotSize : (i+1)*headerSlotSize]
		if slot[0] == 0 {
			continue
		}
		value, err := hex.DecodeString(trimNUL(slot[1:]))
		if err != nil {
			return nil, fmt.Errorf("cache: decode header 0x%02x of %s: %w", slot[0], id, err)
		}
		headers = append(headers, Header{ID: slot[0], Value: value})
	}
	return headers, nil
}

// SetHeader stores value under hid, overwriting an existing slot with the
// same id or taking the first empty one.
func (j *Journal) SetHeader(id string, hid byte, value []byte) error {
	if hid == 0 {
		return fmt.Errorf("cache: header id 0 is reserved")
	}
	encoded := hex.EncodeToString(value)
	if len(encoded) > maxHeaderLength {
		return fmt.Errorf("%w: header 0x%02x value is %d bytes", ErrHeaderSpace, hid, len(value))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.createIfNeeded(id)
	if err != nil {
		return err
	}
	slot := -1
	var b [1]byte
	for i := 0; i < maxHeaders; i++ {
		if err := j.readAt(b[:], off+headersOffset+int64(i*headerSlotSize)); err != nil {
			return err
		}
		if b[0] == hid {
			slot = i
			break
		}
		if b[0] == 0 && slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		return fmt.Errorf("%w: no free slot for header 0x%02x of %s", ErrHeaderSpace, hid, id)
	}

	buf := make([]byte, headerSlotSize)
	buf[0] = hid
	copy(buf[1:], encoded)
	return j.writeAt(buf, off+headersOffset+int64(slot*headerSlotSize))
}

// Entries lists the ids of every occupied record.
func (j *Journal) Entries() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	size, err := j.size()
	if err != nil {
		return nil, err
	}
	var ids []string
	buf := make([]byte, maxIDLength)
	for off := int64(0); off+recordSize <= size; off += recordSize {
		if err := j.readAt(buf, off); err != nil {
			return nil, err
		}
		if buf[0] == 0 {
			continue
		}
		id := trimNUL(buf)
		j.offsets[id] = off
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove frees the record of id.
func (j *Journal) Remove(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	off, err := j.find(id)
	if err != nil {
		return err
	}
	if off < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := j.writeAt(make([]byte, recordSize), off); err != nil {
		return err
	}
	delete(j.offsets, id)
	return nil
}

// find returns the record offset of id or -1. Callers hold j.mu.
func (j *Journal) find(id string) (int64, error) {
	if err := validateID(id); err != nil {
		return -1, err
	}
	if off, ok := j.offsets[id]; ok {
		return off, nil
	}
	off, _, err := j.scan(id)
	if err != nil {
		return -1, err
	}
	if off >= 0 {
		j.offsets[id] = off
	}
	return off, nil
}

// createIfNeeded returns the record offset of id, claiming a free record
// or appending one. Callers hold j.mu.
func (j *Journal) createIfNeeded(id string) (int64, error) {
	if err := validateID(id); err != nil {
		return -1, err
	}
	if off, ok := j.offsets[id]; ok {
		return off, nil
	}
	off, free, err := j.scan(id)
	if err != nil {
		return -1, err
	}
	if off >= 0 {
		j.offsets[id] = off
		return off, nil
	}

	record := make([]byte, recordSize)
	copy(record, id)
	if err := j.writeAt(record, free); err != nil {
		return -1, err
	}
	j.offsets[id] = free
	return free, nil
}

// scan walks complete records looking for id. It also returns the first
// free record offset, which is the end of the last complete record when
// no record is free. A trailing partial record is treated as free space.
func (j *Journal) scan(id string) (match, free int64, err error) {
	size, err := j.size()
	if err != nil {
		return -1, -1, err
	}
	match, free = -1, -1
	buf := make([]byte, maxIDLength)
	var off int64
	for ; off+recordSize <= size; off += recordSize {
		if err := j.readAt(buf, off); err != nil {
			return -1, -1, err
		}
		if buf[0] == 0 {
			if free < 0 {
				free = off
			}
			continue
		}
		if trimNUL(buf) == id {
			return off, free, nil
		}
	}
	if free < 0 {
		free = off
	}
	return -1, free, nil
}

func (j *Journal) size() (int64, error) {
	if j.file == nil {
		return 0, ErrClosed
	}
	info, err := j.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("cache: stat journal: %w", err)
	}
	return info.Size(), nil
}

func (j *Journal) readAt(buf []byte, off int64) error {
	if j.file == nil {
		return ErrClosed
	}
	n, err := j.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("cache: read journal at %d: %w", off, err)
}

func (j *Journal) writeAt(buf []byte, off int64) error {
	if j.file == nil {
		return ErrClosed
	}
	if _, err := j.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("cache: write journal at %d: %w", off, err)
	}
	return nil
}

func validateID(id string) error {
	if len(id) < 2 || len(id) > maxIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for i := 0; i < len(id); i++ {
		if id[i] == 0 || id[i] > 0x7f || id[i] == '/' {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

func checkIndex(index int) error {
	if index < 0 || index >= MaxChunks {
		return fmt.Errorf("%w: %d", ErrChunkRange, index)
	}
	return nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
