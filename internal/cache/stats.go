package cache

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sort"
	"time"
)

// Entry describes one cached stream.
type Entry struct {
	ID           string    `json:"id"`
	Chunks       int       `json:"chunks"`
	Size         int64     `json:"size"`
	SizeKnown    bool      `json:"size_known"`
	PayloadBytes int64     `json:"payload_bytes"`
	LastAccess   time.Time `json:"last_access"`
	Unavailable  bool      `json:"unavailable"`
}

// Stats describes current cache usage.
type Stats struct {
	Entries      int     `json:"entries"`
	TotalBytes   int64   `json:"total_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	TotalFSBytes uint64  `json:"total_fs_bytes"`
	FreeRatio    float64 `json:"free_ratio"`
	Details      []Entry `json:"details"`
}

// Entries lists every journal entry, most recently accessed first.
func (m *Manager) Entries() ([]Entry, error) {
	ids, err := m.journal.Entries()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := m.describe(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastAccess.After(entries[j].LastAccess)
	})
	return entries, nil
}

func (m *Manager) describe(id string) (Entry, error) {
	entry := Entry{ID: id}
	bitmap, err := m.journal.Bitmap(id)
	if err != nil {
		return entry, err
	}
	if bitmap == nil {
		return entry, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, b := range bitmap {
		entry.Chunks += bits.OnesCount8(b)
	}

	headers, err := m.journal.Headers(id)
	if err != nil {
		return entry, err
	}
	if size, ok, err := sizeFromHeaders(headers); err == nil && ok {
		entry.Size = size
		entry.SizeKnown = true
	}
	for _, h := range headers {
		switch h.ID {
		case HeaderTimestamp:
			if ts, err := decodeTime(h.Value); err == nil {
				entry.LastAccess = ts
			}
		case HeaderUnavailable:
			entry.Unavailable = true
		}
	}

	if info, err := os.Stat(m.payloadPath(id)); err == nil {
		entry.PayloadBytes = info.Size()
	}
	return entry, nil
}

// Stats returns current cache usage and filesystem free-space info.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if m == nil {
		return s, nil
	}
	entries, err := m.Entries()
	if err != nil {
		return s, err
	}
	totalFS, freeFS, err := m.statfs(m.dir)
	if err != nil {
		return s, fmt.Errorf("cache: statfs: %w", err)
	}
	ratio := 1.0
	if totalFS > 0 {
		ratio = float64(freeFS) / float64(totalFS)
	}
	var total int64
	for _, e := range entries {
		total += e.PayloadBytes
	}
	s = Stats{
		Entries:      len(entries),
		TotalBytes:   total,
		FreeBytes:    freeFS,
		TotalFSBytes: totalFS,
		FreeRatio:    ratio,
		Details:      entries,
	}
	if len(entries) == 0 {
		m.logger.DebugContext(ctx, "chunk cache empty")
	}
	return s, nil
}
