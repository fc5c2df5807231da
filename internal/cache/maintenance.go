package cache

import (
	"context"
	"errors"
	"os"
	"time"

	"tonearm/internal/logging"
)

// SweepReport summarises one maintenance sweep.
type SweepReport struct {
	Scanned int
	Missing int
	Expired int
	Skipped int
}

// StartMaintenance runs Sweep with the configured retention in the
// background. Close waits for it to finish.
func (m *Manager) StartMaintenance(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.stopMaintenance != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stopMaintenance = cancel
	m.maintenanceDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		report, err := m.Sweep(ctx, m.cleanup, m.retention)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			logging.WarnWithContext(m.logger, "cache maintenance failed", "cache_maintenance_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run `tonearm cache prune` to retry"),
				logging.String(logging.FieldImpact, "stale cache entries kept"),
			)
			return
		}
		if report.Missing > 0 || report.Expired > 0 {
			m.logger.Info("cache maintenance complete",
				logging.Int("scanned", report.Scanned),
				logging.Int("missing", report.Missing),
				logging.Int("expired", report.Expired),
			)
		}
	}()
}

// Sweep drops journal entries whose payload file is gone and, when expire
// is set, entries last accessed more than maxAge ago. Entries with an open
// handler are skipped.
func (m *Manager) Sweep(ctx context.Context, expire bool, maxAge time.Duration) (SweepReport, error) {
	var report SweepReport
	ids, err := m.journal.Entries()
	if err != nil {
		return report, err
	}
	cutoff := m.now().Add(-maxAge)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		reason := ""
		if _, err := os.Stat(m.payloadPath(id)); errors.Is(err, os.ErrNotExist) {
			reason = "payload missing"
		} else if expire {
			stamp, ok, err := m.journal.Header(id, HeaderTimestamp)
			if err != nil {
				return report, err
			}
			if ok {
				last, err := decodeTime(stamp)
				if err == nil && last.Before(cutoff) {
					reason = "expired"
				}
			}
		}
		if reason == "" {
			continue
		}

		removed, err := m.removeIdle(id)
		if err != nil {
			return report, err
		}
		if !removed {
			report.Skipped++
			continue
		}
		if reason == "expired" {
			report.Expired++
		} else {
			report.Missing++
		}
		m.logger.Debug("removed cache entry",
			logging.String(logging.FieldStreamID, id),
			logging.String("reason", reason),
		)
	}
	return report, nil
}

// removeIdle removes id unless a handler is open for it.
func (m *Manager) removeIdle(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.handlers[id]; ok {
		return false, nil
	}
	if err := m.removeEntry(id); err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return true, nil
}
