package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"tonearm/internal/config"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
)

const (
	journalFileName = "journal.dat"
	lockFileName    = journalFileName + ".lock"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Options configures a Manager opened with Open.
type Options struct {
	Dir       string
	Cleanup   bool
	Retention time.Duration
	Logger    *slog.Logger
}

// Manager owns the journal and hands out per-stream handlers.
type Manager struct {
	dir       string
	cleanup   bool
	retention time.Duration
	logger    *slog.Logger
	journal   *Journal
	lock      *flock.Flock
	statfs    statfsFunc
	now       func() time.Time

	mu       sync.Mutex
	handlers map[string]*Handler
	closed   bool

	stopMaintenance context.CancelFunc
	maintenanceDone chan struct{}
}

// NewManager opens the cache described by cfg and starts the background
// maintenance sweep. It returns nil when caching is disabled.
func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if cfg == nil || !cfg.Cache.Enabled {
		return nil, nil
	}
	m, err := Open(Options{
		Dir:       cfg.Cache.Dir,
		Cleanup:   cfg.Cache.Cleanup,
		Retention: cfg.Retention(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	m.StartMaintenance(ctx)
	return m, nil
}

// Open opens the journal under opts.Dir and takes the directory lock.
// Maintenance is not started; see StartMaintenance.
func Open(opts Options) (*Manager, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("cache: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: ensure directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cache: lock directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	journal, err := OpenJournal(filepath.Join(dir, journalFileName))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Manager{
		dir:       dir,
		cleanup:   opts.Cleanup,
		retention: retention,
		logger:    logging.NewComponentLogger(opts.Logger, "cache"),
		journal:   journal,
		lock:      lock,
		statfs:    realStatfs,
		now:       time.Now,
		handlers:  make(map[string]*Handler),
	}, nil
}

// Dir returns the cache directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Handler returns the handler for id, opening it if needed. Every call
// must be paired with Handler.Close.
func (m *Manager) Handler(id streamid.StreamID) (*Handler, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	key := id.String()
	if err := validateID(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.handlers[key]; ok {
		h.refs++
		return h, nil
	}
	h := &Handler{
		m:      m,
		id:     key,
		path:   m.payloadPath(key),
		logger: m.logger.With(logging.String(logging.FieldStreamID, key)),
		refs:   1,
	}
	m.handlers[key] = h
	return h, nil
}

func (m *Manager) release(h *Handler) error {
	m.mu.Lock()
	h.refs--
	last := h.refs <= 0
	if last {
		delete(m.handlers, h.id)
	}
	m.mu.Unlock()
	if !last {
		return nil
	}
	return h.closeFile()
}

// Remove deletes the journal entry and payload file of id.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.handlers[id]; ok {
		return fmt.Errorf("%w: %s", ErrInUse, id)
	}
	return m.removeEntry(id)
}

// removeEntry drops the journal record and payload file. Missing pieces
// are not an error as long as one of them existed.
func (m *Manager) removeEntry(id string) error {
	journalErr := m.journal.Remove(id)
	if journalErr != nil && !errors.Is(journalErr, ErrNotFound) {
		return journalErr
	}
	fileErr := os.Remove(m.payloadPath(id))
	if fileErr != nil && !errors.Is(fileErr, os.ErrNotExist) {
		return fmt.Errorf("cache: remove payload %s: %w", id, fileErr)
	}
	if journalErr != nil && fileErr != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (m *Manager) payloadPath(id string) string {
	shard := id
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(m.dir, shard, id)
}

// Close stops maintenance, closes open handlers and the journal, and
// releases the directory lock.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handlers := make([]*Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.handlers = map[string]*Handler{}
	stop, done := m.stopMaintenance, m.maintenanceDone
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	var errs []error
	for _, h := range handlers {
		if err := h.closeFile(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("cache: unlock directory: %w", err))
	}
	return errors.Join(errs...)
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
