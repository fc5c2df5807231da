package testsupport

import (
	"testing"

	"tonearm/internal/cache"
	"tonearm/internal/config"
	"tonearm/internal/logging"
)

// MustOpenCache opens the cache described by cfg without background
// maintenance and registers cleanup.
func MustOpenCache(t testing.TB, cfg *config.Config) *cache.Manager {
	t.Helper()

	m, err := cache.Open(cache.Options{
		Dir:       cfg.Cache.Dir,
		Cleanup:   cfg.Cache.Cleanup,
		Retention: cfg.Retention(),
		Logger:    logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}
