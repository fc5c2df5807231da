package testsupport

import (
	"path/filepath"
	"testing"

	"tonearm/internal/config"
)

// Fixed hex session keys for tests that exercise the transport.
const (
	SendKeyHex = "000102030405060708090a0b0c0d0e0f"
	RecvKeyHex = "f0e0d0c0b0a090807060504030201000"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with a unique temp cache directory per
// test. Retry back-off is off and the halt grace is short so stream tests
// run fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Cache.Dir = filepath.Join(base, "cache")
	cfgVal.Cache.Cleanup = false
	cfgVal.Stream.RetryBackoff = false
	cfgVal.Stream.HaltGraceMS = 20
	cfgVal.Transport.Address = "127.0.0.1:0"
	cfgVal.Transport.SendKey = SendKeyHex
	cfgVal.Transport.RecvKey = RecvKeyHex
	cfgVal.Logging.Format = "json"
	cfgVal.Logging.Level = "debug"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithoutCache disables the chunk cache.
func WithoutCache() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cache.Enabled = false
	}
}

// WithCleanup enables expiry with the given retention.
func WithCleanup(days int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cache.Cleanup = true
		b.cfg.Cache.RetentionDays = days
	}
}

// WithStream adjusts the stream tuning section.
func WithStream(fn func(*config.Stream)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Stream)
	}
}

// WithCDN enables the CDN source with the given URL template.
func WithCDN(template string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.CDN.Enabled = true
		b.cfg.CDN.URLTemplate = template
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Cache.Dir)
}
