package chunkstream

import (
	"log/slog"
	"time"

	"tonearm/internal/config"
)

// Defaults for Options.
const (
	DefaultPreloadAhead        = 3
	DefaultMaxChunkTries       = 128
	DefaultPreloadChunkRetries = 2
	DefaultHaltGrace           = 500 * time.Millisecond
)

// Listener is told when a read stalls and when it recovers.
type Listener interface {
	StreamHalted(chunk int, waited time.Duration)
	StreamResumed(chunk int, stalled time.Duration)
}

// Options tunes readahead, retries and halt reporting.
type Options struct {
	PreloadAhead        int
	MaxChunkTries       int
	PreloadChunkRetries int
	HaltGrace           time.Duration
	RetryBackoff        bool
	Listener            Listener
	Logger              *slog.Logger
}

// DefaultOptions returns the stock tuning with retry back-off enabled.
func DefaultOptions() Options {
	return Options{
		PreloadAhead:        DefaultPreloadAhead,
		MaxChunkTries:       DefaultMaxChunkTries,
		PreloadChunkRetries: DefaultPreloadChunkRetries,
		HaltGrace:           DefaultHaltGrace,
		RetryBackoff:        true,
	}
}

// OptionsFromConfig maps the [stream] config section onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	opts.PreloadAhead = cfg.Stream.PreloadAhead
	opts.MaxChunkTries = cfg.Stream.MaxChunkTries
	opts.PreloadChunkRetries = cfg.Stream.PreloadChunkRetries
	opts.HaltGrace = cfg.HaltGrace()
	opts.RetryBackoff = cfg.Stream.RetryBackoff
	return opts
}

func (o *Options) normalize() {
	if o.PreloadAhead < 0 {
		o.PreloadAhead = 0
	}
	if o.MaxChunkTries < 0 {
		o.MaxChunkTries = 0
	}
	if o.PreloadChunkRetries < 0 {
		o.PreloadChunkRetries = 0
	}
	if o.HaltGrace <= 0 {
		o.HaltGrace = DefaultHaltGrace
	}
}
