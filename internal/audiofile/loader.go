package audiofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tonearm/internal/cache"
	"tonearm/internal/channel"
	"tonearm/internal/chunkstream"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
)

// ChannelRequester is the part of *channel.Manager the loader uses.
type ChannelRequester interface {
	RequestChunk(id streamid.StreamID, index int, sink channel.Sink) (uint16, error)
}

// Option customizes a Loader.
type Option func(*Loader)

// WithCache serves and stores chunks through m.
func WithCache(m *cache.Manager) Option {
	return func(l *Loader) {
		l.cache = m
	}
}

// WithChannels requests missing chunks over the access point.
func WithChannels(c ChannelRequester) Option {
	return func(l *Loader) {
		l.channels = c
	}
}

// WithCDN falls back to range requests for streams the access point
// cannot serve.
func WithCDN(c *CDNSource) Option {
	return func(l *Loader) {
		l.cdn = c
	}
}

// WithStreamOptions sets the readahead and retry tuning of opened streams.
func WithStreamOptions(opts chunkstream.Options) Option {
	return func(l *Loader) {
		l.opts = opts
	}
}

// WithLogger routes loader logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader opens chunked streams backed by the cache and remote sources.
type Loader struct {
	cache    *cache.Manager
	channels ChannelRequester
	cdn      *CDNSource
	opts     chunkstream.Options
	logger   *slog.Logger
}

// NewLoader returns a Loader configured by opts.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{opts: chunkstream.DefaultOptions()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.NewComponentLogger(l.logger, "audiofile")
	if l.opts.Logger == nil {
		l.opts.Logger = l.logger
	}
	return l
}

// Open returns a readable stream for id. The size comes from the cache or
// from the first chunk, which Open fetches before returning. dec may be
// nil for unencrypted content.
func (l *Loader) Open(ctx context.Context, id streamid.StreamID, dec Decryptor) (*File, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("audiofile: open: %w", streamid.ErrInvalid)
	}
	if l.channels == nil && l.cdn == nil && l.cache == nil {
		return nil, ErrNoSource
	}
	if dec == nil {
		dec = NopDecryptor{}
	}

	src := newSource(ctx, l, id, dec)
	if l.cache != nil {
		handler, err := l.cache.Handler(id)
		if err != nil {
			logging.WarnWithContext(src.logger, "cache unavailable for stream", "audiofile_cache_open_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check cache directory permissions and lock holders"),
				logging.String(logging.FieldImpact, "stream served without cache"),
			)
		} else {
			src.handler = handler
		}
	}

	size, known := src.loadCacheState()
	if src.unavailable.Load() && l.cdn == nil && !known {
		src.close()
		return nil, fmt.Errorf("%w: %s is marked unavailable on the access point", ErrUnavailable, id)
	}

	var first []byte
	if !known {
		data, total, err := src.fetchFirst()
		if err != nil {
			src.close()
			return nil, fmt.Errorf("audiofile: open %s: %w", id, err)
		}
		first, size = data, total
	}

	stream := chunkstream.New(size, src, l.opts)
	if first != nil {
		stream.WriteChunk(0, first)
	}
	src.logger.Debug("stream opened",
		logging.Int64("size", size),
		logging.Int("chunks", stream.Chunks()),
		logging.Bool("cached", src.handler != nil),
		logging.Bool("size_from_cache", known),
	)
	return &File{Stream: stream, src: src}, nil
}

// File is an open stream. Close releases the stream and its cache handle.
type File struct {
	*chunkstream.Stream
	src *source

	closeOnce sync.Once
	closeErr  error
}

// ID returns the stream id.
func (f *File) ID() streamid.StreamID {
	return f.src.id
}

// Cached reports whether chunks are persisted to the cache.
func (f *File) Cached() bool {
	return f.src.handler != nil
}

// Close stops outstanding fetches and releases the stream. It is safe to
// call from any goroutine and more than once.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.Stream.Close()
		if err := f.src.close(); err != nil && !errors.Is(err, cache.ErrClosed) {
			f.closeErr = errors.Join(f.closeErr, err)
		}
	})
	return f.closeErr
}
