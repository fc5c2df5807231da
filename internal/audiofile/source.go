package audiofile

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"

	"tonearm/internal/cache"
	"tonearm/internal/channel"
	"tonearm/internal/chunk"
	"tonearm/internal/chunkstream"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
)

// errChannelUnavailable marks a channel response that carried the
// unavailable header instead of audio.
var errChannelUnavailable = errors.New("audiofile: access point reports stream unavailable")

// source feeds one chunkstream.Stream. Each request runs on its own
// goroutine: cache, then channel, then CDN.
type source struct {
	loader  *Loader
	id      streamid.StreamID
	dec     Decryptor
	handler *cache.Handler
	logger  *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unavailable atomic.Bool
}

func newSource(ctx context.Context, l *Loader, id streamid.StreamID, dec Decryptor) *source {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &source{
		loader: l,
		id:     id,
		dec:    dec,
		logger: logging.WithContext(ctx, l.logger).With(logging.String(logging.FieldStreamID, id.String())),
		ctx:    runCtx,
		cancel: cancel,
	}
}

// loadCacheState picks up the unavailable marker and the recorded size.
func (s *source) loadCacheState() (int64, bool) {
	if s.handler == nil {
		return 0, false
	}
	if unavailable, err := s.handler.Unavailable(); err == nil && unavailable {
		s.unavailable.Store(true)
	}
	size, ok, err := s.handler.Size()
	if err != nil {
		s.cacheWarning("cached size unreadable", err)
		return 0, false
	}
	return size, ok
}

// RequestChunk implements chunkstream.Source.
func (s *source) RequestChunk(index int, w chunkstream.Writer) {
	go func() {
		data, err := s.load(index)
		if err != nil {
			w.ChunkFailed(index, err)
			return
		}
		w.WriteChunk(index, data)
	}()
}

func (s *source) load(index int) ([]byte, error) {
	if data, ok := s.fromCache(index); ok {
		return s.decrypt(index, data)
	}
	raw, _, err := s.remote(index)
	if err != nil {
		return nil, err
	}
	s.store(index, raw)
	return s.decrypt(index, raw)
}

// fetchFirst loads chunk 0 from the network to learn the stream size.
func (s *source) fetchFirst() ([]byte, int64, error) {
	raw, size, err := s.remote(0)
	if err != nil {
		return nil, 0, err
	}
	if size < 0 {
		return nil, 0, ErrUnknownSize
	}
	if s.handler != nil {
		if err := s.handler.SetSize(size); err != nil {
			logging.WarnWithContext(s.logger, "stream size not cached", "audiofile_cache_size_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check cache journal health"),
				logging.String(logging.FieldImpact, "stream served without cache"),
			)
			_ = s.handler.Close()
			s.handler = nil
		}
	}
	s.store(0, raw)
	data, err := s.decrypt(0, raw)
	return data, size, err
}

func (s *source) fromCache(index int) ([]byte, bool) {
	if s.handler == nil {
		return nil, false
	}
	ok, err := s.handler.HasChunk(index)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, cache.ErrClosed) {
			s.cacheWarning("cache lookup failed", err, logging.Int(logging.FieldChunkIndex, index))
		}
		return nil, false
	}
	data, err := s.handler.ReadChunk(index)
	if err != nil {
		// A corrupted chunk was already dropped by the handler; refetch it.
		if !errors.Is(err, cache.ErrCorrupted) && !errors.Is(err, cache.ErrClosed) {
			s.cacheWarning("cached chunk unreadable", err, logging.Int(logging.FieldChunkIndex, index))
		}
		return nil, false
	}
	s.logger.Debug("chunk served from cache", logging.Int(logging.FieldChunkIndex, index))
	return data, true
}

func (s *source) store(index int, raw []byte) {
	if s.handler == nil {
		return
	}
	if len(raw) > chunk.Size {
		raw = raw[:chunk.Size]
	}
	if err := s.handler.WriteChunk(index, raw); err != nil && !errors.Is(err, cache.ErrClosed) {
		s.cacheWarning("chunk not cached", err, logging.Int(logging.FieldChunkIndex, index))
	}
}

func (s *source) decrypt(index int, data []byte) ([]byte, error) {
	if err := s.dec.DecryptChunk(index, data); err != nil {
		return nil, &chunkstream.ChunkError{Index: index, Err: err}
	}
	return data, nil
}

// remote fetches raw chunk bytes and the stream size, -1 when the source
// did not report it.
func (s *source) remote(index int) ([]byte, int64, error) {
	l := s.loader
	if l.channels != nil && !s.unavailable.Load() && s.id.Kind() == streamid.KindFile {
		data, size, err := s.fromChannel(index)
		if !errors.Is(err, errChannelUnavailable) {
			return data, size, err
		}
		s.markUnavailable()
	}
	if l.cdn != nil {
		data, size, err := l.cdn.FetchChunk(s.ctx, s.id, index)
		if err != nil {
			return nil, 0, &chunkstream.ChunkError{Index: index, Err: err}
		}
		s.logger.Debug("chunk fetched from cdn", logging.Int(logging.FieldChunkIndex, index))
		return data, size, nil
	}
	if s.unavailable.Load() {
		return nil, 0, &chunkstream.ChunkError{Index: index, Err: ErrUnavailable}
	}
	return nil, 0, &chunkstream.ChunkError{Index: index, Err: ErrNoSource}
}

func (s *source) fromChannel(index int) ([]byte, int64, error) {
	fetch := &channelFetch{size: -1, done: make(chan struct{})}
	if _, err := s.loader.channels.RequestChunk(s.id, index, fetch); err != nil {
		return nil, 0, &chunkstream.ChunkError{Index: index, Err: err}
	}
	select {
	case <-fetch.done:
	case <-s.ctx.Done():
		return nil, 0, &chunkstream.ChunkError{Index: index, Err: s.ctx.Err()}
	}

	if fetch.unavailable {
		return nil, 0, errChannelUnavailable
	}
	if fetch.err != nil {
		var serverErr *channel.ServerError
		if errors.As(fetch.err, &serverErr) {
			chunkErr := chunkstream.FromStreamError(index, serverErr.Code)
			chunkErr.Err = fetch.err
			return nil, 0, chunkErr
		}
		return nil, 0, &chunkstream.ChunkError{Index: index, Err: fetch.err}
	}
	return fetch.data, fetch.size, nil
}

func (s *source) markUnavailable() {
	if s.unavailable.Swap(true) {
		return
	}
	logging.WarnWithContext(s.logger, "access point cannot serve stream", "audiofile_stream_unavailable",
		logging.Bool("cdn_fallback", s.loader.cdn != nil),
		logging.String(logging.FieldErrorHint, "enable the [cdn] source to play this stream"),
		logging.String(logging.FieldImpact, "channel requests skipped for this stream"),
	)
	if s.handler != nil {
		if err := s.handler.MarkUnavailable(); err != nil && !errors.Is(err, cache.ErrClosed) {
			s.cacheWarning("unavailable marker not cached", err)
		}
	}
}

func (s *source) cacheWarning(msg string, err error, attrs ...logging.Attr) {
	attrs = append(attrs,
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "run `tonearm cache verify` to inspect the entry"),
		logging.String(logging.FieldImpact, "chunk fetched from the network instead"),
	)
	logging.WarnWithContext(s.logger, msg, "audiofile_cache_error", attrs...)
}

func (s *source) close() error {
	s.cancel()
	if s.handler == nil {
		return nil
	}
	return s.handler.Close()
}

// channelFetch collects one channel response. Sink calls arrive on the
// channel worker goroutine; done is closed after the last one.
type channelFetch struct {
	size        int64
	unavailable bool
	data        []byte
	err         error
	done        chan struct{}
}

func (f *channelFetch) Header(_ int, id byte, value []byte) {
	switch id {
	case cache.HeaderSize:
		if len(value) >= 4 {
			f.size = int64(binary.BigEndian.Uint32(value)) * 4
		}
	case cache.HeaderUnavailable:
		f.unavailable = true
	}
}

func (f *channelFetch) Chunk(_ int, data []byte) {
	f.data = data
	close(f.done)
}

func (f *channelFetch) Failed(_ int, err error) {
	f.err = err
	close(f.done)
}
