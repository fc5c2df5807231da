package audiofile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"tonearm/internal/cache"
	"tonearm/internal/channel"
	"tonearm/internal/chunk"
	"tonearm/internal/chunkstream"
	"tonearm/internal/config"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
	"tonearm/internal/testsupport"
)

const testFileID = "00112233445566778899aabbccddeeff00112233"

// fakeChannels answers chunk requests from memory the way the channel
// manager does: headers first, then the payload, on another goroutine.
type fakeChannels struct {
	data        []byte
	unavailable bool
	failCode    uint16

	mu       sync.Mutex
	requests []int
}

func (f *fakeChannels) RequestChunk(_ streamid.StreamID, index int, sink channel.Sink) (uint16, error) {
	f.mu.Lock()
	f.requests = append(f.requests, index)
	f.mu.Unlock()

	go func() {
		if f.failCode != 0 {
			sink.Failed(index, &channel.ServerError{ChannelID: 1, Code: f.failCode})
			return
		}
		if f.unavailable {
			sink.Header(index, cache.HeaderUnavailable, []byte{1})
			sink.Chunk(index, nil)
			return
		}
		if index == 0 {
			words := make([]byte, 4)
			binary.BigEndian.PutUint32(words, uint32((len(f.data)+3)/4))
			sink.Header(index, cache.HeaderSize, words)
		}
		start := chunk.Offset(index)
		end := start + int64(chunk.Len(index, int64(len(f.data))))
		sink.Chunk(index, append([]byte(nil), f.data[start:end]...))
	}()
	return uint16(index), nil
}

func (f *fakeChannels) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func streamOptions(cfg *config.Config) chunkstream.Options {
	opts := chunkstream.OptionsFromConfig(cfg)
	opts.Logger = logging.NewNop()
	return opts
}

func readAll(t *testing.T, f *File) []byte {
	t.Helper()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

func TestLoaderStreamsOverChannelsAndCaches(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	data := testsupport.Payload(2*chunk.Size+1000, 4)
	remote := &fakeChannels{data: data}

	loader := NewLoader(
		WithCache(cacheMgr),
		WithChannels(remote),
		WithStreamOptions(streamOptions(cfg)),
		WithLogger(logging.NewNop()),
	)
	f, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Size() != int64(len(data)) || f.Chunks() != 3 || !f.Cached() {
		t.Fatalf("size=%d chunks=%d cached=%v", f.Size(), f.Chunks(), f.Cached())
	}
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatal("streamed content mismatch")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A loader without any remote source is served entirely from cache.
	offline := NewLoader(WithCache(cacheMgr), WithStreamOptions(streamOptions(cfg)))
	f, err = offline.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("offline Open: %v", err)
	}
	defer f.Close()
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatal("cached content mismatch")
	}
}

func TestLoaderDecryptsAndCachesCiphertext(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	key := testsupport.Payload(16, 1)
	plain := testsupport.Payload(chunk.Size+12, 2)
	enc := encryptWhole(t, key, plain)

	dec, err := NewAESDecryptor(key)
	if err != nil {
		t.Fatalf("NewAESDecryptor: %v", err)
	}
	loader := NewLoader(WithCache(cacheMgr), WithChannels(&fakeChannels{data: enc}), WithStreamOptions(streamOptions(cfg)))
	f, err := loader.Open(context.Background(), id, dec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, f); !bytes.Equal(got, plain) {
		t.Fatal("decrypted content mismatch")
	}
	_ = f.Close()

	h, err := cacheMgr.Handler(id)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	defer h.Close()
	stored, err := h.ReadChunk(0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(stored, enc[:chunk.Size]) {
		t.Fatal("cache should hold the encrypted bytes")
	}
}

func TestLoaderRefetchesCorruptedChunk(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	data := testsupport.Payload(chunk.Size/2, 5)
	remote := &fakeChannels{data: data}
	loader := NewLoader(WithCache(cacheMgr), WithChannels(remote), WithStreamOptions(streamOptions(cfg)))

	f, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	readAll(t, f)
	_ = f.Close()
	before := remote.count()

	testsupport.FlipByte(t, filepath.Join(cfg.Cache.Dir, id.Shard(), id.String()), 7)

	f, err = loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatal("content mismatch after corruption")
	}
	if remote.count() != before+1 {
		t.Fatalf("expected one refetch, got %d", remote.count()-before)
	}
}

func TestLoaderFallsBackToCDN(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	data := testsupport.Payload(chunk.Size+321, 6)
	srv := newRangeServer(t, id, data)
	remote := &fakeChannels{unavailable: true}

	loader := NewLoader(
		WithCache(cacheMgr),
		WithChannels(remote),
		WithCDN(NewCDNSource(srv.template(), 0)),
		WithStreamOptions(streamOptions(cfg)),
	)
	f, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatal("cdn content mismatch")
	}
	_ = f.Close()
	if remote.count() != 1 {
		t.Fatalf("channel requests = %d, want only the first", remote.count())
	}

	h, err := cacheMgr.Handler(id)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	unavailable, err := h.Unavailable()
	_ = h.Close()
	if err != nil || !unavailable {
		t.Fatalf("unavailable marker = %v, %v", unavailable, err)
	}
}

func TestLoaderCachesUnalignedCDNSize(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	data := testsupport.Payload(chunk.Size+65, 8)
	srv := newRangeServer(t, id, data)

	loader := NewLoader(
		WithCache(cacheMgr),
		WithCDN(NewCDNSource(srv.template(), 0)),
		WithStreamOptions(streamOptions(cfg)),
	)
	f, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatal("cdn content mismatch")
	}
	_ = f.Close()

	offline := NewLoader(WithCache(cacheMgr), WithStreamOptions(streamOptions(cfg)))
	f, err = offline.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("offline Open: %v", err)
	}
	defer f.Close()
	if f.Size() != int64(len(data)) {
		t.Fatalf("reopened size = %d, want %d", f.Size(), len(data))
	}
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatalf("reopened content: %d bytes, want %d", len(got), len(data))
	}
}

func TestFileCloseIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	remote := &fakeChannels{data: testsupport.Payload(chunk.Size, 9)}

	loader := NewLoader(WithCache(cacheMgr), WithChannels(remote), WithStreamOptions(streamOptions(cfg)))
	first, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	second, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer second.Close()

	for i := 0; i < 2; i++ {
		if err := first.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	// The second file still holds the shared cache handle.
	if err := cacheMgr.Remove(id.String()); !errors.Is(err, cache.ErrInUse) {
		t.Fatalf("Remove while open = %v, want ErrInUse", err)
	}
}

func TestLoaderFailsFastWhenMarkedUnavailable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cacheMgr := testsupport.MustOpenCache(t, cfg)
	id := streamid.MustParse(testFileID)
	remote := &fakeChannels{unavailable: true}
	loader := NewLoader(WithCache(cacheMgr), WithChannels(remote), WithStreamOptions(streamOptions(cfg)))

	if _, err := loader.Open(context.Background(), id, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("first Open = %v, want ErrUnavailable", err)
	}
	if _, err := loader.Open(context.Background(), id, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second Open = %v, want ErrUnavailable", err)
	}
	if remote.count() != 1 {
		t.Fatalf("channel requests = %d, want 1", remote.count())
	}
}

func TestLoaderReportsServerErrorCode(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithoutCache())
	loader := NewLoader(WithChannels(&fakeChannels{failCode: 2}), WithStreamOptions(streamOptions(cfg)))

	_, err := loader.Open(context.Background(), streamid.MustParse(testFileID), nil)
	var chunkErr *chunkstream.ChunkError
	if !errors.As(err, &chunkErr) || chunkErr.Code != 2 || chunkErr.Index != 0 {
		t.Fatalf("Open = %v, want ChunkError code 2", err)
	}
	var serverErr *channel.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("server error not wrapped: %v", err)
	}
}

func TestLoaderWithoutSources(t *testing.T) {
	if _, err := NewLoader().Open(context.Background(), streamid.MustParse(testFileID), nil); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Open = %v, want ErrNoSource", err)
	}
	if _, err := NewLoader(WithChannels(&fakeChannels{})).Open(context.Background(), streamid.StreamID{}, nil); !errors.Is(err, streamid.ErrInvalid) {
		t.Fatalf("zero id = %v", err)
	}
}

func TestLoaderEpisodeUsesCDN(t *testing.T) {
	id := streamid.MustParse("0123456789abcdef0123456789abcdef")
	data := testsupport.Payload(4096, 8)
	srv := newRangeServer(t, id, data)
	remote := &fakeChannels{data: data}

	loader := NewLoader(WithChannels(remote), WithCDN(NewCDNSource(srv.template(), 0)))
	f, err := loader.Open(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if got := readAll(t, f); !bytes.Equal(got, data) {
		t.Fatal("episode content mismatch")
	}
	if remote.count() != 0 {
		t.Fatal("episode ids must not be requested over channels")
	}
}
