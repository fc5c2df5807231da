package audiofile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tonearm/internal/chunk"
	"tonearm/internal/streamid"
	"tonearm/internal/testsupport"
)

// rangeServer serves data for one stream id with byte-range support.
type rangeServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newRangeServer(t *testing.T, id streamid.StreamID, data []byte) *rangeServer {
	t.Helper()
	rs := &rangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		if r.URL.Path != "/audio/"+id.String() {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "audio", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *rangeServer) template() string {
	return rs.URL + "/audio/{file_id}"
}

func TestCDNFetchChunk(t *testing.T) {
	id := streamid.MustParse(testFileID)
	data := testsupport.Payload(chunk.Size+5000, 1)
	srv := newRangeServer(t, id, data)
	cdn := NewCDNSource(srv.template(), time.Second)

	got, total, err := cdn.FetchChunk(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("FetchChunk: %v", err)
	}
	if total != int64(len(data)) {
		t.Fatalf("total = %d", total)
	}
	if !bytes.Equal(got, data[chunk.Size:]) {
		t.Fatalf("chunk 1 mismatch: %d bytes", len(got))
	}

	got, _, err = cdn.FetchChunk(context.Background(), id, 0)
	if err != nil || !bytes.Equal(got, data[:chunk.Size]) {
		t.Fatalf("chunk 0: %d bytes, %v", len(got), err)
	}
}

func TestCDNMissingStream(t *testing.T) {
	srv := newRangeServer(t, streamid.MustParse(testFileID), []byte("x"))
	cdn := NewCDNSource(srv.template(), time.Second)
	other := streamid.MustParse(strings.Repeat("ab", streamid.FileIDSize))

	if _, _, err := cdn.FetchChunk(context.Background(), other, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCDNWithoutRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "whole body")
	}))
	defer srv.Close()

	cdn := NewCDNSource(srv.URL+"/{file_id}", time.Second, WithHTTPClient(srv.Client()))
	if _, _, err := cdn.FetchChunk(context.Background(), streamid.MustParse(testFileID), 0); err == nil {
		t.Fatal("expected error for a 200 response")
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		start   int64
		want    int64
		wantErr bool
	}{
		{name: "valid", value: "bytes 0-131071/300000", start: 0, want: 300000},
		{name: "later chunk", value: "bytes 131072-262143/300000", start: 131072, want: 300000},
		{name: "wrong start", value: "bytes 10-20/300000", start: 0, wantErr: true},
		{name: "unknown total", value: "bytes 0-10/*", start: 0, wantErr: true},
		{name: "missing unit", value: "0-10/20", start: 0, wantErr: true},
		{name: "empty", value: "", start: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContentRange(tt.value, tt.start)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}

func TestCDNFromConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if CDNFromConfig(cfg) != nil {
		t.Fatal("disabled CDN returned a source")
	}
	cfg = testsupport.NewConfig(t, testsupport.WithCDN("https://cdn.invalid/{file_id}"))
	cdn := CDNFromConfig(cfg)
	if cdn == nil {
		t.Fatal("enabled CDN returned nil")
	}
	if got := cdn.URL(streamid.MustParse(testFileID)); got != "https://cdn.invalid/"+testFileID {
		t.Fatalf("URL = %q", got)
	}
}
