package main

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tonearm/internal/chunk"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
	"tonearm/internal/testsupport"
	"tonearm/internal/transport"
)

func TestFetchFromCDN(t *testing.T) {
	data := testsupport.Payload(2*chunk.Size+500, 7)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/"+cliStream {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "audio", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	env := setupCLITestEnv(t, testsupport.WithCDN(srv.URL+"/audio/{file_id}"))
	target := filepath.Join(env.baseDir, "out", "track.ogg")

	out, _, err := runCLI(t, []string{"fetch", cliStream, "-o", target}, env.configPath)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	requireContains(t, out, "Wrote 256 KiB to "+target)
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("fetched content mismatch")
	}

	out, _, err = runCLI(t, []string{"cache", "list", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	requireContains(t, out, `"chunks": 3`)
}

func TestFetchWithoutSource(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"fetch", cliStream, "-o", filepath.Join(env.baseDir, "x")}, env.configPath)
	if err == nil {
		t.Fatal("expected fetch without sources to fail")
	}
	requireContains(t, err.Error(), "no chunk source configured")
}

func TestFetchRejectsBadInput(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"fetch", "not-hex"}, env.configPath); err == nil {
		t.Fatal("expected invalid stream id error")
	}
	if _, _, err := runCLI(t, []string{"fetch", cliStream, "--key", "0011"}, env.configPath); err == nil {
		t.Fatal("expected short key error")
	}
}

// serveAccessPoint accepts one connection and answers chunk requests for
// data with a size header and the requested words.
func serveAccessPoint(t *testing.T, ln net.Listener, sendKey, recvKey, data []byte) {
	t.Helper()
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(raw, recvKey, sendKey, transport.WithLogger(logging.NewNop()))
		defer conn.Close()
		for {
			p, err := conn.Receive()
			if err != nil {
				return
			}
			if p.Cmd != transport.CmdStreamChunk || len(p.Payload) < 46 {
				continue
			}
			channelID := p.Payload[:2]
			start := int(binary.BigEndian.Uint32(p.Payload[38:])) * 4
			end := min(int(binary.BigEndian.Uint32(p.Payload[42:]))*4, len(data))

			header := append([]byte(nil), channelID...)
			header = binary.BigEndian.AppendUint16(header, 5)
			header = append(header, 0x03)
			header = binary.BigEndian.AppendUint32(header, uint32(len(data)/4))
			header = binary.BigEndian.AppendUint16(header, 0)
			if conn.Send(transport.CmdStreamChunkRes, header) != nil {
				return
			}
			for off := start; off < end; off += 40000 {
				segment := append([]byte(nil), channelID...)
				segment = append(segment, data[off:min(off+40000, end)]...)
				if conn.Send(transport.CmdStreamChunkRes, segment) != nil {
					return
				}
			}
			if conn.Send(transport.CmdStreamChunkRes, channelID) != nil {
				return
			}
		}
	}()
}

func TestFetchFromAccessPoint(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithoutCache())
	sendKey, err := env.cfg.SendKey()
	if err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	recvKey, err := env.cfg.RecvKey()
	if err != nil {
		t.Fatalf("RecvKey: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	data := testsupport.Payload(chunk.Size+4096, 9)
	serveAccessPoint(t, ln, sendKey, recvKey, data)

	env.cfg.Transport.Address = ln.Addr().String()
	env.writeConfig(t)

	id := streamid.MustParse(cliStream)
	target := filepath.Join(env.baseDir, id.String()+".bin")
	out, _, err := runCLI(t, []string{"fetch", id.String(), "-o", target, "--no-cache"}, env.configPath)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	requireContains(t, out, "Wrote 132 KiB")
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("fetched content mismatch")
	}
}
