package transport

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"testing"
)

var (
	clientKey = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	serverKey = []byte{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf}
)

// pipePair returns two connected Conns with mirrored keys.
func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	client := NewConn(a, clientKey, serverKey)
	server := NewConn(b, serverKey, clientKey)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	packets := []Packet{
		{Cmd: CmdStreamChunk, Payload: []byte("first request")},
		{Cmd: CmdPing, Payload: nil},
		{Cmd: CmdStreamChunkRes, Payload: bytes.Repeat([]byte{0x5a}, 4099)},
		{Cmd: CmdChannelError, Payload: []byte{0, 1, 0, 2}},
	}

	errCh := make(chan error, 1)
	go func() {
		for _, p := range packets {
			if err := client.Send(p.Cmd, p.Payload); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i, want := range packets {
		got, err := server.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if got.Cmd != want.Cmd {
			t.Fatalf("packet %d cmd = %s, want %s", i, got.Cmd, want.Cmd)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("packet %d payload mismatch", i)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestBothDirections(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		p, err := server.Receive()
		if err != nil {
			return
		}
		_ = server.Send(CmdPong, p.Payload)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(CmdPing, []byte{1, 2, 3, 4}) }()

	got, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Cmd != CmdPong || !bytes.Equal(got.Payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected reply %s %x", got.Cmd, got.Payload)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// recorder captures written frames without a peer.
type recorder struct {
	bytes.Buffer
}

// replay serves recorded bytes to Receive; writes are discarded.
type replay struct {
	r io.Reader
}

func (r *replay) Read(p []byte) (int, error)  { return r.r.Read(p) }
func (r *replay) Write(p []byte) (int, error) { return len(p), nil }

func recordFrames(t *testing.T, frames ...Packet) []byte {
	t.Helper()
	var rec recorder
	sender := NewConn(&rec, clientKey, serverKey)
	for _, f := range frames {
		if err := sender.Send(f.Cmd, f.Payload); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	return rec.Bytes()
}

func TestEveryBitFlipFailsAuthentication(t *testing.T) {
	wire := recordFrames(t, Packet{Cmd: CmdStreamChunkRes, Payload: []byte{0x00, 0x07, 0xde, 0xad, 0xbe, 0xef}})

	for bit := 0; bit < len(wire)*8; bit++ {
		corrupted := append([]byte(nil), wire...)
		corrupted[bit/8] ^= 1 << (bit % 8)

		receiver := NewConn(&replay{r: bytes.NewReader(corrupted)}, serverKey, clientKey)
		_, err := receiver.Receive()
		if err == nil {
			t.Fatalf("bit %d: corrupted frame accepted", bit)
		}
		// Flips in the length field may also surface as a short read.
		if bit/8 != 1 && bit/8 != 2 && !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("bit %d: expected ErrAuthFailed, got %v", bit, err)
		}
	}
}

func TestAuthFailureIsSticky(t *testing.T) {
	wire := recordFrames(t,
		Packet{Cmd: CmdPing, Payload: []byte{1}},
		Packet{Cmd: CmdPing, Payload: []byte{2}},
	)
	wire[3] ^= 0x01

	receiver := NewConn(&replay{r: bytes.NewReader(wire)}, serverKey, clientKey)
	if _, err := receiver.Receive(); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("first Receive = %v, want ErrAuthFailed", err)
	}
	if _, err := receiver.Receive(); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("second Receive = %v, want ErrAuthFailed", err)
	}
}

// flakyReader fails once after cut bytes, then serves the rest.
type flakyReader struct {
	data   []byte
	cut    int
	failed bool
}

var errFlaky = errors.New("connection reset")

func (f *flakyReader) Read(p []byte) (int, error) {
	if !f.failed && f.cut == 0 {
		f.failed = true
		return 0, errFlaky
	}
	limit := len(f.data)
	if !f.failed {
		limit = f.cut
	}
	if limit == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.data[:limit])
	f.data = f.data[n:]
	if !f.failed {
		f.cut -= n
	}
	return n, nil
}

func (f *flakyReader) Write(p []byte) (int, error) { return len(p), nil }

func TestReadErrorMidFrameIsSticky(t *testing.T) {
	wire := recordFrames(t,
		Packet{Cmd: CmdPing, Payload: []byte("12345678")},
		Packet{Cmd: CmdPing, Payload: []byte("abcdefgh")},
	)

	receiver := NewConn(&flakyReader{data: wire, cut: headerSize + 2}, serverKey, clientKey)
	if _, err := receiver.Receive(); !errors.Is(err, errFlaky) {
		t.Fatalf("first Receive = %v, want the read error", err)
	}
	_, err := receiver.Receive()
	if !errors.Is(err, errFlaky) {
		t.Fatalf("second Receive = %v, want the original read error", err)
	}
	if errors.Is(err, ErrAuthFailed) {
		t.Fatal("retry reported a MAC failure")
	}
}

// knownPingFrame is Ping{0x0000002a} under nonce 0 and key 00..1f, encrypted
// with the Shannon reference implementation.
const knownPingFrame = "ce7ded2bc1eef23a23f7e1"

func TestKnownFrame(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	var rec recorder
	sender := NewConn(&rec, key, key)
	if err := sender.Send(CmdPing, []byte{0x00, 0x00, 0x00, 0x2a}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := hex.EncodeToString(rec.Bytes()); got != knownPingFrame {
		t.Fatalf("frame = %s, want %s", got, knownPingFrame)
	}

	receiver := NewConn(&replay{r: bytes.NewReader(rec.Bytes())}, key, key)
	p, err := receiver.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if p.Cmd != CmdPing || !bytes.Equal(p.Payload, []byte{0x00, 0x00, 0x00, 0x2a}) {
		t.Fatalf("packet = %+v", p)
	}
}

func TestNonceCountersAdvancePerFrame(t *testing.T) {
	wire := recordFrames(t,
		Packet{Cmd: CmdPing, Payload: []byte("same")},
		Packet{Cmd: CmdPing, Payload: []byte("same")},
	)
	frameLen := headerSize + 4 + macSize
	if len(wire) != 2*frameLen {
		t.Fatalf("wire length = %d", len(wire))
	}
	if bytes.Equal(wire[:frameLen], wire[frameLen:]) {
		t.Fatal("identical frames encrypted identically; nonce did not advance")
	}

	// Skipping the first frame desynchronises the receive nonce; the
	// garbled length usually runs past the input before the MAC check.
	receiver := NewConn(&replay{r: bytes.NewReader(wire[frameLen:])}, serverKey, clientKey)
	if _, err := receiver.Receive(); err == nil {
		t.Fatal("frame decrypted with the wrong nonce was accepted")
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	var rec recorder
	conn := NewConn(&rec, clientKey, serverKey)
	if err := conn.Send(CmdStreamChunk, make([]byte, MaxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Send = %v, want ErrPayloadTooLarge", err)
	}
	if rec.Len() != 0 {
		t.Fatal("oversized payload was written")
	}
}

func TestClosedConn(t *testing.T) {
	client, _ := pipePair(t)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := client.Send(CmdPing, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
	if _, err := client.Receive(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after Close = %v", err)
	}
}

func TestCmdString(t *testing.T) {
	if CmdStreamChunkRes.String() != "stream_chunk_res" {
		t.Fatalf("String = %q", CmdStreamChunkRes.String())
	}
	if Cmd(0x99).String() != "0x99" {
		t.Fatalf("unknown String = %q", Cmd(0x99).String())
	}
}
