package transport

import (
	"bufio"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tonearm/internal/logging"
	"tonearm/internal/shannon"
)

var (
	// ErrAuthFailed reports a MAC mismatch on a received frame. The
	// connection cannot be resynchronised afterwards.
	ErrAuthFailed = errors.New("transport: frame authentication failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: connection closed")
	// ErrPayloadTooLarge is returned by Send for payloads over MaxPayload.
	ErrPayloadTooLarge = errors.New("transport: payload too large")
)

// Option customises a Conn.
type Option func(*Conn)

// WithLogger routes transport logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn is a secure framed connection. Send and Receive may be called from
// different goroutines; calls in the same direction are serialised.
type Conn struct {
	rw        io.ReadWriter
	writer    *bufio.Writer
	sessionID string
	logger    *slog.Logger

	sendMu     sync.Mutex
	sendCipher *shannon.Cipher
	sendNonce  uint32

	recvMu     sync.Mutex
	recvCipher *shannon.Cipher
	recvNonce  uint32
	recvErr    error

	closed atomic.Bool
}

// NewConn wraps rw with send and receive ciphers keyed by the keys
// negotiated by the session layer.
func NewConn(rw io.ReadWriter, sendKey, recvKey []byte, opts ...Option) *Conn {
	c := &Conn{
		rw:         rw,
		writer:     bufio.NewWriter(rw),
		sessionID:  uuid.NewString(),
		sendCipher: shannon.New(sendKey),
		recvCipher: shannon.New(recvKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "transport").
		With(logging.String(logging.FieldSessionID, c.sessionID))
	return c
}

// SessionID identifies this connection in logs.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Send encrypts and writes one packet, then flushes.
func (c *Conn) Send(cmd Cmd, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var nonce [4]byte
	binary.BigEndian.PutUint32(nonce[:], c.sendNonce)
	c.sendNonce++
	c.sendCipher.Nonce(nonce[:])

	buf := make([]byte, headerSize+len(payload)+macSize)
	buf[0] = byte(cmd)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[headerSize:], payload)

	body := buf[:headerSize+len(payload)]
	c.sendCipher.Encrypt(body)
	c.sendCipher.Finish(buf[len(body):])

	if _, err := c.writer.Write(buf); err != nil {
		return fmt.Errorf("transport: write %s: %w", cmd, err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("transport: flush %s: %w", cmd, err)
	}
	return nil
}

// Receive blocks until one packet is read, decrypted and authenticated.
func (c *Conn) Receive() (Packet, error) {
	if c.closed.Load() {
		return Packet{}, ErrClosed
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.recvErr != nil {
		return Packet{}, c.recvErr
	}

	var nonce [4]byte
	binary.BigEndian.PutUint32(nonce[:], c.recvNonce)
	c.recvNonce++
	c.recvCipher.Nonce(nonce[:])

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return Packet{}, c.fail(c.readErr("header", err))
	}
	c.recvCipher.Decrypt(header)

	cmd := Cmd(header[0])
	length := int(binary.BigEndian.Uint16(header[1:3]))

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return Packet{}, c.fail(c.readErr("payload", err))
	}
	c.recvCipher.Decrypt(payload)

	mac := make([]byte, macSize)
	if _, err := io.ReadFull(c.rw, mac); err != nil {
		return Packet{}, c.fail(c.readErr("mac", err))
	}
	expected := make([]byte, macSize)
	c.recvCipher.Finish(expected)

	if subtle.ConstantTimeCompare(mac, expected) != 1 {
		logging.ErrorWithContext(c.logger, "frame mac mismatch", "transport_auth_failed",
			logging.String("cmd", cmd.String()),
			logging.Int("payload_bytes", length),
			logging.String(logging.FieldErrorHint, "reconnect; the session keys or stream are out of sync"),
		)
		return Packet{}, c.fail(fmt.Errorf("%w: cmd %s", ErrAuthFailed, cmd))
	}

	return Packet{Cmd: cmd, Payload: payload}, nil
}

// fail records err as the result of every later Receive. Once a frame's
// nonce is consumed the receive cipher cannot resynchronise. Callers hold
// c.recvMu.
func (c *Conn) fail(err error) error {
	c.recvErr = err
	return err
}

func (c *Conn) readErr(part string, err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return fmt.Errorf("transport: read %s: %w", part, err)
}

// Close marks the connection closed and closes the underlying stream when
// it implements io.Closer. It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
