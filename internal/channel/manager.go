package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"tonearm/internal/chunk"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
	"tonearm/internal/transport"
)

// Fixed fields of a chunk request.
const (
	requestField3 uint32 = 0x00004e20
	requestField4 uint32 = 0x00030d40

	requestSize = 2 + 4*4 + streamid.FileIDSize + 4 + 4
)

// Conn is the framed connection a Manager multiplexes over.
type Conn interface {
	Send(cmd transport.Cmd, payload []byte) error
	Receive() (transport.Packet, error)
	Close() error
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger routes channel logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithFallback receives packets whose command the manager does not handle.
func WithFallback(fn func(transport.Packet)) Option {
	return func(m *Manager) {
		m.fallback = fn
	}
}

// Manager allocates channels, sends chunk requests and routes responses
// to per-channel workers.
type Manager struct {
	conn     Conn
	logger   *slog.Logger
	fallback func(transport.Packet)
	nextID   atomic.Uint32

	mu       sync.Mutex
	channels map[uint16]*channel
	err      error
}

// NewManager returns a Manager over conn. Call Run to start receiving.
func NewManager(conn Conn, opts ...Option) *Manager {
	m := &Manager{
		conn:     conn,
		channels: make(map[uint16]*channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "channel")
	return m
}

// RequestChunk asks for chunk index of id; the outcome is reported to
// sink. It returns the channel id used for the request.
func (m *Manager) RequestChunk(id streamid.StreamID, index int, sink Sink) (uint16, error) {
	fileID, err := id.FileID()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	channelID, ok := m.allocateLocked()
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoChannel
	}
	logger := m.logger.With(
		logging.Int(logging.FieldChannelID, int(channelID)),
		logging.String(logging.FieldStreamID, id.String()),
		logging.Int(logging.FieldChunkIndex, index),
	)
	c := newChannel(channelID, index, sink, logger)
	m.channels[channelID] = c
	m.mu.Unlock()

	go c.run(m.retire)

	if err := m.conn.Send(transport.CmdStreamChunk, encodeRequest(channelID, fileID, index)); err != nil {
		c.fail(err)
		return 0, fmt.Errorf("channel: request chunk %d of %s: %w", index, id, err)
	}
	logger.Debug("chunk requested")
	return channelID, nil
}

// allocateLocked picks the next free id from the wrapping counter.
// Callers hold m.mu.
func (m *Manager) allocateLocked() (uint16, bool) {
	for i := 0; i <= 0xffff; i++ {
		id := uint16(m.nextID.Add(1) - 1)
		if _, busy := m.channels[id]; !busy {
			return id, true
		}
	}
	return 0, false
}

func encodeRequest(channelID uint16, fileID [streamid.FileIDSize]byte, index int) []byte {
	start, end := chunk.WordRange(index)
	buf := make([]byte, 0, requestSize)
	buf = binary.BigEndian.AppendUint16(buf, channelID)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, requestField3)
	buf = binary.BigEndian.AppendUint32(buf, requestField4)
	buf = append(buf, fileID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, start)
	buf = binary.BigEndian.AppendUint32(buf, end)
	return buf
}

func (m *Manager) retire(c *channel) {
	m.mu.Lock()
	if m.channels[c.id] == c {
		delete(m.channels, c.id)
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(id uint16) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// Outstanding returns the number of live channels.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Run receives packets until ctx is cancelled or the connection fails.
// Every outstanding channel is failed with the terminating error.
func (m *Manager) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = m.conn.Close()
	})
	defer stop()

	for {
		packet, err := m.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				m.failAll(ErrClosed)
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrAuthFailed) {
				logging.ErrorWithContext(m.logger, "tearing down channels after authentication failure", "channel_auth_failed",
					logging.Error(err),
					logging.Int("outstanding", m.Outstanding()),
					logging.String(logging.FieldErrorHint, "reconnect to the access point"),
				)
				_ = m.conn.Close()
			}
			m.failAll(err)
			return err
		}
		m.dispatch(packet)
	}
}

// Close closes the connection; Run returns and outstanding channels fail.
func (m *Manager) Close() error {
	err := m.conn.Close()
	m.failAll(ErrClosed)
	return err
}

func (m *Manager) failAll(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	live := make([]*channel, 0, len(m.channels))
	for _, c := range m.channels {
		live = append(live, c)
	}
	m.mu.Unlock()
	for _, c := range live {
		c.fail(err)
	}
}

func (m *Manager) dispatch(p transport.Packet) {
	switch p.Cmd {
	case transport.CmdStreamChunkRes:
		if len(p.Payload) < 2 {
			m.dropMalformed(p)
			return
		}
		id := binary.BigEndian.Uint16(p.Payload)
		c := m.lookup(id)
		if c == nil {
			m.dropUnknown(p.Cmd, id)
			return
		}
		c.push(append([]byte(nil), p.Payload[2:]...))

	case transport.CmdChannelError:
		if len(p.Payload) < 4 {
			m.dropMalformed(p)
			return
		}
		id := binary.BigEndian.Uint16(p.Payload)
		code := binary.BigEndian.Uint16(p.Payload[2:])
		c := m.lookup(id)
		if c == nil {
			m.dropUnknown(p.Cmd, id)
			return
		}
		c.logger.Debug("channel error", logging.Int("code", int(code)))
		c.fail(&ServerError{ChannelID: id, Code: code})

	case transport.CmdChannelAbort:
		if len(p.Payload) < 2 {
			m.dropMalformed(p)
			return
		}
		id := binary.BigEndian.Uint16(p.Payload)
		c := m.lookup(id)
		if c == nil {
			m.dropUnknown(p.Cmd, id)
			return
		}
		c.logger.Debug("channel aborted")
		c.fail(&ServerError{ChannelID: id, Code: CodeAborted})

	case transport.CmdPing:
		if err := m.conn.Send(transport.CmdPong, p.Payload); err != nil {
			logging.WarnWithContext(m.logger, "pong not sent", "channel_pong_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "server may drop the connection"),
			)
		}

	case transport.CmdPongAck:
		m.logger.Debug("pong acknowledged")

	default:
		if m.fallback != nil {
			m.fallback(p)
			return
		}
		m.logger.Debug("ignoring packet", logging.String("cmd", p.Cmd.String()), logging.Int("bytes", len(p.Payload)))
	}
}

func (m *Manager) dropUnknown(cmd transport.Cmd, id uint16) {
	logging.WarnWithContext(m.logger, "dropping packet for unknown channel", "channel_unknown",
		logging.String("cmd", cmd.String()),
		logging.Int(logging.FieldChannelID, int(id)),
		logging.String(logging.FieldErrorHint, "channel already completed or was retired"),
		logging.String(logging.FieldImpact, "packet ignored"),
	)
}

func (m *Manager) dropMalformed(p transport.Packet) {
	logging.WarnWithContext(m.logger, "dropping malformed packet", "channel_malformed",
		logging.String("cmd", p.Cmd.String()),
		logging.Int("bytes", len(p.Payload)),
		logging.String(logging.FieldImpact, "packet ignored"),
	)
}
