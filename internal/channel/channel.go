package channel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"tonearm/internal/logging"
)

// Sink receives the outcome of one chunk request. Calls for a channel are
// made from that channel's worker goroutine, in wire order.
type Sink interface {
	// Header is called once per header record of the response.
	Header(index int, id byte, value []byte)
	// Chunk delivers the complete chunk payload.
	Chunk(index int, data []byte)
	// Failed reports that no payload will be delivered.
	Failed(index int, err error)
}

// channel is one outstanding chunk request.
type channel struct {
	id     uint16
	index  int
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	pending [][]byte
	failure error
	wake    chan struct{}

	headersDone bool
	first       bool
	data        bytes.Buffer
}

func newChannel(id uint16, index int, sink Sink, logger *slog.Logger) *channel {
	return &channel{
		id:     id,
		index:  index,
		sink:   sink,
		logger: logger,
		wake:   make(chan struct{}, 1),
		first:  true,
	}
}

func (c *channel) push(segment []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, segment)
	c.mu.Unlock()
	c.signal()
}

func (c *channel) fail(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
	c.signal()
}

func (c *channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until the chunk completes or the channel fails,
// then calls retire.
func (c *channel) run(retire func(*channel)) {
	defer retire(c)
	for range c.wake {
		c.mu.Lock()
		segments := c.pending
		c.pending = nil
		failure := c.failure
		c.mu.Unlock()

		for _, segment := range segments {
			done, err := c.handle(segment)
			if err != nil {
				c.sink.Failed(c.index, err)
				return
			}
			if done {
				return
			}
		}
		if failure != nil {
			c.sink.Failed(c.index, failure)
			return
		}
	}
}

// handle consumes one response segment and reports whether the chunk is
// complete.
func (c *channel) handle(segment []byte) (bool, error) {
	if c.headersDone {
		if len(segment) == 0 {
			c.logger.Debug("chunk received", logging.Int("bytes", c.data.Len()))
			c.sink.Chunk(c.index, c.data.Bytes())
			return true, nil
		}
		c.data.Write(segment)
		return false, nil
	}

	if c.first && len(segment) == 0 {
		c.logger.Debug("empty chunk received")
		c.sink.Chunk(c.index, nil)
		return true, nil
	}
	c.first = false

	rest := segment
	for len(rest) >= 2 {
		length := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if length == 0 {
			c.headersDone = true
			break
		}
		if len(rest) < length {
			return false, fmt.Errorf("%w: header record of %d bytes truncated to %d", ErrProtocol, length, len(rest))
		}
		c.sink.Header(c.index, rest[0], rest[1:length])
		rest = rest[length:]
	}
	if !c.headersDone && len(rest) > 0 {
		return false, fmt.Errorf("%w: %d stray header bytes", ErrProtocol, len(rest))
	}
	if c.headersDone && len(rest) > 0 {
		c.data.Write(rest)
	}
	return false, nil
}
