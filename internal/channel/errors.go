package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the manager has stopped.
	ErrClosed = errors.New("channel: manager closed")
	// ErrNoChannel is returned when every channel id is in use.
	ErrNoChannel = errors.New("channel: no free channel id")
	// ErrProtocol reports a malformed response segment.
	ErrProtocol = errors.New("channel: protocol error")
)

// CodeAborted is reported for channels the remote end aborted.
const CodeAborted uint16 = 0xffff

// ServerError is a channel error reported by the remote end.
type ServerError struct {
	ChannelID uint16
	Code      uint16
}

func (e *ServerError) Error() string {
	if e.Code == CodeAborted {
		return fmt.Sprintf("channel %d aborted by server", e.ChannelID)
	}
	return fmt.Sprintf("channel %d failed with server code %d", e.ChannelID, e.Code)
}
