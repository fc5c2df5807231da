package transport

import "fmt"

// Cmd identifies the type of a packet.
type Cmd byte

const (
	CmdPing           Cmd = 0x04
	CmdStreamChunk    Cmd = 0x08
	CmdStreamChunkRes Cmd = 0x09
	CmdChannelError   Cmd = 0x0a
	CmdChannelAbort   Cmd = 0x0b
	CmdPong           Cmd = 0x49
	CmdPongAck        Cmd = 0x4a
)

func (c Cmd) String() string {
	switch c {
	case CmdPing:
		return "ping"
	case CmdStreamChunk:
		return "stream_chunk"
	case CmdStreamChunkRes:
		return "stream_chunk_res"
	case CmdChannelError:
		return "channel_error"
	case CmdChannelAbort:
		return "channel_abort"
	case CmdPong:
		return "pong"
	case CmdPongAck:
		return "pong_ack"
	default:
		return fmt.Sprintf("0x%02x", byte(c))
	}
}

// Packet is one decrypted frame.
type Packet struct {
	Cmd     Cmd
	Payload []byte
}

const (
	headerSize = 3
	macSize    = 4

	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 0xffff
)
