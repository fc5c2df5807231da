// Package streamid defines the key under which a media item is cached and
// requested: the hex form of a 20-byte file id or a 16-byte episode id.
package streamid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// FileIDSize is the byte length of an audio file id.
	FileIDSize = 20
	// EpisodeIDSize is the byte length of an episode gid.
	EpisodeIDSize = 16
)

// ErrInvalid reports a malformed stream id.
var ErrInvalid = errors.New("streamid: invalid id")

// Kind distinguishes file ids from episode ids.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindEpisode
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

// StreamID is a comparable, lower-case hex stream key.
type StreamID struct {
	kind Kind
	hex  string
}

// FromFileID builds a StreamID from raw file id bytes.
func FromFileID(b []byte) (StreamID, error) {
	if len(b) != FileIDSize {
		return StreamID{}, fmt.Errorf("%w: file id must be %d bytes, got %d", ErrInvalid, FileIDSize, len(b))
	}
	return StreamID{kind: KindFile, hex: hex.EncodeToString(b)}, nil
}

// FromEpisodeID builds a StreamID from raw episode gid bytes.
func FromEpisodeID(b []byte) (StreamID, error) {
	if len(b) != EpisodeIDSize {
		return StreamID{}, fmt.Errorf("%w: episode id must be %d bytes, got %d", ErrInvalid, EpisodeIDSize, len(b))
	}
	return StreamID{kind: KindEpisode, hex: hex.EncodeToString(b)}, nil
}

// Parse accepts the hex form of either id kind; the kind follows from the length.
func Parse(s string) (StreamID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	switch len(raw) {
	case FileIDSize:
		return FromFileID(raw)
	case EpisodeIDSize:
		return FromEpisodeID(raw)
	default:
		return StreamID{}, fmt.Errorf("%w: %q has %d bytes", ErrInvalid, s, len(raw))
	}
}

// MustParse is Parse for constants and tests.
func MustParse(s string) StreamID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (s StreamID) String() string { return s.hex }

// Kind reports whether s names a file or an episode.
func (s StreamID) Kind() Kind { return s.kind }

// IsZero reports whether s is the zero value.
func (s StreamID) IsZero() bool { return s.hex == "" }

// Bytes returns the raw id.
func (s StreamID) Bytes() []byte {
	raw, _ := hex.DecodeString(s.hex)
	return raw
}

// Shard returns the cache directory prefix for s.
func (s StreamID) Shard() string {
	if len(s.hex) < 2 {
		return "00"
	}
	return s.hex[:2]
}

// FileID returns the 20-byte id sent in chunk requests.
func (s StreamID) FileID() ([FileIDSize]byte, error) {
	var out [FileIDSize]byte
	if s.kind != KindFile {
		return out, fmt.Errorf("%w: %s id %s has no file id", ErrInvalid, s.kind, s.hex)
	}
	copy(out[:], s.Bytes())
	return out, nil
}
