package audiofile

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"tonearm/internal/chunk"
)

// Decryptor turns a fetched chunk into plaintext in place.
type Decryptor interface {
	DecryptChunk(index int, data []byte) error
}

// NopDecryptor leaves chunks untouched.
type NopDecryptor struct{}

// DecryptChunk implements Decryptor.
func (NopDecryptor) DecryptChunk(int, []byte) error { return nil }

var audioIV = [aes.BlockSize]byte{0x72, 0xe0, 0x67, 0xfb, 0xdd, 0xcb, 0xcf, 0x77, 0xeb, 0xe8, 0xbc, 0x64, 0x3f, 0x63, 0x0d, 0x93}

// AESDecryptor decrypts AES-128-CTR audio. Each chunk starts at counter
// offset index*chunk.Size/16 from the fixed base IV.
type AESDecryptor struct {
	block cipher.Block
}

// NewAESDecryptor returns a decryptor for a 16-byte audio key.
func NewAESDecryptor(key []byte) (*AESDecryptor, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("audiofile: audio key must be 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("audiofile: audio key: %w", err)
	}
	return &AESDecryptor{block: block}, nil
}

// DecryptChunk implements Decryptor.
func (d *AESDecryptor) DecryptChunk(index int, data []byte) error {
	iv := counterIV(uint64(index) * chunk.Size / aes.BlockSize)
	cipher.NewCTR(d.block, iv[:]).XORKeyStream(data, data)
	return nil
}

// counterIV adds blocks to the base IV as a 128-bit big-endian integer.
func counterIV(blocks uint64) [aes.BlockSize]byte {
	iv := audioIV
	lo := binary.BigEndian.Uint64(iv[8:])
	sum := lo + blocks
	binary.BigEndian.PutUint64(iv[8:], sum)
	if sum < lo {
		hi := binary.BigEndian.Uint64(iv[:8])
		binary.BigEndian.PutUint64(iv[:8], hi+1)
	}
	return iv
}
