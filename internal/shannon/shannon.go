package shannon

import (
	"encoding/binary"
	"math/bits"
)

const (
	n         = 16
	fold      = n
	initKonst = 0x6996c53a
	keyP      = 13
)

// Cipher holds the register state of one Shannon instance.
type Cipher struct {
	r     [n]uint32
	crc   [n]uint32
	initR [n]uint32
	konst uint32
	sbuf  uint32
	mbuf  uint32
	nbuf  int
}

// New returns a cipher keyed with key.
func New(key []byte) *Cipher {
	c := &Cipher{}
	c.Key(key)
	return c
}

func rotl(w uint32, k int) uint32 {
	return bits.RotateLeft32(w, k)
}

func sbox1(w uint32) uint32 {
	w ^= rotl(w, 5) | rotl(w, 7)
	w ^= rotl(w, 19) | rotl(w, 22)
	return w
}

func sbox2(w uint32) uint32 {
	w ^= rotl(w, 7) | rotl(w, 22)
	w ^= rotl(w, 5) | rotl(w, 19)
	return w
}

func (c *Cipher) cycle() {
	t := c.r[12] ^ c.r[13] ^ c.konst
	t = sbox1(t) ^ rotl(c.r[0], 1)
	copy(c.r[:n-1], c.r[1:])
	c.r[n-1] = t
	t = sbox2(c.r[2] ^ c.r[15])
	c.r[0] ^= t
	c.sbuf = t ^ c.r[8] ^ c.r[12]
}

func (c *Cipher) crcFunc(i uint32) {
	t := c.crc[0] ^ c.crc[2] ^ c.crc[15] ^ i
	copy(c.crc[:n-1], c.crc[1:])
	c.crc[n-1] = t
}

func (c *Cipher) macFunc(i uint32) {
	c.crcFunc(i)
	c.r[keyP] ^= i
}

func (c *Cipher) initState() {
	c.r[0] = 1
	c.r[1] = 1
	for i := 2; i < n; i++ {
		c.r[i] = c.r[i-1] + c.r[i-2]
	}
	c.konst = initKonst
}

func (c *Cipher) diffuse() {
	for i := 0; i < fold; i++ {
		c.cycle()
	}
}

func (c *Cipher) addKey(k uint32) {
	c.r[keyP] ^= k
}

// loadKey absorbs key material little-endian, one word per cycle.
func (c *Cipher) loadKey(key []byte) {
	i := 0
	for ; i < len(key)&^3; i += 4 {
		c.addKey(binary.LittleEndian.Uint32(key[i:]))
		c.cycle()
	}
	if i < len(key) {
		var extra [4]byte
		copy(extra[:], key[i:])
		c.addKey(binary.LittleEndian.Uint32(extra[:]))
		c.cycle()
	}
	c.addKey(uint32(len(key)))
	c.cycle()
	c.crc = c.r
	c.diffuse()
	for j := range c.r {
		c.r[j] ^= c.crc[j]
	}
}

// Key initialises the register from key and saves the result as the state
// every subsequent Nonce starts from.
func (c *Cipher) Key(key []byte) {
	c.initState()
	c.loadKey(key)
	c.konst = c.r[0]
	c.initR = c.r
	c.nbuf = 0
}

// Nonce reloads the keyed state and absorbs nonce. It must be called before
// every message.
func (c *Cipher) Nonce(nonce []byte) {
	c.r = c.initR
	c.konst = initKonst
	c.loadKey(nonce)
	c.konst = c.r[0]
	c.nbuf = 0
}

// Stream XORs buf with keystream in place without touching the MAC.
func (c *Cipher) Stream(buf []byte) {
	for c.nbuf != 0 && len(buf) > 0 {
		buf[0] ^= byte(c.sbuf)
		c.sbuf >>= 8
		c.nbuf -= 8
		buf = buf[1:]
	}

	for len(buf) >= 4 {
		c.cycle()
		binary.LittleEndian.PutUint32(buf, binary.LittleEndian.Uint32(buf)^c.sbuf)
		buf = buf[4:]
	}

	if len(buf) != 0 {
		c.cycle()
		c.nbuf = 32
		for c.nbuf != 0 && len(buf) > 0 {
			buf[0] ^= byte(c.sbuf)
			c.sbuf >>= 8
			c.nbuf -= 8
			buf = buf[1:]
		}
	}
}

// MACOnly accumulates buf into the MAC without encrypting it.
func (c *Cipher) MACOnly(buf []byte) {
	if c.nbuf != 0 {
		for c.nbuf != 0 && len(buf) > 0 {
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			c.nbuf -= 8
			buf = buf[1:]
		}
		if c.nbuf != 0 {
			return
		}
		c.macFunc(c.mbuf)
	}

	for len(buf) >= 4 {
		c.cycle()
		c.macFunc(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
	}

	if len(buf) != 0 {
		c.cycle()
		c.mbuf = 0
		c.nbuf = 32
		for c.nbuf != 0 && len(buf) > 0 {
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			c.nbuf -= 8
			buf = buf[1:]
		}
	}
}

// Encrypt encrypts buf in place and folds the plaintext into the MAC.
func (c *Cipher) Encrypt(buf []byte) {
	if c.nbuf != 0 {
		for c.nbuf != 0 && len(buf) > 0 {
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			c.nbuf -= 8
			buf = buf[1:]
		}
		if c.nbuf != 0 {
			return
		}
		c.macFunc(c.mbuf)
	}

	for len(buf) >= 4 {
		c.cycle()
		t := binary.LittleEndian.Uint32(buf)
		c.macFunc(t)
		binary.LittleEndian.PutUint32(buf, t^c.sbuf)
		buf = buf[4:]
	}

	if len(buf) != 0 {
		c.cycle()
		c.mbuf = 0
		c.nbuf = 32
		for c.nbuf != 0 && len(buf) > 0 {
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			c.nbuf -= 8
			buf = buf[1:]
		}
	}
}

// Decrypt decrypts buf in place and folds the recovered plaintext into the MAC.
func (c *Cipher) Decrypt(buf []byte) {
	if c.nbuf != 0 {
		for c.nbuf != 0 && len(buf) > 0 {
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			c.nbuf -= 8
			buf = buf[1:]
		}
		if c.nbuf != 0 {
			return
		}
		c.macFunc(c.mbuf)
	}

	for len(buf) >= 4 {
		c.cycle()
		t := binary.LittleEndian.Uint32(buf) ^ c.sbuf
		c.macFunc(t)
		binary.LittleEndian.PutUint32(buf, t)
		buf = buf[4:]
	}

	if len(buf) != 0 {
		c.cycle()
		c.mbuf = 0
		c.nbuf = 32
		for c.nbuf != 0 && len(buf) > 0 {
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			c.nbuf -= 8
			buf = buf[1:]
		}
	}
}

// Finish closes the current message and writes len(out) MAC bytes to out.
func (c *Cipher) Finish(out []byte) {
	// The register was already cycled for the buffered partial word.
	if c.nbuf != 0 {
		c.macFunc(c.mbuf)
	}

	// Only the stream register is perturbed here, not the CRC, so the end
	// marker cannot be reproduced by feeding more plaintext.
	c.cycle()
	c.addKey(initKonst ^ uint32(c.nbuf<<3))
	c.nbuf = 0

	for i := range c.r {
		c.r[i] ^= c.crc[i]
	}
	c.diffuse()

	for len(out) > 0 {
		c.cycle()
		if len(out) >= 4 {
			binary.LittleEndian.PutUint32(out, c.sbuf)
			out = out[4:]
			continue
		}
		for i := range out {
			out[i] = byte(c.sbuf >> (8 * i))
		}
		break
	}
}
