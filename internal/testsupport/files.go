package testsupport

import (
	"os"
	"testing"
)

// Payload returns n deterministic bytes derived from seed, so chunks of
// different streams and indexes never compare equal by accident.
func Payload(n int, seed byte) []byte {
	buf := make([]byte, n)
	x := uint32(seed)*2654435761 + 1
	for i := range buf {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		buf[i] = byte(x)
	}
	return buf
}

// FlipByte inverts one byte of the file at path.
func FlipByte(t testing.TB, path string, off int64) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		t.Fatalf("read %s at %d: %v", path, off, err)
	}
	b[0] ^= 0xff
	if _, err := f.WriteAt(b[:], off); err != nil {
		t.Fatalf("write %s at %d: %v", path, off, err)
	}
}
