// Package chunk holds the chunk geometry shared by the cache, the channel
// protocol and chunked streams.
package chunk

// Size is the fixed byte length of one chunk.
const Size = 131072

// Count returns how many chunks a stream of size bytes spans.
func Count(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + Size - 1) / Size)
}

// Offset returns the byte offset of chunk index.
func Offset(index int) int64 {
	return int64(index) * Size
}

// Len returns the byte length of chunk index in a stream of size bytes.
func Len(index int, size int64) int {
	remaining := size - Offset(index)
	switch {
	case remaining <= 0:
		return 0
	case remaining < Size:
		return int(remaining)
	default:
		return Size
	}
}

// WordRange returns the [start, end) range of chunk index in 32-bit words,
// the unit chunk requests are addressed in.
func WordRange(index int) (start, end uint32) {
	return uint32(index * Size / 4), uint32((index + 1) * Size / 4)
}
