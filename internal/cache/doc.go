// Package cache persists fetched chunks on disk so streams can be replayed
// without touching the network.
//
// # Layout
//
// The cache directory holds one journal file (journal.dat) and one payload
// file per stream, sharded by the first two characters of the stream id:
//
//	<dir>/journal.dat
//	<dir>/ab/abcdef0123...
//
// Chunk i of a stream lives at byte offset i*chunk.Size of its payload
// file. The journal is a sequence of fixed-size records, one per stream:
// a NUL-padded id, a 2048-byte chunk bitmap and eight header slots holding
// small hex-encoded values (size, unavailable marker, chunk 0 MD5 and last
// access time). A record whose first byte is zero is free and gets reused.
//
// # Integrity
//
// Chunk 0 is checked against the stored MD5 on every read. A mismatch
// clears the chunk bit and returns a *CorruptionError; callers treat it as
// a cache miss and refetch.
//
// # Maintenance
//
// NewManager starts a background sweep that drops entries whose payload
// file has disappeared and, when cleanup is enabled, entries not accessed
// within the retention window. Use `tonearm cache prune` to run the same
// sweep by hand.
package cache
