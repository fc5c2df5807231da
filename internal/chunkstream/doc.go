// Package chunkstream exposes a stream whose bytes arrive chunk by chunk,
// out of order and asynchronously, as a seekable io.ReadSeekCloser.
//
// Each chunk moves from unrequested to requested when a read or the
// readahead window needs it, and from requested to available when its
// Source delivers it. A failed fetch drops the chunk back to unrequested
// and bumps its retry counter: reads keep re-requesting it up to
// MaxChunkTries times before failing with a *ChunkError, readahead gives
// up after PreloadChunkRetries attempts. Close wakes every blocked reader.
package chunkstream
