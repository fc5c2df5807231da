// Package audiofile opens chunked streams for stream ids. A Loader
// consults the on-disk cache first, then requests missing chunks over the
// channel manager, and finally falls back to an HTTP range source when
// the access point reports the file as unavailable there. Chunks are
// cached as received and decrypted before readers see them.
package audiofile
