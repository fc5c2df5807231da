// Package shannon implements the Shannon stream cipher with its integrated
// MAC, as used to protect the access-point wire protocol.
//
// A Cipher is keyed once per session with Key and then re-synchronised with
// Nonce before every message. Encrypt and Decrypt combine keystream
// generation with MAC accumulation over the plaintext; Finish closes the
// message and emits the MAC. Partial words are buffered across calls, so a
// message may be processed in arbitrarily sized pieces.
//
// A Cipher is not safe for concurrent use. Each direction of a connection
// owns its own instance.
package shannon
