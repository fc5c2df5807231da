// Package transport frames packets over an authenticated, encrypted
// connection to the access point.
//
// Each packet is encoded as cmd(1) | length(2, big-endian) | payload | mac(4)
// where everything but the MAC is encrypted with a Shannon cipher that is
// re-nonced per packet from a monotonic counter. Send and receive directions
// use independent ciphers and counters. A MAC mismatch or a read error
// partway through a frame is fatal: the cipher state depends on every byte
// seen so far, so every later Receive returns the same error.
package transport
