// Package channel multiplexes chunk requests over one secure transport
// connection.
//
// Every request gets a short-lived 16-bit channel id. Responses for that
// id are queued and drained in order by a worker dedicated to the
// channel: the first segments carry header records, later segments carry
// raw chunk bytes, and an empty segment ends the chunk. Manager.Run owns
// the receive side of the connection; an authentication or read failure
// fails every outstanding channel at once.
package channel
