// Package protocol implements the wire formats of the relay: length-prefixed
// JSON frames on the control channel, the closed set of control messages
// with their decode-and-validate step, and the media datagram header.
package protocol
