// Package server implements the relay's network endpoints: the TCP control
// server with its serialized hub, the UDP media relay and the HTTP
// monitoring API.
package server
