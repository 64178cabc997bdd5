// Package client is a minimal control channel client, used by the probe
// command and by end-to-end tests.
package client
