// Package registry tracks the participants registered on the control channel.
package registry
