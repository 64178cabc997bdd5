// Package session holds the shared room state: the append-only chat
// history, the presenter slot and uploaded files keyed by name.
package session
