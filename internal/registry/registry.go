package registry

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrNotFound is returned when no participant holds the identity
var ErrNotFound = errors.New("participant not found")

// Registry maps identities to participants and remembers the order in which
// identities first registered. Re-registering an identity keeps its place.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	order        []string
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
	}
}

// Register adds p, replacing any participant with the same identity. The
// replaced participant is returned so the caller can close its connection.
func (r *Registry) Register(p *Participant) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.participants[p.Identity]
	if !exists {
		r.order = append(r.order, p.Identity)
	}
	r.participants[p.Identity] = p

	return existing
}

// Unregister removes identity if it is still held by the connection connID.
// A stale connection whose identity was taken over removes nothing.
func (r *Registry) Unregister(identity string, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[identity]
	if !exists || p.ConnID != connID {
		return false
	}

	delete(r.participants, identity)
	r.order = lo.Without(r.order, identity)
	return true
}

// Lookup returns the participant registered under identity
func (r *Registry) Lookup(identity string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[identity]
	if !exists {
		return nil, ErrNotFound
	}
	return p, nil
}

// Snapshot returns the registered identities in registration order
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]string, len(r.order))
	copy(identities, r.order)
	return identities
}

// Participants returns the registered participants in registration order
func (r *Registry) Participants() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(identity string, _ int) *Participant {
		return r.participants[identity]
	})
}

// MediaTargets returns the media endpoints of every participant except
// exclude, in registration order.
func (r *Registry) MediaTargets(exclude string) []*net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.FilterMap(r.order, func(identity string, _ int) (*net.UDPAddr, bool) {
		if identity == exclude {
			return nil, false
		}
		return r.participants[identity].MediaAddr(), true
	})
}

// Count returns the number of registered participants
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.participants)
}
