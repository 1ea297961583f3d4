package engine

import (
	"context"
	"sync"
)

// StaticIdentities is an in-memory IdentityLookup.
type StaticIdentities struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewStaticIdentities creates a lookup over the given identities.
func NewStaticIdentities(identities ...Identity) *StaticIdentities {
	s := &StaticIdentities{identities: make(map[string]Identity, len(identities))}
	for _, id := range identities {
		s.identities[id.ID] = id
	}
	return s
}

// Add registers or replaces an identity.
func (s *StaticIdentities) Add(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.ID] = id
}

// LookupIdentity implements IdentityLookup
func (s *StaticIdentities) LookupIdentity(ctx context.Context, id string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return identity, nil
}
