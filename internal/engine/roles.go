package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Role gates the privileged operations. There is no ambient identity; every
// call carries an explicit caller id checked against this registry.
type Role uint8

const (
	// RoleBackstop may finalize expired liquidations.
	RoleBackstop Role = iota
	// RoleRateAdmin may move the prime rate and sweep dust.
	RoleRateAdmin
)

func (r Role) String() string {
	switch r {
	case RoleBackstop:
		return "backstop"
	case RoleRateAdmin:
		return "rate_admin"
	default:
		return "unknown"
	}
}

// Registry maps identities to granted roles.
type Registry struct {
	mu     sync.RWMutex
	grants map[uuid.UUID]map[Role]bool
}

func NewRegistry() *Registry {
	return &Registry{grants: make(map[uuid.UUID]map[Role]bool)}
}

func (r *Registry) Grant(id uuid.UUID, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles, ok := r.grants[id]
	if !ok {
		roles = make(map[Role]bool)
		r.grants[id] = roles
	}
	roles[role] = true
}

func (r *Registry) Has(id uuid.UUID, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[id][role]
}
