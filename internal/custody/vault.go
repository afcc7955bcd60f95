package custody

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotHeld     = errors.New("custody: collateral not held")
	ErrNotOwner    = errors.New("custody: caller does not own collateral")
	ErrAlreadyHeld = errors.New("custody: collateral already held")
)

// Vault tracks custodied collateral deeds by id. Each deed has exactly one
// owner while held; ownership moves only through Transfer. The engine pins a
// deed to a borrower for the life of their debt.
type Vault struct {
	mu     sync.RWMutex
	owners map[string]uuid.UUID
	pinned map[string]bool
}

func NewVault() *Vault {
	return &Vault{
		owners: make(map[string]uuid.UUID),
		pinned: make(map[string]bool),
	}
}

// Hold takes a deed into custody for the owner.
func (v *Vault) Hold(owner uuid.UUID, collateralID string) error {
	if collateralID == "" {
		return fmt.Errorf("custody: empty collateral id")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.owners[collateralID]; ok {
		return ErrAlreadyHeld
	}
	v.owners[collateralID] = owner
	return nil
}

// Release returns a deed to its owner and removes it from custody. Pinned
// deeds stay put until the pin is lifted.
func (v *Vault) Release(owner uuid.UUID, collateralID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.owners[collateralID]
	if !ok {
		return ErrNotHeld
	}
	if cur != owner {
		return ErrNotOwner
	}
	if v.pinned[collateralID] {
		return fmt.Errorf("custody: collateral %s is pinned to an open debt", collateralID)
	}
	delete(v.owners, collateralID)
	return nil
}

// Pin marks a deed as backing an open debt; Unpin lifts it.
func (v *Vault) Pin(owner uuid.UUID, collateralID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.owners[collateralID]
	if !ok {
		return ErrNotHeld
	}
	if cur != owner {
		return ErrNotOwner
	}
	v.pinned[collateralID] = true
	return nil
}

func (v *Vault) Unpin(collateralID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pinned, collateralID)
}

// Transfer reassigns a held deed to a new owner, lifting any pin. Used when
// a liquidation hands collateral to the backstop.
func (v *Vault) Transfer(collateralID string, from, to uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.owners[collateralID]
	if !ok {
		return ErrNotHeld
	}
	if cur != from {
		return ErrNotOwner
	}
	v.owners[collateralID] = to
	delete(v.pinned, collateralID)
	return nil
}

// Snapshot copies the custody book for persistence.
func (v *Vault) Snapshot() (map[string]uuid.UUID, []string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	owners := make(map[string]uuid.UUID, len(v.owners))
	for id, o := range v.owners {
		owners[id] = o
	}
	pinned := make([]string, 0, len(v.pinned))
	for id := range v.pinned {
		pinned = append(pinned, id)
	}
	return owners, pinned
}

// RestoreVault rebuilds a vault from a snapshot. Pins on unknown deeds are
// dropped.
func RestoreVault(owners map[string]uuid.UUID, pinned []string) *Vault {
	v := NewVault()
	for id, o := range owners {
		v.owners[id] = o
	}
	for _, id := range pinned {
		if _, ok := v.owners[id]; ok {
			v.pinned[id] = true
		}
	}
	return v
}

// OwnerOf reports the current owner of a held deed.
func (v *Vault) OwnerOf(collateralID string) (uuid.UUID, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	owner, ok := v.owners[collateralID]
	return owner, ok
}

// HeldBy lists the deed ids custodied for an owner.
func (v *Vault) HeldBy(owner uuid.UUID) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	for id, o := range v.owners {
		if o == owner {
			out = append(out, id)
		}
	}
	return out
}
