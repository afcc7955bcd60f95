package custody

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHoldReleaseCycle(t *testing.T) {
	v := NewVault()
	owner := uuid.New()
	if err := v.Hold(owner, "deed-1"); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := v.Hold(owner, "deed-1"); !errors.Is(err, ErrAlreadyHeld) {
		t.Errorf("double hold: expected ErrAlreadyHeld, got %v", err)
	}
	if err := v.Release(uuid.New(), "deed-1"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("release by stranger: expected ErrNotOwner, got %v", err)
	}
	if err := v.Release(owner, "deed-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := v.OwnerOf("deed-1"); ok {
		t.Error("deed still held after release")
	}
}

func TestPinBlocksRelease(t *testing.T) {
	v := NewVault()
	owner := uuid.New()
	if err := v.Hold(owner, "deed-1"); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := v.Pin(owner, "deed-1"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := v.Release(owner, "deed-1"); err == nil {
		t.Error("pinned deed was released")
	}
	v.Unpin("deed-1")
	if err := v.Release(owner, "deed-1"); err != nil {
		t.Errorf("release after unpin: %v", err)
	}
}

func TestHeldByListsOwnerDeeds(t *testing.T) {
	v := NewVault()
	alice, bob := uuid.New(), uuid.New()
	for _, id := range []string{"deed-1", "deed-2"} {
		if err := v.Hold(alice, id); err != nil {
			t.Fatalf("Hold %s: %v", id, err)
		}
	}
	if err := v.Hold(bob, "deed-3"); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	held := v.HeldBy(alice)
	if len(held) != 2 {
		t.Fatalf("HeldBy = %v, want two deeds", held)
	}
	seen := map[string]bool{held[0]: true, held[1]: true}
	if !seen["deed-1"] || !seen["deed-2"] {
		t.Errorf("HeldBy = %v, want deed-1 and deed-2", held)
	}
	if got := v.HeldBy(uuid.New()); len(got) != 0 {
		t.Errorf("HeldBy for stranger = %v, want empty", got)
	}

	if err := v.Release(alice, "deed-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := v.HeldBy(alice); len(got) != 1 || got[0] != "deed-2" {
		t.Errorf("HeldBy after release = %v, want [deed-2]", got)
	}
}

func TestTransferLiftsPin(t *testing.T) {
	v := NewVault()
	owner, backstop := uuid.New(), uuid.New()
	if err := v.Hold(owner, "deed-1"); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := v.Pin(owner, "deed-1"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := v.Transfer("deed-1", owner, backstop); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	got, ok := v.OwnerOf("deed-1")
	if !ok || got != backstop {
		t.Errorf("owner after transfer: %v", got)
	}
	if err := v.Release(backstop, "deed-1"); err != nil {
		t.Errorf("release after transfer should work: %v", err)
	}
}
