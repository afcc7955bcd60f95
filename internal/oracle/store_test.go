package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestUpdateAndRead(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	if !s.Update(Quote{CollateralID: "deed-1", Price: big.NewInt(100), Sequence: 1, ObservedAt: now}) {
		t.Fatal("first quote rejected")
	}
	p, err := s.Price("deed-1", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if p.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("expected 100, got %s", p)
	}
}

func TestSequenceRegressionDropped(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.Update(Quote{CollateralID: "deed-1", Price: big.NewInt(100), Sequence: 5, ObservedAt: now})
	if s.Update(Quote{CollateralID: "deed-1", Price: big.NewInt(90), Sequence: 4, ObservedAt: now}) {
		t.Error("older sequence was applied")
	}
	p, err := s.Price("deed-1", now)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if p.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("regression overwrote price: %s", p)
	}
}

func TestStaleAndMissing(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	if _, err := s.Price("unknown", now); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
	s.Update(Quote{CollateralID: "deed-1", Price: big.NewInt(100), Sequence: 1, ObservedAt: now})
	if _, err := s.Price("deed-1", now.Add(2*time.Minute)); !errors.Is(err, ErrPriceStale) {
		t.Errorf("expected ErrPriceStale, got %v", err)
	}
}
