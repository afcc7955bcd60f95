package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"ReserveLedger/internal/fixedpoint"
)

var (
	ErrPriceUnavailable = errors.New("oracle: no price for collateral")
	ErrPriceStale       = errors.New("oracle: price older than max age")
)

// Quote is one observed collateral price. Price is WAD-scaled in the reserve
// asset. Sequence orders quotes from the upstream feed; regressions are
// dropped silently.
type Quote struct {
	CollateralID string
	Price        *big.Int
	Sequence     int64
	ObservedAt   time.Time
}

// Store holds the latest quote per collateral id. Reads fail rather than
// serve a quote older than maxAge; the engine treats a failed read as an
// aborted operation, never as a zero price.
type Store struct {
	mu     sync.RWMutex
	maxAge time.Duration
	quotes map[string]Quote
}

func NewStore(maxAge time.Duration) *Store {
	return &Store{
		maxAge: maxAge,
		quotes: make(map[string]Quote),
	}
}

// Update applies a quote unless an equal or newer sequence is already held.
// Returns whether the quote was applied.
func (s *Store) Update(q Quote) bool {
	if q.Price == nil || q.Price.Sign() < 0 || q.CollateralID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.quotes[q.CollateralID]; ok && cur.Sequence >= q.Sequence {
		return false
	}
	q.Price = fixedpoint.Clone(q.Price)
	s.quotes[q.CollateralID] = q
	return true
}

// Price returns the current price for the collateral, failing on a missing
// or stale quote.
func (s *Store) Price(collateralID string, now time.Time) (*big.Int, error) {
	s.mu.RLock()
	q, ok := s.quotes[collateralID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPriceUnavailable
	}
	if s.maxAge > 0 && now.Sub(q.ObservedAt) > s.maxAge {
		return nil, ErrPriceStale
	}
	return fixedpoint.Clone(q.Price), nil
}

// Snapshot returns a copy of every held quote, for the query surface.
func (s *Store) Snapshot() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		q.Price = fixedpoint.Clone(q.Price)
		out = append(out, q)
	}
	return out
}
