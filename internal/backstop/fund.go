package backstop

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"ReserveLedger/internal/fixedpoint"
)

var ErrInsufficientFunds = errors.New("backstop: insufficient funds")

// Fund is the stability backstop: it finalizes expired liquidations by
// covering the outstanding debt face value and receives swept reserve dust.
// Balance is WAD-scaled cash in the reserve asset.
type Fund struct {
	mu       sync.RWMutex
	identity uuid.UUID
	balance  *big.Int
}

func NewFund(identity uuid.UUID, seed *big.Int) *Fund {
	return &Fund{
		identity: identity,
		balance:  fixedpoint.Clone(seed),
	}
}

// Identity is the caller id the engine's role registry authorizes for
// finalization.
func (f *Fund) Identity() uuid.UUID {
	return f.identity
}

func (f *Fund) Balance() *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fixedpoint.Clone(f.balance)
}

// FundLiquidation withdraws the debt cover for a finalization. The caller
// sees the shortfall as a plain error; there is no partial cover.
func (f *Fund) FundLiquidation(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("backstop: invalid amount")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	f.balance.Sub(f.balance, amount)
	return nil
}

// Credit adds cash to the fund: swept dust or external top-ups.
func (f *Fund) Credit(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance.Add(f.balance, amount)
}
