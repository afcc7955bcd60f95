package engine

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"ReserveLedger/internal/reserve"
)

// PositionView is a read-only snapshot of a borrower for the query surface.
// HealthFactor is nil when the position carries no debt.
type PositionView struct {
	Borrower     uuid.UUID
	CollateralID string
	ScaledDebt   *big.Int
	DebtFace     *big.Int
	State        PositionState
	HealthFactor *big.Int
	Liquidation  *LiquidationRecord
}

// ReserveSnapshot returns the current aggregate reserve record. Previews
// tolerate staleness; none of the read paths take the write lock.
func (e *Engine) ReserveSnapshot() *reserve.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.State()
}

// SupplyBalance is the supplier's accrued face-value balance.
func (e *Engine) SupplyBalance(supplier uuid.UUID) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.BalanceOf(supplier)
}

// DustSurplus previews the sweepable accrual residue.
func (e *Engine) DustSurplus() (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.DustSurplus()
}

// Utilization is the current debt-to-liquidity ratio in ray.
func (e *Engine) Utilization() (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.Utilization()
}

// ActiveLiquidationCount is the number of liquidation records still pending.
func (e *Engine) ActiveLiquidationCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.liquidations)
}

// PreviewRates evaluates the rate curve at an arbitrary utilization against
// the current prime rate.
func (e *Engine) PreviewRates(utilization *big.Int) (borrowRate, liquidityRate *big.Int, err error) {
	e.mu.RLock()
	model := e.reserve.Model()
	prime := e.reserve.State().PrimeRate
	e.mu.RUnlock()
	return model.ComputeRates(utilization, prime)
}

// PositionOf builds a borrower snapshot, resolving the collateral price
// outside the engine lock. A missing or stale price yields a view without a
// health factor rather than an error; mutating paths stay strict.
func (e *Engine) PositionOf(borrower uuid.UUID, now time.Time) (PositionView, error) {
	e.mu.RLock()
	pos, ok := e.positions[borrower]
	if !ok {
		e.mu.RUnlock()
		return PositionView{}, ErrPositionNotFound
	}
	view := PositionView{
		Borrower:     borrower,
		CollateralID: pos.CollateralID,
		ScaledDebt:   new(big.Int).Set(pos.ScaledDebt),
		State:        pos.State,
	}
	face, err := e.reserve.DebtFaceOf(pos.ScaledDebt)
	if err != nil {
		e.mu.RUnlock()
		return PositionView{}, err
	}
	view.DebtFace = face
	if rec, active := e.liquidations[borrower]; active {
		cp := *rec
		view.Liquidation = &cp
	}
	e.mu.RUnlock()

	if view.DebtFace.Sign() > 0 && view.CollateralID != "" {
		price, err := e.oracle.Price(view.CollateralID, now)
		if err == nil {
			if hf, hfErr := healthFactor(e.adjustedCollateral(price), view.DebtFace); hfErr == nil {
				view.HealthFactor = hf
			}
		}
	}
	return view, nil
}
