package reserve

import (
	"math/big"

	"github.com/google/uuid"

	"ReserveLedger/internal/fixedpoint"
)

// Replay helpers re-apply recorded mutations from the event log without
// re-running validation. All inputs come from a log this reserve produced,
// so the recorded scaled amounts and indices are authoritative; recomputing
// them would depend on the wall clock of the original boot, which the log
// does not carry. A nil index leaves the current value in place.

// syncReplay advances the accrual clock without accruing; the logged index
// already contains the interest up to ts.
func (a *Account) syncReplay(index **big.Int, logged *big.Int, ts int64) {
	if logged != nil {
		*index = fixedpoint.Clone(logged)
	}
	if ts > a.state.LastUpdate {
		a.state.LastUpdate = ts
	}
}

func (a *Account) ReplayDeposit(supplier uuid.UUID, amount, scaled, liquidityIndex *big.Int, ts int64) error {
	a.syncReplay(&a.state.LiquidityIndex, liquidityIndex, ts)
	bal, ok := a.balances[supplier]
	if !ok {
		bal = new(big.Int)
		a.balances[supplier] = bal
	}
	bal.Add(bal, scaled)
	a.state.TotalLiquidityScaled.Add(a.state.TotalLiquidityScaled, scaled)
	a.state.Underlying.Add(a.state.Underlying, amount)
	return a.refreshRates()
}

func (a *Account) ReplayWithdraw(supplier uuid.UUID, amount, scaled, liquidityIndex *big.Int, ts int64) error {
	a.syncReplay(&a.state.LiquidityIndex, liquidityIndex, ts)
	if bal, ok := a.balances[supplier]; ok {
		bal.Sub(bal, scaled)
		if bal.Sign() <= 0 {
			delete(a.balances, supplier)
		}
	}
	a.state.TotalLiquidityScaled.Sub(a.state.TotalLiquidityScaled, scaled)
	a.state.Underlying.Sub(a.state.Underlying, amount)
	return a.refreshRates()
}

func (a *Account) ReplayBorrow(amount, scaled, usageIndex *big.Int, ts int64) error {
	a.syncReplay(&a.state.UsageIndex, usageIndex, ts)
	a.state.TotalDebtScaled.Add(a.state.TotalDebtScaled, scaled)
	a.state.Underlying.Sub(a.state.Underlying, amount)
	return a.refreshRates()
}

func (a *Account) ReplayRepay(amount, scaled, usageIndex *big.Int, ts int64) error {
	a.syncReplay(&a.state.UsageIndex, usageIndex, ts)
	a.state.TotalDebtScaled.Sub(a.state.TotalDebtScaled, scaled)
	a.state.Underlying.Add(a.state.Underlying, amount)
	return a.refreshRates()
}

func (a *Account) ReplaySweep(amount *big.Int, ts int64) error {
	a.syncReplay(nil, nil, ts)
	a.state.Underlying.Sub(a.state.Underlying, amount)
	return nil
}

// ReplayPrimeRate skips the step-limit check; the original update already
// passed it.
func (a *Account) ReplayPrimeRate(rate *big.Int, ts int64) error {
	a.syncReplay(nil, nil, ts)
	a.state.PrimeRate = fixedpoint.Clone(rate)
	return a.refreshRates()
}
