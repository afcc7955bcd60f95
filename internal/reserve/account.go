package reserve

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"ReserveLedger/internal/fixedpoint"
	"ReserveLedger/internal/rates"
)

var (
	ErrInvalidAmount         = errors.New("reserve: invalid amount")
	ErrInsufficientLiquidity = errors.New("reserve: insufficient liquidity")
)

// SecondsPerYear converts annualized rates to per-second accrual.
const SecondsPerYear = 31_536_000

// Account owns the state of a single reserve and its per-supplier scaled
// balances. It is not safe for concurrent use; the engine serializes access
// with a per-reserve lock. Every public mutation accrues interest first,
// validates fully before touching state, and refreshes rates after.
type Account struct {
	model    *rates.Model
	state    *State
	balances map[uuid.UUID]*big.Int
}

func NewAccount(model *rates.Model, now int64) *Account {
	return &Account{
		model:    model.Clone(),
		state:    NewState(now),
		balances: make(map[uuid.UUID]*big.Int),
	}
}

// State returns a copy of the aggregate record for previews and snapshots.
func (a *Account) State() *State {
	return a.state.Clone()
}

// Balances returns a copy of the supplier scaled-balance table.
func (a *Account) Balances() map[uuid.UUID]*big.Int {
	out := make(map[uuid.UUID]*big.Int, len(a.balances))
	for id, v := range a.balances {
		out[id] = fixedpoint.Clone(v)
	}
	return out
}

// Restore replaces the account contents from a snapshot.
func (a *Account) Restore(state *State, balances map[uuid.UUID]*big.Int) {
	a.state = state.Clone()
	a.balances = make(map[uuid.UUID]*big.Int, len(balances))
	for id, v := range balances {
		a.balances[id] = fixedpoint.Clone(v)
	}
}

// Model returns a copy of the rate model in force.
func (a *Account) Model() *rates.Model {
	return a.model.Clone()
}

// Accrue advances both indices to now. The liquidity index grows linearly,
// the usage index compounds through the exponential factor; the gap between
// the two accumulates as dust surplus rather than being reconciled. Calls
// with a timestamp at or before the last update are no-ops.
func (a *Account) Accrue(now int64) error {
	dt := now - a.state.LastUpdate
	if dt <= 0 {
		return nil
	}
	delta := big.NewInt(dt)

	// liquidityIndex *= 1 + liquidityRate * dt / secondsPerYear
	step := new(big.Int).Mul(a.state.LiquidityRate, delta)
	step.Add(step, big.NewInt(SecondsPerYear/2))
	step.Quo(step, big.NewInt(SecondsPerYear))
	factor := new(big.Int).Add(fixedpoint.Ray, step)
	liqIdx, err := fixedpoint.RayMul(a.state.LiquidityIndex, factor)
	if err != nil {
		return fmt.Errorf("accrue liquidity index: %w", err)
	}

	// usageIndex *= e^(usageRate * dt / secondsPerYear)
	exp := new(big.Int).Mul(a.state.UsageRate, delta)
	exp.Add(exp, big.NewInt(SecondsPerYear/2))
	exp.Quo(exp, big.NewInt(SecondsPerYear))
	growth, err := fixedpoint.RayExp(exp)
	if err != nil {
		return fmt.Errorf("accrue usage factor: %w", err)
	}
	usageIdx, err := fixedpoint.RayMul(a.state.UsageIndex, growth)
	if err != nil {
		return fmt.Errorf("accrue usage index: %w", err)
	}

	a.state.LiquidityIndex = liqIdx
	a.state.UsageIndex = usageIdx
	a.state.LastUpdate = now
	return nil
}

// Deposit mints scaled liquidity units for the supplier at the current
// liquidity index and adds the cash to the reserve.
func (a *Account) Deposit(supplier uuid.UUID, amount *big.Int, now int64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := a.Accrue(now); err != nil {
		return nil, err
	}
	scaled, err := fixedpoint.RayDiv(amount, a.state.LiquidityIndex)
	if err != nil {
		return nil, err
	}
	if scaled.Sign() == 0 {
		scaled = big.NewInt(1)
	}

	bal, ok := a.balances[supplier]
	if !ok {
		bal = new(big.Int)
		a.balances[supplier] = bal
	}
	bal.Add(bal, scaled)
	a.state.TotalLiquidityScaled.Add(a.state.TotalLiquidityScaled, scaled)
	a.state.Underlying.Add(a.state.Underlying, amount)
	if err := a.refreshRates(); err != nil {
		return nil, err
	}
	return scaled, nil
}

// Withdraw burns scaled liquidity units worth amount at the current index and
// pays out cash. Withdrawing more than the supplier's accrued balance is an
// invalid amount; a balance the reserve cannot cover in cash is an
// insufficient-liquidity failure.
func (a *Account) Withdraw(supplier uuid.UUID, amount *big.Int, now int64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := a.Accrue(now); err != nil {
		return nil, err
	}
	bal, ok := a.balances[supplier]
	if !ok || bal.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	balFace, err := fixedpoint.RayMul(bal, a.state.LiquidityIndex)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(balFace) > 0 {
		return nil, ErrInvalidAmount
	}
	if a.state.Underlying.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	var burn *big.Int
	if amount.Cmp(balFace) == 0 {
		// Full exit burns the entire scaled balance so no residue lingers.
		burn = fixedpoint.Clone(bal)
	} else {
		burn, err = fixedpoint.RayDiv(amount, a.state.LiquidityIndex)
		if err != nil {
			return nil, err
		}
		if burn.Cmp(bal) > 0 {
			burn = fixedpoint.Clone(bal)
		}
	}

	bal.Sub(bal, burn)
	if bal.Sign() == 0 {
		delete(a.balances, supplier)
	}
	a.state.TotalLiquidityScaled.Sub(a.state.TotalLiquidityScaled, burn)
	a.state.Underlying.Sub(a.state.Underlying, amount)
	if err := a.refreshRates(); err != nil {
		return nil, err
	}
	return burn, nil
}

// BalanceOf returns the supplier's current face-value balance.
func (a *Account) BalanceOf(supplier uuid.UUID) (*big.Int, error) {
	bal, ok := a.balances[supplier]
	if !ok {
		return new(big.Int), nil
	}
	return fixedpoint.RayMul(bal, a.state.LiquidityIndex)
}

// Borrow draws cash from the reserve and mints scaled debt units at the
// current usage index. A nonzero draw always mints at least one scaled unit.
func (a *Account) Borrow(amount *big.Int, now int64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := a.Accrue(now); err != nil {
		return nil, err
	}
	if a.state.Underlying.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	scaled, err := fixedpoint.RayDiv(amount, a.state.UsageIndex)
	if err != nil {
		return nil, err
	}
	if scaled.Sign() == 0 {
		scaled = big.NewInt(1)
	}

	a.state.TotalDebtScaled.Add(a.state.TotalDebtScaled, scaled)
	a.state.Underlying.Sub(a.state.Underlying, amount)
	if err := a.refreshRates(); err != nil {
		return nil, err
	}
	return scaled, nil
}

// Repay pays down at most debtScaled worth of debt with amount of cash.
// Returns the scaled units burned and the cash actually applied; overpayment
// beyond the accrued face value is returned to the caller, never absorbed.
func (a *Account) Repay(amount, debtScaled *big.Int, now int64) (burned, applied *big.Int, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if err := a.Accrue(now); err != nil {
		return nil, nil, err
	}
	face, err := fixedpoint.RayMul(debtScaled, a.state.UsageIndex)
	if err != nil {
		return nil, nil, err
	}
	applied = fixedpoint.Clone(amount)
	if applied.Cmp(face) >= 0 {
		applied.Set(face)
		burned = fixedpoint.Clone(debtScaled)
	} else {
		burned, err = fixedpoint.RayDiv(applied, a.state.UsageIndex)
		if err != nil {
			return nil, nil, err
		}
		if burned.Cmp(debtScaled) > 0 {
			burned = fixedpoint.Clone(debtScaled)
		}
	}

	a.state.TotalDebtScaled.Sub(a.state.TotalDebtScaled, burned)
	a.state.Underlying.Add(a.state.Underlying, applied)
	if err := a.refreshRates(); err != nil {
		return nil, nil, err
	}
	return burned, applied, nil
}

// DebtFaceOf converts a scaled debt balance to its current face value.
func (a *Account) DebtFaceOf(scaled *big.Int) (*big.Int, error) {
	return fixedpoint.RayMul(scaled, a.state.UsageIndex)
}

// Utilization is total debt face over total liquidity face, capped at 1 RAY.
func (a *Account) Utilization() (*big.Int, error) {
	debt, err := a.state.DebtFace()
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return new(big.Int), nil
	}
	supplied, err := a.state.LiquidityFace()
	if err != nil {
		return nil, err
	}
	if supplied.Sign() == 0 {
		return fixedpoint.Clone(fixedpoint.Ray), nil
	}
	u, err := fixedpoint.RayDiv(debt, supplied)
	if err != nil {
		return nil, err
	}
	if u.Cmp(fixedpoint.Ray) > 0 {
		u.Set(fixedpoint.Ray)
	}
	return u, nil
}

// DustSurplus is the cash backing the reserve holds beyond what suppliers are
// owed: underlying + debt face - liquidity face. The linear/compounding index
// split keeps this drifting slightly positive over time.
func (a *Account) DustSurplus() (*big.Int, error) {
	debt, err := a.state.DebtFace()
	if err != nil {
		return nil, err
	}
	supplied, err := a.state.LiquidityFace()
	if err != nil {
		return nil, err
	}
	surplus := new(big.Int).Add(a.state.Underlying, debt)
	surplus.Sub(surplus, supplied)
	return surplus, nil
}

// SweepDust moves any positive dust surplus out of the reserve cash. Returns
// the amount removed; zero when there is nothing to sweep.
func (a *Account) SweepDust(now int64) (*big.Int, error) {
	if err := a.Accrue(now); err != nil {
		return nil, err
	}
	surplus, err := a.DustSurplus()
	if err != nil {
		return nil, err
	}
	if surplus.Sign() <= 0 {
		return new(big.Int), nil
	}
	a.state.Underlying.Sub(a.state.Underlying, surplus)
	return surplus, nil
}

// SetPrimeRate applies a rate-limited prime rate update and re-derives the
// curve rates.
func (a *Account) SetPrimeRate(rate *big.Int, now int64) error {
	if err := a.Accrue(now); err != nil {
		return err
	}
	if err := a.model.ValidatePrimeRateShift(a.state.PrimeRate, rate); err != nil {
		return err
	}
	a.state.PrimeRate = fixedpoint.Clone(rate)
	return a.refreshRates()
}

func (a *Account) refreshRates() error {
	u, err := a.Utilization()
	if err != nil {
		return err
	}
	borrow, liquidity, err := a.model.ComputeRates(u, a.state.PrimeRate)
	if err != nil {
		return err
	}
	a.state.UsageRate = borrow
	a.state.LiquidityRate = liquidity
	return nil
}
