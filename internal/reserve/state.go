package reserve

import (
	"math/big"

	"ReserveLedger/internal/fixedpoint"
)

// State is the aggregate accounting record of a reserve. Indices are
// RAY-scaled accrual multipliers starting at 1 RAY and never decreasing;
// scaled totals are face amounts divided by the respective index at the time
// of each mutation. Underlying is the raw WAD cash the reserve holds.
type State struct {
	LiquidityIndex       *big.Int
	UsageIndex           *big.Int
	LiquidityRate        *big.Int
	UsageRate            *big.Int
	PrimeRate            *big.Int
	TotalLiquidityScaled *big.Int
	TotalDebtScaled      *big.Int
	Underlying           *big.Int
	LastUpdate           int64
}

// NewState returns a fresh reserve state with both indices at 1 RAY.
func NewState(now int64) *State {
	return &State{
		LiquidityIndex:       fixedpoint.Clone(fixedpoint.Ray),
		UsageIndex:           fixedpoint.Clone(fixedpoint.Ray),
		LiquidityRate:        new(big.Int),
		UsageRate:            new(big.Int),
		PrimeRate:            new(big.Int),
		TotalLiquidityScaled: new(big.Int),
		TotalDebtScaled:      new(big.Int),
		Underlying:           new(big.Int),
		LastUpdate:           now,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		LiquidityIndex:       fixedpoint.Clone(s.LiquidityIndex),
		UsageIndex:           fixedpoint.Clone(s.UsageIndex),
		LiquidityRate:        fixedpoint.Clone(s.LiquidityRate),
		UsageRate:            fixedpoint.Clone(s.UsageRate),
		PrimeRate:            fixedpoint.Clone(s.PrimeRate),
		TotalLiquidityScaled: fixedpoint.Clone(s.TotalLiquidityScaled),
		TotalDebtScaled:      fixedpoint.Clone(s.TotalDebtScaled),
		Underlying:           fixedpoint.Clone(s.Underlying),
		LastUpdate:           s.LastUpdate,
	}
}

// LiquidityFace is the total face value owed to suppliers.
func (s *State) LiquidityFace() (*big.Int, error) {
	return fixedpoint.RayMul(s.TotalLiquidityScaled, s.LiquidityIndex)
}

// DebtFace is the total face value owed by borrowers.
func (s *State) DebtFace() (*big.Int, error) {
	return fixedpoint.RayMul(s.TotalDebtScaled, s.UsageIndex)
}
