package rates

import (
	"errors"
	"math/big"

	"ReserveLedger/internal/fixedpoint"
)

// ErrRateChangeExceedsLimit rejects a prime rate update that moves the rate
// further than the configured fraction of its previous value in one step.
var ErrRateChangeExceedsLimit = errors.New("rates: prime rate change exceeds limit")

const bpsDenominator = 10_000

// Model holds the parameters of the two-slope borrow rate curve. All rates
// are annualized and RAY-scaled. The curve pivots on the mutable prime rate:
// below the optimal utilization the borrow rate climbs from BaseRate toward
// the prime rate, above it the rate climbs steeply from prime toward MaxRate.
type Model struct {
	// BaseRate is the borrow rate at zero utilization.
	BaseRate *big.Int
	// MaxRate is the borrow rate at full utilization.
	MaxRate *big.Int
	// OptimalUtilization is the kink point, RAY-scaled in (0, 1).
	OptimalUtilization *big.Int
	// ProtocolFeeBps is the share of borrow interest withheld from
	// suppliers, in basis points.
	ProtocolFeeBps uint64
	// MaxPrimeShiftBps bounds a single prime rate update relative to the
	// previous value, in basis points of that value.
	MaxPrimeShiftBps uint64
}

// DefaultModel mirrors the launch parameters: 1% floor, 25% ceiling, 90%
// kink, 10% protocol fee, 5% maximum prime rate step.
func DefaultModel() *Model {
	return &Model{
		BaseRate:           fixedpoint.MustBig("10000000000000000000000000"),  // 0.01
		MaxRate:            fixedpoint.MustBig("250000000000000000000000000"), // 0.25
		OptimalUtilization: fixedpoint.MustBig("900000000000000000000000000"), // 0.90
		ProtocolFeeBps:     1_000,
		MaxPrimeShiftBps:   500,
	}
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	return &Model{
		BaseRate:           fixedpoint.Clone(m.BaseRate),
		MaxRate:            fixedpoint.Clone(m.MaxRate),
		OptimalUtilization: fixedpoint.Clone(m.OptimalUtilization),
		ProtocolFeeBps:     m.ProtocolFeeBps,
		MaxPrimeShiftBps:   m.MaxPrimeShiftBps,
	}
}

// Validate checks internal consistency of the curve parameters.
func (m *Model) Validate() error {
	if m == nil {
		return errors.New("rates: nil model")
	}
	if m.BaseRate == nil || m.BaseRate.Sign() < 0 {
		return errors.New("rates: base rate must be non-negative")
	}
	if m.MaxRate == nil || m.MaxRate.Cmp(m.BaseRate) < 0 {
		return errors.New("rates: max rate must be at least base rate")
	}
	if m.OptimalUtilization == nil || m.OptimalUtilization.Sign() <= 0 ||
		m.OptimalUtilization.Cmp(fixedpoint.Ray) >= 0 {
		return errors.New("rates: optimal utilization must be in (0, 1)")
	}
	if m.ProtocolFeeBps > bpsDenominator {
		return errors.New("rates: protocol fee exceeds 100%")
	}
	return nil
}

// ComputeRates derives the borrow and liquidity rates for the given
// utilization and prime rate, both RAY-scaled. The prime rate is clamped
// into [BaseRate, MaxRate] before the slopes are evaluated so a misconfigured
// pivot can never invert the curve.
func (m *Model) ComputeRates(utilization, primeRate *big.Int) (borrowRate, liquidityRate *big.Int, err error) {
	if utilization == nil || utilization.Sign() < 0 || utilization.Cmp(fixedpoint.Ray) > 0 {
		return nil, nil, errors.New("rates: utilization out of range")
	}
	prime := fixedpoint.Clone(primeRate)
	if prime.Cmp(m.BaseRate) < 0 {
		prime.Set(m.BaseRate)
	}
	if prime.Cmp(m.MaxRate) > 0 {
		prime.Set(m.MaxRate)
	}

	if utilization.Cmp(m.OptimalUtilization) <= 0 {
		// base + u/u* * (prime - base)
		ratio, err := fixedpoint.RayDiv(utilization, m.OptimalUtilization)
		if err != nil {
			return nil, nil, err
		}
		span := new(big.Int).Sub(prime, m.BaseRate)
		step, err := fixedpoint.RayMul(ratio, span)
		if err != nil {
			return nil, nil, err
		}
		borrowRate = new(big.Int).Add(m.BaseRate, step)
	} else {
		// prime + (u - u*)/(1 - u*) * (max - prime)
		excess := new(big.Int).Sub(utilization, m.OptimalUtilization)
		room := new(big.Int).Sub(fixedpoint.Ray, m.OptimalUtilization)
		ratio, err := fixedpoint.RayDiv(excess, room)
		if err != nil {
			return nil, nil, err
		}
		span := new(big.Int).Sub(m.MaxRate, prime)
		step, err := fixedpoint.RayMul(ratio, span)
		if err != nil {
			return nil, nil, err
		}
		borrowRate = new(big.Int).Add(prime, step)
	}

	// liquidity = borrow * u * (1 - protocolFee)
	gross, err := fixedpoint.RayMul(borrowRate, utilization)
	if err != nil {
		return nil, nil, err
	}
	keepBps := big.NewInt(int64(bpsDenominator - m.ProtocolFeeBps))
	liquidityRate = new(big.Int).Mul(gross, keepBps)
	liquidityRate.Quo(liquidityRate, big.NewInt(bpsDenominator))

	return borrowRate, liquidityRate, nil
}

// ValidatePrimeRateShift enforces the relative step bound on a prime rate
// update. The very first assignment, from a zero rate, is always allowed.
func (m *Model) ValidatePrimeRateShift(oldRate, newRate *big.Int) error {
	if newRate == nil || newRate.Sign() < 0 {
		return errors.New("rates: prime rate must be non-negative")
	}
	if oldRate == nil || oldRate.Sign() == 0 {
		return nil
	}
	delta := new(big.Int).Sub(newRate, oldRate)
	delta.Abs(delta)
	limit := new(big.Int).Mul(oldRate, big.NewInt(int64(m.MaxPrimeShiftBps)))
	limit.Quo(limit, big.NewInt(bpsDenominator))
	if delta.Cmp(limit) > 0 {
		return ErrRateChangeExceedsLimit
	}
	return nil
}
