package rates

import (
	"errors"
	"math/big"
	"testing"

	"ReserveLedger/internal/fixedpoint"
)

func ray(s string) *big.Int { return fixedpoint.MustBig(s) }

func TestComputeRatesZeroUtilization(t *testing.T) {
	m := DefaultModel()
	prime := ray("50000000000000000000000000") // 5%
	borrow, liquidity, err := m.ComputeRates(big.NewInt(0), prime)
	if err != nil {
		t.Fatalf("ComputeRates: %v", err)
	}
	if borrow.Cmp(m.BaseRate) != 0 {
		t.Errorf("borrow at zero utilization: expected base %s, got %s", m.BaseRate, borrow)
	}
	if liquidity.Sign() != 0 {
		t.Errorf("liquidity at zero utilization: expected 0, got %s", liquidity)
	}
}

func TestComputeRatesAtKink(t *testing.T) {
	m := DefaultModel()
	prime := ray("50000000000000000000000000")
	borrow, _, err := m.ComputeRates(m.OptimalUtilization, prime)
	if err != nil {
		t.Fatalf("ComputeRates: %v", err)
	}
	if borrow.Cmp(prime) != 0 {
		t.Errorf("borrow at kink: expected prime %s, got %s", prime, borrow)
	}
}

func TestComputeRatesFullUtilization(t *testing.T) {
	m := DefaultModel()
	prime := ray("50000000000000000000000000")
	borrow, _, err := m.ComputeRates(fixedpoint.Ray, prime)
	if err != nil {
		t.Fatalf("ComputeRates: %v", err)
	}
	if borrow.Cmp(m.MaxRate) != 0 {
		t.Errorf("borrow at full utilization: expected max %s, got %s", m.MaxRate, borrow)
	}
}

func TestComputeRatesMonotonic(t *testing.T) {
	m := DefaultModel()
	prime := ray("50000000000000000000000000")
	points := []*big.Int{
		big.NewInt(0),
		ray("250000000000000000000000000"),
		ray("500000000000000000000000000"),
		ray("900000000000000000000000000"),
		ray("950000000000000000000000000"),
		fixedpoint.Ray,
	}
	prev := big.NewInt(-1)
	for _, u := range points {
		borrow, _, err := m.ComputeRates(u, prime)
		if err != nil {
			t.Fatalf("ComputeRates(%s): %v", u, err)
		}
		if borrow.Cmp(prev) < 0 {
			t.Errorf("borrow rate decreased at utilization %s", u)
		}
		prev = borrow
	}
}

func TestComputeRatesRejectsOutOfRange(t *testing.T) {
	m := DefaultModel()
	over := new(big.Int).Add(fixedpoint.Ray, big.NewInt(1))
	if _, _, err := m.ComputeRates(over, m.BaseRate); err == nil {
		t.Error("expected error for utilization above 1")
	}
	if _, _, err := m.ComputeRates(big.NewInt(-1), m.BaseRate); err == nil {
		t.Error("expected error for negative utilization")
	}
}

func TestLiquidityRateWithholdsProtocolFee(t *testing.T) {
	m := DefaultModel()
	m.ProtocolFeeBps = 0
	prime := ray("50000000000000000000000000")
	u := ray("500000000000000000000000000")
	borrow, grossLiquidity, err := m.ComputeRates(u, prime)
	if err != nil {
		t.Fatalf("ComputeRates: %v", err)
	}
	m.ProtocolFeeBps = 2_000 // 20%
	_, netLiquidity, err := m.ComputeRates(u, prime)
	if err != nil {
		t.Fatalf("ComputeRates: %v", err)
	}
	want := new(big.Int).Mul(grossLiquidity, big.NewInt(8_000))
	want.Quo(want, big.NewInt(10_000))
	if netLiquidity.Cmp(want) != 0 {
		t.Errorf("net liquidity: expected %s, got %s (borrow %s)", want, netLiquidity, borrow)
	}
}

func TestValidatePrimeRateShift(t *testing.T) {
	m := DefaultModel()
	old := ray("100000000000000000000000000") // 10%

	// 5% relative step is allowed
	ok := ray("105000000000000000000000000")
	if err := m.ValidatePrimeRateShift(old, ok); err != nil {
		t.Errorf("5%% step should pass: %v", err)
	}

	// one unit beyond the bound fails
	bad := new(big.Int).Add(ok, big.NewInt(1))
	if err := m.ValidatePrimeRateShift(old, bad); !errors.Is(err, ErrRateChangeExceedsLimit) {
		t.Errorf("expected ErrRateChangeExceedsLimit, got %v", err)
	}

	// downward moves use the same bound
	down := ray("94000000000000000000000000")
	if err := m.ValidatePrimeRateShift(old, down); !errors.Is(err, ErrRateChangeExceedsLimit) {
		t.Errorf("expected ErrRateChangeExceedsLimit for -6%%, got %v", err)
	}

	// first assignment from zero is exempt
	if err := m.ValidatePrimeRateShift(big.NewInt(0), old); err != nil {
		t.Errorf("initial assignment should pass: %v", err)
	}
}

func TestValidateModel(t *testing.T) {
	m := DefaultModel()
	if err := m.Validate(); err != nil {
		t.Errorf("default model should validate: %v", err)
	}
	m.OptimalUtilization = fixedpoint.Ray
	if err := m.Validate(); err == nil {
		t.Error("kink at 1.0 should fail validation")
	}
}
