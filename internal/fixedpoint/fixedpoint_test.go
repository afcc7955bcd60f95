package fixedpoint

import (
	"errors"
	"math/big"
	"testing"
)

func TestWadMulRoundsHalfUp(t *testing.T) {
	// 1.5 * 1e-18 = 1.5e-18, rounds up to 2e-18
	a := MustBig("1500000000000000000")
	b := big.NewInt(1)
	got, err := WadMul(a, b)
	if err != nil {
		t.Fatalf("WadMul: %v", err)
	}
	if got.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("expected 2, got %s", got)
	}

	// 0.4999...9 * 1e-18 rounds down to 0
	a = MustBig("499999999999999999")
	got, err = WadMul(a, b)
	if err != nil {
		t.Fatalf("WadMul: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestRayMulIdentity(t *testing.T) {
	v := MustBig("123456789123456789123456789")
	got, err := RayMul(v, Ray)
	if err != nil {
		t.Fatalf("RayMul: %v", err)
	}
	if got.Cmp(v) != 0 {
		t.Errorf("x * 1 RAY changed value: %s -> %s", v, got)
	}
}

func TestDivisionByZero(t *testing.T) {
	if _, err := WadDiv(Wad, big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("WadDiv zero divisor: got %v", err)
	}
	if _, err := RayDiv(Ray, nil); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("RayDiv nil divisor: got %v", err)
	}
}

func TestOverflowDetection(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	if _, err := WadMul(huge, huge); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := WadToRay(new(big.Int).Lsh(big.NewInt(1), 250)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("WadToRay expected overflow, got %v", err)
	}
}

// The overflow contract binds the unrounded product, not the quotient: the
// division by the scale factor must not mask a product past 2^256-1.
func TestOverflowOnUnroundedProduct(t *testing.T) {
	v := new(big.Int).Lsh(big.NewInt(1), 150) // product is 2^300
	if _, err := WadMul(v, v); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("WadMul 2^150*2^150: expected overflow, got %v", err)
	}
	if _, err := RayMul(v, v); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("RayMul 2^150*2^150: expected overflow, got %v", err)
	}
	// a*RAY overflows even though the quotient would not
	a := new(big.Int).Lsh(big.NewInt(1), 200)
	if _, err := RayDiv(a, new(big.Int).Lsh(big.NewInt(1), 190)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("RayDiv with 2^200 numerator: expected overflow, got %v", err)
	}
}

func TestNegativeRejected(t *testing.T) {
	if _, err := RayMul(big.NewInt(-1), Ray); !errors.Is(err, ErrNegativeValue) {
		t.Errorf("expected negative rejection, got %v", err)
	}
}

func TestWadRayConversions(t *testing.T) {
	w := MustBig("42000000000000000000") // 42 WAD
	r, err := WadToRay(w)
	if err != nil {
		t.Fatalf("WadToRay: %v", err)
	}
	back, err := RayToWad(r)
	if err != nil {
		t.Fatalf("RayToWad: %v", err)
	}
	if back.Cmp(w) != 0 {
		t.Errorf("round trip changed value: %s -> %s", w, back)
	}

	// 1.5e9 units of ray rounds up to 2 wad units
	got, err := RayToWad(big.NewInt(1_500_000_000))
	if err != nil {
		t.Fatalf("RayToWad: %v", err)
	}
	if got.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("expected 2, got %s", got)
	}
}

func TestRayPow(t *testing.T) {
	two := new(big.Int).Mul(big.NewInt(2), Ray)
	got, err := RayPow(two, 10)
	if err != nil {
		t.Fatalf("RayPow: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(1024), Ray)
	if got.Cmp(want) != 0 {
		t.Errorf("2^10: expected %s, got %s", want, got)
	}

	got, err = RayPow(two, 0)
	if err != nil {
		t.Fatalf("RayPow: %v", err)
	}
	if got.Cmp(Ray) != 0 {
		t.Errorf("x^0: expected 1 RAY, got %s", got)
	}
}

func TestRayExpSmallExponent(t *testing.T) {
	// e^0.1 = 1.10517091808...; six Taylor terms land within 1e-9
	x := MustBig("100000000000000000000000000") // 0.1 RAY
	got, err := RayExp(x)
	if err != nil {
		t.Fatalf("RayExp: %v", err)
	}
	lo := MustBig("1105170917000000000000000000")
	hi := MustBig("1105170919000000000000000000")
	if got.Cmp(lo) < 0 || got.Cmp(hi) > 0 {
		t.Errorf("e^0.1 out of range: %s", got)
	}
}

func TestRayExpZero(t *testing.T) {
	got, err := RayExp(big.NewInt(0))
	if err != nil {
		t.Fatalf("RayExp: %v", err)
	}
	if got.Cmp(Ray) != 0 {
		t.Errorf("e^0: expected 1 RAY, got %s", got)
	}
}
