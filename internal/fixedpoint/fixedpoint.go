package fixedpoint

import (
	"errors"
	"math/big"
)

// Scale factors for the two fixed-point domains: WAD (1e18) for token
// amounts, RAY (1e27) for rates and accrual indices.
var (
	Wad     = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	Ray     = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	halfWad = new(big.Int).Rsh(Wad, 1)
	halfRay = new(big.Int).Rsh(Ray, 1)

	// RAY / WAD, used when widening or narrowing between the domains.
	wadRayRatio = new(big.Int).Exp(big.NewInt(10), big.NewInt(9), nil)
	halfRatio   = new(big.Int).Rsh(wadRayRatio, 1)

	// All values live in the unsigned 256-bit range.
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

var (
	ErrArithmeticOverflow = errors.New("fixedpoint: arithmetic overflow")
	ErrDivisionByZero     = errors.New("fixedpoint: division by zero")
	ErrNegativeValue      = errors.New("fixedpoint: negative value")
)

// mulDivHalfUp computes (a*b + denom/2) / denom without mutating inputs.
// The unrounded product a*b must fit in 256 bits.
func mulDivHalfUp(a, b, denom, half *big.Int) (*big.Int, error) {
	a, b = nz(a), nz(b)
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	out := new(big.Int).Mul(a, b)
	if out.Cmp(maxUint256) > 0 {
		return nil, ErrArithmeticOverflow
	}
	out.Add(out, half)
	out.Quo(out, denom)
	return out, nil
}

// divHalfUp computes (a*scale + b/2) / b. The unrounded product a*scale
// must fit in 256 bits.
func divHalfUp(a, b, scale *big.Int) (*big.Int, error) {
	a, b = nz(a), nz(b)
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a.Sign() < 0 || b.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	out := new(big.Int).Mul(a, scale)
	if out.Cmp(maxUint256) > 0 {
		return nil, ErrArithmeticOverflow
	}
	out.Add(out, new(big.Int).Rsh(b, 1))
	out.Quo(out, b)
	return out, nil
}

func nz(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// WadMul multiplies two WAD-scaled values, rounding half up.
func WadMul(a, b *big.Int) (*big.Int, error) {
	return mulDivHalfUp(a, b, Wad, halfWad)
}

// WadDiv divides two WAD-scaled values, rounding half up.
func WadDiv(a, b *big.Int) (*big.Int, error) {
	return divHalfUp(a, b, Wad)
}

// RayMul multiplies two RAY-scaled values, rounding half up.
func RayMul(a, b *big.Int) (*big.Int, error) {
	return mulDivHalfUp(a, b, Ray, halfRay)
}

// RayDiv divides two RAY-scaled values, rounding half up.
func RayDiv(a, b *big.Int) (*big.Int, error) {
	return divHalfUp(a, b, Ray)
}

// WadToRay widens a WAD value to RAY. Lossless but range-checked.
func WadToRay(a *big.Int) (*big.Int, error) {
	a = nz(a)
	if a.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	out := new(big.Int).Mul(a, wadRayRatio)
	if out.Cmp(maxUint256) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// RayToWad narrows a RAY value to WAD, rounding half up.
func RayToWad(a *big.Int) (*big.Int, error) {
	a = nz(a)
	if a.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	out := new(big.Int).Add(a, halfRatio)
	out.Quo(out, wadRayRatio)
	return out, nil
}

// RayPow raises a RAY-scaled base to an integer exponent by squaring.
// RayPow(x, 0) is 1 RAY.
func RayPow(x *big.Int, n uint64) (*big.Int, error) {
	x = nz(x)
	if x.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	result := new(big.Int).Set(Ray)
	base := new(big.Int).Set(x)
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = RayMul(result, base); err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n > 0 {
			if base, err = RayMul(base, base); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// RayExp approximates e^x for a RAY-scaled exponent with a truncated
// 7-term Taylor series (k = 0..6). Accurate for the small per-interval
// rate exponents this ledger feeds it; the truncation error is part of
// the accrual contract, not something callers should correct for.
func RayExp(x *big.Int) (*big.Int, error) {
	x = nz(x)
	if x.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	sum := new(big.Int).Set(Ray)
	term := new(big.Int).Set(Ray)
	var err error
	for k := int64(1); k <= 6; k++ {
		if term, err = RayMul(term, x); err != nil {
			return nil, err
		}
		// term /= k, half up
		term.Add(term, new(big.Int).Rsh(big.NewInt(k), 1))
		term.Quo(term, big.NewInt(k))
		sum.Add(sum, term)
	}
	if sum.Cmp(maxUint256) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// MustBig parses a base-10 integer literal, panicking on malformed input.
// For package-level constants and tests only.
func MustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("fixedpoint: bad integer literal " + s)
	}
	return v
}

// Clone returns an independent copy, mapping nil to zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
