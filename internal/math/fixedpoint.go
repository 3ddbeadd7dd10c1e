package math

import (
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of every amount, price and rate.
const Decimals = 18

// One is 1.0 in 18-decimal fixed point.
var One = sdkmath.NewIntWithDecimal(1, Decimals)

// PipsDenominator scales liquidation fee pips (1_000_000 pips == 100%).
var PipsDenominator = sdkmath.NewInt(1_000_000)

// Zero returns a fresh zero value. sdkmath.Int{} is NOT usable as zero.
func Zero() sdkmath.Int {
	return sdkmath.ZeroInt()
}

// OrZero maps an uninitialised Int to zero.
func OrZero(v sdkmath.Int) sdkmath.Int {
	if v.IsNil() {
		return sdkmath.ZeroInt()
	}
	return v
}

// MulX18 returns a*b/1e18, truncated toward zero.
func MulX18(a, b sdkmath.Int) sdkmath.Int {
	return a.Mul(b).Quo(One)
}

// DivX18 returns a*1e18/b, truncated toward zero.
func DivX18(a, b sdkmath.Int) sdkmath.Int {
	return a.Mul(One).Quo(b)
}

// MulDiv returns a*b/c, truncated toward zero.
func MulDiv(a, b, c sdkmath.Int) sdkmath.Int {
	return a.Mul(b).Quo(c)
}

// ApplyPips returns amount*pips/1e6.
func ApplyPips(amount sdkmath.Int, pips uint64) sdkmath.Int {
	return amount.Mul(sdkmath.NewIntFromUint64(pips)).Quo(PipsDenominator)
}

// PositivePart returns max(v, 0).
func PositivePart(v sdkmath.Int) sdkmath.Int {
	if v.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return v
}

// SameSign reports whether a and b are both strictly positive or both strictly negative.
func SameSign(a, b sdkmath.Int) bool {
	return a.Sign() != 0 && a.Sign() == b.Sign()
}

// Units converts a whole number into fixed point (Units(5) == 5e18).
func Units(n int64) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(One)
}

// ParseDecimal parses a human decimal string ("0.0015", "250") into 18-decimal
// fixed point. Digits beyond 18 decimals are truncated.
func ParseDecimal(s string) (sdkmath.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	scaled := d.Shift(Decimals).Truncate(0)
	v, ok := sdkmath.NewIntFromString(scaled.String())
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("decimal %q out of range", s)
	}
	return v, nil
}

// FormatDecimal renders a fixed-point amount as a decimal string.
func FormatDecimal(v sdkmath.Int) string {
	if v.IsNil() {
		return "0"
	}
	return decimal.NewFromBigInt(v.BigInt(), -Decimals).String()
}

// Float64 converts to a float for metrics only. Never feed it back into state.
func Float64(v sdkmath.Int) float64 {
	if v.IsNil() {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v.BigInt(), -Decimals).Float64()
	return f
}

// --- 128-bit wire helpers ---

var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	two128  = new(big.Int).Lsh(big.NewInt(1), 128)
)

// FitsU128 reports whether v is representable as an unsigned 128-bit integer.
func FitsU128(v sdkmath.Int) bool {
	return !v.IsNegative() && v.BigInt().Cmp(maxU128) <= 0
}

// FitsI128 reports whether v is representable as a signed 128-bit integer.
func FitsI128(v sdkmath.Int) bool {
	b := v.BigInt()
	return b.Cmp(minI128) >= 0 && b.Cmp(maxI128) <= 0
}

// PutU128 writes v big-endian into dst[0:16].
func PutU128(dst []byte, v sdkmath.Int) error {
	if !FitsU128(v) {
		return fmt.Errorf("value %s does not fit u128", v)
	}
	v.BigInt().FillBytes(dst[:16])
	return nil
}

// PutI128 writes v as big-endian two's complement into dst[0:16].
func PutI128(dst []byte, v sdkmath.Int) error {
	if !FitsI128(v) {
		return fmt.Errorf("value %s does not fit i128", v)
	}
	b := v.BigInt()
	if b.Sign() < 0 {
		b = new(big.Int).Add(b, two128)
	}
	b.FillBytes(dst[:16])
	return nil
}

// U128 reads a big-endian unsigned 128-bit integer.
func U128(src []byte) sdkmath.Int {
	return sdkmath.NewIntFromBigInt(new(big.Int).SetBytes(src[:16]))
}

// I128 reads a big-endian two's complement signed 128-bit integer.
func I128(src []byte) sdkmath.Int {
	b := new(big.Int).SetBytes(src[:16])
	if src[0]&0x80 != 0 {
		b.Sub(b, two128)
	}
	return sdkmath.NewIntFromBigInt(b)
}
