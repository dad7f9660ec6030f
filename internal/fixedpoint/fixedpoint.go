// Package fixedpoint implements the 17.14 signed fixed-point format used
// by the MLFQS scheduler to track recent-CPU usage and the system load
// average without touching floating point in kernel context.
package fixedpoint

// F is the fixed-point scale factor: a Value stores x * F for real number x.
const F = 16384

// Value is a signed 17.14 fixed-point number: bits above the low 14 hold the
// integer part, the low 14 bits hold the fraction. Widened to int64 so the
// 64-bit intermediate required by Mul and Div never needs a separate
// widening step; callers are bounded by |rcpu| < 2^20 per spec.
type Value int64

// FromInt converts an integer to fixed-point.
func FromInt(x int) Value {
	return Value(x) * F
}

// ToIntTrunc converts to an integer, truncating toward zero.
func ToIntTrunc(x Value) int {
	return int(x / F)
}

// ToIntRound converts to an integer, rounding to the nearest integer
// (ties away from zero).
func ToIntRound(x Value) int {
	if x >= 0 {
		return int((x + F/2) / F)
	}
	return int((x - F/2) / F)
}

// Mul multiplies two fixed-point values.
func Mul(x, y Value) Value {
	return Value(int64(x) * int64(y) / F)
}

// Div divides two fixed-point values.
func Div(x, y Value) Value {
	return Value(int64(x) * F / int64(y))
}

// Inc adds 1.0 in fixed-point.
func Inc(x Value) Value {
	return x + F
}
