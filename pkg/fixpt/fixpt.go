// Package fixpt implements the 24-bit signed fixed-point type used by all
// control-loop arithmetic. Values carry 8 fractional bits (Q15.8) and every
// operation saturates to the representable range instead of wrapping.
// Silent wraparound inside a control loop is a safety hazard, so out-of-range
// results are defined, never undefined: no operation returns an error.
package fixpt

import "strconv"

// Fix is a Q15.8 fixed-point value. The raw (scaled) magnitude is confined to
// the 24-bit signed range [-0x800000, +0x7FFFFF]; the int32 storage only ever
// holds values inside that window.
type Fix int32

const (
	// Shift is the number of fractional bits.
	Shift = 8

	// MaxRaw and MinRaw bound the raw 24-bit representation.
	MaxRaw = 1<<23 - 1
	MinRaw = -(1 << 23)

	// Max and Min are the largest and smallest representable values.
	Max = Fix(MaxRaw)
	Min = Fix(MinRaw)

	// One is the fixed-point representation of 1.
	One = Fix(1 << Shift)

	// Zero is the fixed-point representation of 0.
	Zero = Fix(0)
)

// sat clamps a wide intermediate result into the 24-bit raw range.
func sat(v int64) Fix {
	if v > MaxRaw {
		return Max
	}
	if v < MinRaw {
		return Min
	}
	return Fix(v)
}

// FromRaw builds a value from a raw Q15.8 representation, saturating it into
// the 24-bit range.
func FromRaw(raw int32) Fix {
	return sat(int64(raw))
}

// FromRaw64 builds a value from a wide raw Q15.8 representation. Filters and
// other accumulators use this to fold int64 intermediates back into range.
func FromRaw64(raw int64) Fix {
	return sat(raw)
}

// FromInt converts an integer. Conversion is exact for any int16 and for
// int32 values within the integer range of the type; it saturates outside.
func FromInt(v int32) Fix {
	return sat(int64(v) << Shift)
}

// FromRatio builds the value num/den. Division by zero saturates toward the
// sign of the numerator; 0/0 is 0.
func FromRatio(num, den int32) Fix {
	if den == 0 {
		switch {
		case num > 0:
			return Max
		case num < 0:
			return Min
		default:
			return Zero
		}
	}
	return sat((int64(num) << Shift) / int64(den))
}

// FromFloat converts a float64, rounding to the nearest representable value.
// Only used at configuration and telemetry edges; the loop itself never
// touches floats.
func FromFloat(f float64) Fix {
	scaled := f * float64(One)
	if scaled >= 0 {
		scaled += 0.5
	} else {
		scaled -= 0.5
	}
	return sat(int64(scaled))
}

// Raw returns the raw Q15.8 representation.
func (a Fix) Raw() int32 { return int32(a) }

// Int returns the integer part, truncated toward negative infinity.
func (a Fix) Int() int32 { return int32(a) >> Shift }

// ToInt16 converts to int16, saturating outside the int16 range. The integer
// part of a Fix always fits in int16, so this is exact in practice; the
// clamping covers the contract.
func (a Fix) ToInt16() int16 {
	i := a.Int()
	if i > 32767 {
		return 32767
	}
	if i < -32768 {
		return -32768
	}
	return int16(i)
}

// ToInt32 converts to int32. Exact: the integer part always fits.
func (a Fix) ToInt32() int32 { return a.Int() }

// Float64 converts to float64 for telemetry. Exact for every Fix.
func (a Fix) Float64() float64 { return float64(a) / float64(One) }

// Add returns a+b, saturated.
func (a Fix) Add(b Fix) Fix { return sat(int64(a) + int64(b)) }

// Sub returns a-b, saturated.
func (a Fix) Sub(b Fix) Fix { return sat(int64(a) - int64(b)) }

// Mul returns a*b, saturated. The widened product of two in-range raws fits
// in 47 bits, so the intermediate cannot overflow int64.
func (a Fix) Mul(b Fix) Fix { return sat((int64(a) * int64(b)) >> Shift) }

// Div returns a/b, saturated. Division by zero saturates toward the sign of
// the dividend; 0/0 is 0.
func (a Fix) Div(b Fix) Fix {
	if b == 0 {
		switch {
		case a > 0:
			return Max
		case a < 0:
			return Min
		default:
			return Zero
		}
	}
	return sat((int64(a) << Shift) / int64(b))
}

// Neg returns -a, saturated (so -Min is Max, not Min again).
func (a Fix) Neg() Fix { return sat(-int64(a)) }

// Abs returns |a|, saturated.
func (a Fix) Abs() Fix {
	if a < 0 {
		return a.Neg()
	}
	return a
}

// Shl shifts left by n bits, saturating. Shifts of 40 or more saturate by
// sign directly to keep the int64 intermediate defined.
func (a Fix) Shl(n uint) Fix {
	if a == 0 {
		return 0
	}
	if n >= 40 {
		if a > 0 {
			return Max
		}
		return Min
	}
	return sat(int64(a) << n)
}

// Shr shifts right by n bits (arithmetic). Never leaves the range.
func (a Fix) Shr(n uint) Fix {
	if n >= 24 {
		if a < 0 {
			return Fix(-1)
		}
		return 0
	}
	return Fix(int32(a) >> n)
}

// Cmp returns -1, 0 or +1 comparing a against b.
func (a Fix) Cmp(b Fix) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Clamp confines a to [lo, hi].
func (a Fix) Clamp(lo, hi Fix) Fix {
	if a < lo {
		return lo
	}
	if a > hi {
		return hi
	}
	return a
}

// String formats the value in decimal for logs and telemetry.
func (a Fix) String() string {
	return strconv.FormatFloat(a.Float64(), 'f', -1, 64)
}
