// Package filter provides the small signal-conditioning primitives shared by
// the sensing and control packages: a running-sum low-pass filter and a
// saturating debounce counter.
package filter

import "github.com/itohio/gomsc/pkg/fixpt"

// Filter is a running-sum low-pass filter. Each Run subtracts the current
// output from the accumulator, adds the new input and divides by div. The
// accumulator is int64 so a long run of large samples cannot saturate before
// the division.
type Filter struct {
	buf int64
	out fixpt.Fix
}

// Reset clears the filter state.
func (f *Filter) Reset() {
	f.buf = 0
	f.out = 0
}

// Seed preloads the filter so the output starts at value instead of ramping
// up from zero.
func (f *Filter) Seed(value fixpt.Fix, div uint8) {
	f.buf = int64(value.Raw()) * int64(div)
	f.out = value
}

// Run feeds one sample through the filter and returns the new output.
// div must be at least 1.
func (f *Filter) Run(in fixpt.Fix, div uint8) fixpt.Fix {
	if div < 1 {
		div = 1
	}
	f.buf -= int64(f.out.Raw())
	f.buf += int64(in.Raw())
	f.out = fixpt.FromRaw64(f.buf / int64(div))
	return f.out
}

// Get returns the current output without feeding a sample.
func (f *Filter) Get() fixpt.Fix {
	return f.out
}
