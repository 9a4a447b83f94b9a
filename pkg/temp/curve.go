package temp

import "github.com/itohio/gomsc/pkg/fixpt"

// Point is one breakpoint of a piecewise-linear curve.
type Point struct {
	X fixpt.Fix
	Y fixpt.Fix
}

// Curve interpolates linearly between breakpoints. X values must be strictly
// ascending; inputs outside the table clamp to the end points.
type Curve []Point

// Interpolate evaluates the curve at x.
func (c Curve) Interpolate(x fixpt.Fix) fixpt.Fix {
	if len(c) == 0 {
		return fixpt.Zero
	}
	if x <= c[0].X {
		return c[0].Y
	}
	last := len(c) - 1
	if x >= c[last].X {
		return c[last].Y
	}
	for i := 1; i <= last; i++ {
		if x <= c[i].X {
			lo, hi := c[i-1], c[i]
			dx := hi.X.Sub(lo.X)
			dy := hi.Y.Sub(lo.Y)
			return lo.Y.Add(x.Sub(lo.X).Mul(dy).Div(dx))
		}
	}
	return c[last].Y
}

// InterpolateInverse evaluates x for a given y on a curve whose Y values are
// monotonic (either direction). Used to generate ADC values from target
// temperatures in simulation.
func (c Curve) InterpolateInverse(y fixpt.Fix) fixpt.Fix {
	if len(c) == 0 {
		return fixpt.Zero
	}
	last := len(c) - 1
	descending := c[0].Y > c[last].Y

	first, end := c[0], c[last]
	if descending {
		if y >= first.Y {
			return first.X
		}
		if y <= end.Y {
			return end.X
		}
	} else {
		if y <= first.Y {
			return first.X
		}
		if y >= end.Y {
			return end.X
		}
	}

	for i := 1; i <= last; i++ {
		lo, hi := c[i-1], c[i]
		inside := (descending && y >= hi.Y) || (!descending && y <= hi.Y)
		if !inside {
			continue
		}
		dy := hi.Y.Sub(lo.Y)
		dx := hi.X.Sub(lo.X)
		return lo.X.Add(y.Sub(lo.Y).Mul(dx).Div(dy))
	}
	return end.X
}
