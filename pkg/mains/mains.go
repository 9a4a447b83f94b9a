// Package mains tracks the AC zero crossings that pace the whole controller.
// Every comparator edge is checked against a plausibility band around the
// nominal half period; valid edges refine a smoothed half-period estimate,
// invalid ones are reported but never drive firing. A watch on the expected
// edge cadence turns silence into missed-crossing and loss conditions.
package mains

import (
	"time"

	"github.com/itohio/gomsc/pkg/filter"
	"github.com/itohio/gomsc/pkg/fixpt"
)

// Health summarizes the detector state for a control cycle.
type Health int

const (
	// Unsynced means no valid edge has been seen yet.
	Unsynced Health = iota
	// OK means edges arrive on cadence.
	OK
	// Missed means exactly one expected crossing did not arrive.
	Missed
	// Lost means two or more consecutive crossings did not arrive.
	Lost
)

func (h Health) String() string {
	switch h {
	case OK:
		return "ok"
	case Missed:
		return "missed"
	case Lost:
		return "lost"
	default:
		return "unsynced"
	}
}

// Event is the outcome of one comparator edge.
type Event struct {
	Stamp time.Time
	// HalfPeriod is the smoothed half-period estimate after this edge.
	HalfPeriod time.Duration
	// Valid reports whether the edge spacing fell inside the plausibility
	// band. Invalid events must not drive firing.
	Valid bool
	// OutOfBand reports that the edge spacing was measured and rejected.
	// The first, arming edge is invalid but not out of band.
	OutOfBand bool
}

// Params configures the detector.
type Params struct {
	// FrequencyHz is the nominal mains frequency.
	FrequencyHz int32
	// TolerancePercent is the half-width of the plausibility band around
	// the nominal half period.
	TolerancePercent int32
	// FilterDiv is the smoothing divisor for the half-period estimate.
	FilterDiv uint8
}

// Detector is the zero-cross state machine. Not safe for concurrent use; the
// control loop serializes access.
type Detector struct {
	nominal time.Duration
	loBound time.Duration
	hiBound time.Duration
	div     uint8

	est    filter.Filter
	synced bool

	lastEdge time.Time
	haveEdge bool

	deadline time.Time
	missed   int
}

// New builds a detector for the given mains parameters. A 50 Hz mains gives a
// 10 ms nominal half period.
func New(p Params) *Detector {
	if p.FrequencyHz <= 0 {
		p.FrequencyHz = 50
	}
	if p.TolerancePercent <= 0 {
		p.TolerancePercent = 10
	}
	if p.FilterDiv < 1 {
		p.FilterDiv = 4
	}
	nominal := time.Second / time.Duration(2*p.FrequencyHz)
	band := nominal * time.Duration(p.TolerancePercent) / 100
	return &Detector{
		nominal: nominal,
		loBound: nominal - band,
		hiBound: nominal + band,
		div:     p.FilterDiv,
	}
}

// Nominal returns the nominal half period for the configured frequency.
func (d *Detector) Nominal() time.Duration {
	return d.nominal
}

// HalfPeriod returns the current smoothed half-period estimate, or the
// nominal value before the first valid edge.
func (d *Detector) HalfPeriod() time.Duration {
	if !d.synced {
		return d.nominal
	}
	return time.Duration(d.est.Get().ToInt32()) * time.Microsecond
}

// Edge feeds one comparator edge. The first edge only arms the detector; from
// the second on, the spacing to the previous edge is validated and folded into
// the estimate.
func (d *Detector) Edge(now time.Time) Event {
	ev := Event{Stamp: now, HalfPeriod: d.HalfPeriod()}

	if !d.haveEdge {
		d.haveEdge = true
		d.lastEdge = now
		d.armWatch(now)
		return ev
	}

	hp := now.Sub(d.lastEdge)
	d.lastEdge = now

	if hp < d.loBound || hp > d.hiBound {
		ev.OutOfBand = true
		d.armWatch(now)
		return ev
	}

	sample := fixpt.FromInt(int32(hp / time.Microsecond))
	if !d.synced {
		d.est.Seed(sample, d.div)
		d.synced = true
	} else {
		d.est.Run(sample, d.div)
	}

	d.missed = 0
	ev.Valid = true
	ev.HalfPeriod = d.HalfPeriod()
	d.armWatch(now)
	return ev
}

// Check advances the missed-crossing watch to now and returns the detector
// health. One silent period past the deadline counts as one miss; two
// consecutive misses escalate to Lost.
func (d *Detector) Check(now time.Time) Health {
	if !d.haveEdge {
		return Unsynced
	}

	expected := d.HalfPeriod()
	for now.After(d.deadline) {
		d.missed++
		d.deadline = d.deadline.Add(expected)
	}

	switch {
	case d.missed >= 2:
		return Lost
	case d.missed == 1:
		return Missed
	case !d.synced:
		return Unsynced
	default:
		return OK
	}
}

// Reset returns the detector to the unsynced state.
func (d *Detector) Reset() {
	d.est.Reset()
	d.synced = false
	d.haveEdge = false
	d.missed = 0
}

// armWatch sets the next silence deadline at 1.5x the expected half period.
func (d *Detector) armWatch(now time.Time) {
	d.deadline = now.Add(d.HalfPeriod() * 3 / 2)
}
