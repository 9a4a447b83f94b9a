// Package speedo derives the measured motor speed from pickup pulses. The
// last four pulse intervals are averaged, the result is smoothed, and a
// reading is only trusted once enough pulses have been seen. A pickup that
// goes silent makes the reading stale; stall policy on top of staleness
// belongs to the control loop.
package speedo

import (
	"time"

	"github.com/itohio/gomsc/pkg/filter"
	"github.com/itohio/gomsc/pkg/fixpt"
)

// windowLen is the number of intervals averaged per reading.
const windowLen = 4

// Params configures the sensor.
type Params struct {
	// PulsesPerRev is the number of pickup pulses per motor revolution.
	PulsesPerRev int32
	// MaxInterval is the silence after which the reading is stale.
	MaxInterval time.Duration
	// FilterDiv is the smoothing divisor applied to the windowed RPM.
	FilterDiv uint8
}

// Sample is one speed reading.
type Sample struct {
	// RPM is the smoothed speed, forced to zero while stale.
	RPM fixpt.Fix
	// Stale reports that the pickup has been silent past MaxInterval or
	// that too few pulses have arrived to trust the window.
	Stale bool
	// LastPulse is the timestamp of the newest pulse, zero before any.
	LastPulse time.Time
}

// Sensor accumulates pickup pulses. Not safe for concurrent use.
type Sensor struct {
	p Params

	intervals [windowLen]time.Duration
	next      int
	count     int

	lastPulse time.Time
	havePulse bool

	smooth filter.Filter
	seeded bool
}

// New builds a sensor.
func New(p Params) *Sensor {
	if p.PulsesPerRev < 1 {
		p.PulsesPerRev = 1
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 500 * time.Millisecond
	}
	if p.FilterDiv < 1 {
		p.FilterDiv = 2
	}
	return &Sensor{p: p}
}

// Pulse records one pickup pulse. A pulse arriving after more than
// MaxInterval of silence restarts the window instead of polluting it with the
// stall gap.
func (s *Sensor) Pulse(now time.Time) {
	if !s.havePulse {
		s.havePulse = true
		s.lastPulse = now
		return
	}

	iv := now.Sub(s.lastPulse)
	s.lastPulse = now
	if iv <= 0 {
		return
	}
	if iv > s.p.MaxInterval {
		s.restartWindow()
		return
	}

	s.intervals[s.next] = iv
	s.next = (s.next + 1) % windowLen
	if s.count < windowLen {
		s.count++
	}

	rpm := s.windowRPM()
	if !s.seeded {
		s.smooth.Seed(rpm, s.p.FilterDiv)
		s.seeded = true
	} else {
		s.smooth.Run(rpm, s.p.FilterDiv)
	}
}

// Sample returns the current reading at time now.
func (s *Sensor) Sample(now time.Time) Sample {
	out := Sample{LastPulse: s.lastPulse}

	trusted := s.count >= windowLen
	silent := !s.havePulse || now.Sub(s.lastPulse) > s.p.MaxInterval
	if silent || !trusted {
		out.Stale = true
		return out
	}

	out.RPM = s.smooth.Get()
	return out
}

// Reset forgets all pulse history.
func (s *Sensor) Reset() {
	s.restartWindow()
	s.havePulse = false
	s.lastPulse = time.Time{}
}

func (s *Sensor) restartWindow() {
	s.next = 0
	s.count = 0
	s.smooth.Reset()
	s.seeded = false
}

// windowRPM converts the averaged interval of the current window to RPM.
func (s *Sensor) windowRPM() fixpt.Fix {
	var sum time.Duration
	for i := 0; i < s.count; i++ {
		sum += s.intervals[i]
	}
	if sum <= 0 {
		return fixpt.Zero
	}
	avgUs := int64(sum/time.Microsecond) / int64(s.count)
	if avgUs <= 0 {
		return fixpt.Max
	}
	raw := (60_000_000 << fixpt.Shift) / (avgUs * int64(s.p.PulsesPerRev))
	return fixpt.FromRaw64(raw)
}
