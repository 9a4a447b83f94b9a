// Package triac turns a validated zero-cross event and a conduction angle
// into gate pulses. The firing delay after the crossing shrinks as the angle
// grows; near the halfwave edges a train of re-trigger pulses keeps the triac
// conducting through the low-current region. All timing advances through
// Advance(now), so tests drive the driver with a synthetic clock.
package triac

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
	"github.com/itohio/gomsc/pkg/mains"
)

// Params configures the driver.
type Params struct {
	// MinAngle and MaxAngle bound the conduction angle in degrees.
	MinAngle fixpt.Fix
	MaxAngle fixpt.Fix
	// PulseWidth is the gate-on time of one trigger pulse. Pulses in a
	// re-trigger train are spaced one PulseWidth apart.
	PulseWidth time.Duration
	// Margin is the keep-out zone before the next crossing: a firing delay
	// landing inside it suppresses the cycle.
	Margin time.Duration
}

type phase int

const (
	idle phase = iota
	armed
	gateOn
)

// Driver schedules and emits gate pulses. Not safe for concurrent use.
type Driver struct {
	gate hal.GateDriver
	p    Params

	state   phase
	fireAt  time.Time
	offAt   time.Time
	count   int
	shutoff bool
}

// New builds a driver. The gate is forced off.
func New(gate hal.GateDriver, p Params) *Driver {
	if p.PulseWidth <= 0 {
		p.PulseWidth = 64 * time.Microsecond
	}
	if p.Margin <= 0 {
		p.Margin = 150 * time.Microsecond
	}
	d := &Driver{gate: gate, p: p}
	d.drive(false)
	return d
}

// Schedule arms one gate pulse train for the halfwave opened by ev. Invalid
// events and shutoff leave the driver disarmed. A delay that would land
// inside the margin before the next crossing suppresses the cycle.
func (d *Driver) Schedule(ev mains.Event, angle fixpt.Fix) {
	if d.shutoff || !ev.Valid {
		d.disarm()
		return
	}

	half := ev.HalfPeriod
	delay := d.delayFor(angle, half)
	if delay > half-d.p.Margin {
		d.disarm()
		return
	}

	d.state = armed
	d.fireAt = ev.Stamp.Add(delay)
	d.count = retrigCount(delay, half, d.p.PulseWidth)
}

// Advance moves the pulse state machine to time now.
func (d *Driver) Advance(now time.Time) {
	if d.shutoff {
		return
	}
	for {
		switch d.state {
		case idle:
			return
		case armed:
			if now.Before(d.fireAt) {
				return
			}
			d.drive(true)
			d.offAt = d.fireAt.Add(d.p.PulseWidth)
			d.state = gateOn
		case gateOn:
			if now.Before(d.offAt) {
				return
			}
			d.drive(false)
			d.count--
			if d.count <= 0 {
				d.state = idle
				return
			}
			d.fireAt = d.offAt.Add(d.p.PulseWidth)
			d.state = armed
		}
	}
}

// SetShutoff forces the gate off and cancels any pending schedule while
// active. Scheduling stays suppressed until shutoff is released.
func (d *Driver) SetShutoff(active bool) {
	d.shutoff = active
	if active {
		d.disarm()
	}
}

// Pending reports whether a pulse train is armed or in progress.
func (d *Driver) Pending() bool {
	return d.state != idle
}

func (d *Driver) disarm() {
	d.state = idle
	d.count = 0
	d.drive(false)
}

func (d *Driver) drive(on bool) {
	if err := d.gate.SetGate(on); err != nil {
		log.WithError(err).WithField("on", on).Warn("gate drive failed")
	}
}

// delayFor maps a conduction angle to the firing delay after the crossing:
// full angle fires immediately, minimum angle waits the whole halfwave.
func (d *Driver) delayFor(angle fixpt.Fix, half time.Duration) time.Duration {
	angle = angle.Clamp(d.p.MinAngle, d.p.MaxAngle)
	span := d.p.MaxAngle.Sub(d.p.MinAngle)
	frac := d.p.MaxAngle.Sub(angle).Div(span)
	us := int64(half/time.Microsecond) * int64(frac.Raw()) >> fixpt.Shift
	return time.Duration(us) * time.Microsecond
}

// retrigCount sizes the pulse train. Firing near either edge of the halfwave
// needs re-triggers across the low-current region; the center of the wave
// needs only one pulse.
func retrigCount(delay, half time.Duration, pulseWidth time.Duration) int {
	thres := half/4 + half/8 + half/16

	var dur time.Duration
	switch {
	case delay < thres:
		dur = thres - delay
	case delay > half-thres:
		dur = half - delay
	}

	n := int(dur / (2 * pulseWidth))
	if n < 1 {
		n = 1
	}
	return n
}
