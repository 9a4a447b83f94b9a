// Package pid implements the speed regulator. The output is the triac
// conduction angle in degrees inside the configured angle limits; a larger
// angle means earlier firing and more delivered power. All arithmetic is
// fixed point and never errors during the loop; validation happens when
// parameters change.
package pid

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/gomsc/pkg/filter"
	"github.com/itohio/gomsc/pkg/fixpt"
)

// ErrInvalidParams reports rejected gain or limit values.
var ErrInvalidParams = errors.New("invalid pid parameters")

// Params are the regulator gains.
type Params struct {
	Kp fixpt.Fix
	Ki fixpt.Fix
	Kd fixpt.Fix
}

// Validate rejects negative gains.
func (p Params) Validate() error {
	if p.Kp < 0 || p.Ki < 0 || p.Kd < 0 {
		return fmt.Errorf("%w: gains must not be negative", ErrInvalidParams)
	}
	return nil
}

// Limits bound the conduction angle output.
type Limits struct {
	MinAngle fixpt.Fix
	MaxAngle fixpt.Fix
}

// Validate rejects an empty or inverted angle range.
func (l Limits) Validate() error {
	if l.MinAngle.Cmp(l.MaxAngle) >= 0 {
		return fmt.Errorf("%w: min angle %v not below max angle %v",
			ErrInvalidParams, l.MinAngle, l.MaxAngle)
	}
	return nil
}

// State is a read-only snapshot of the regulator internals for telemetry.
type State struct {
	Integral fixpt.Fix
	PrevErr  fixpt.Fix
	Output   fixpt.Fix
}

// Controller is the regulator. Not safe for concurrent use.
type Controller struct {
	params Params
	lim    Limits

	integral fixpt.Fix
	prevErr  fixpt.Fix
	havePrev bool

	dFilt filter.Filter
	dDiv  uint8

	out fixpt.Fix
}

// New builds a regulator. The initial output is the minimum angle, so a
// freshly started controller commands minimum power.
func New(params Params, lim Limits, derivativeDiv uint8) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	if derivativeDiv < 1 {
		derivativeDiv = 2
	}
	c := &Controller{params: params, lim: lim, dDiv: derivativeDiv}
	c.Reset()
	return c, nil
}

// SetParams swaps the gains. Invalid gains are rejected and the old ones
// stay in force.
func (c *Controller) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	c.params = params
	return nil
}

// Params returns the active gains.
func (c *Controller) Params() Params {
	return c.params
}

// Reset returns the regulator to its startup state: integral and error
// history cleared, output at minimum angle.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevErr = 0
	c.havePrev = false
	c.dFilt.Reset()
	c.out = c.lim.MinAngle
}

// Run advances the regulator by one tick and returns the conduction angle.
// dt is the time since the previous tick.
func (c *Controller) Run(setpoint, measured fixpt.Fix, dt time.Duration) fixpt.Fix {
	e := setpoint.Sub(measured)

	p := c.params.Kp.Mul(e)

	dtSec := fixpt.FromRatio(int32(dt/time.Microsecond), 1_000_000)
	c.integral = c.integral.Add(c.params.Ki.Mul(e).Mul(dtSec)).
		Clamp(c.lim.MinAngle, c.lim.MaxAngle)

	var de fixpt.Fix
	if c.havePrev {
		de = e.Sub(c.prevErr)
	}
	c.prevErr = e
	c.havePrev = true
	d := c.params.Kd.Mul(c.dFilt.Run(de, c.dDiv))

	c.out = p.Add(c.integral).Add(d).Clamp(c.lim.MinAngle, c.lim.MaxAngle)
	return c.out
}

// Output returns the last computed angle.
func (c *Controller) Output() fixpt.Fix {
	return c.out
}

// State returns a snapshot of the regulator internals.
func (c *Controller) State() State {
	return State{Integral: c.integral, PrevErr: c.prevErr, Output: c.out}
}
