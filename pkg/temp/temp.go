// Package temp converts raw ADC readings from the motor NTC divider and the
// controller sensor into degrees Celsius, smooths them and tracks warn and
// shutdown thresholds with hysteresis. Latching on over-temperature is the
// safety monitor's job; this package only reports the condition.
package temp

import (
	"time"

	"github.com/itohio/gomsc/pkg/filter"
	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
)

// Divider and ADC constants of the motor NTC channel.
var (
	dividerKohms = fixpt.FromInt(10)
	adcRefVolts  = fixpt.FromInt(5)
)

const adcMax = 0x3FF

// ntcCurve maps NTC resistance in kOhms to degrees Celsius.
var ntcCurve = Curve{
	{X: fixpt.FromRatio(3321, 10000), Y: fixpt.FromInt(145)},
	{X: fixpt.FromRatio(5174, 10000), Y: fixpt.FromInt(125)},
	{X: fixpt.FromRatio(8400, 10000), Y: fixpt.FromInt(105)},
	{X: fixpt.FromRatio(1429, 1000), Y: fixpt.FromInt(85)},
	{X: fixpt.FromRatio(2565, 1000), Y: fixpt.FromInt(65)},
	{X: fixpt.FromRatio(4891, 1000), Y: fixpt.FromInt(45)},
	{X: fixpt.FromInt(10), Y: fixpt.FromInt(25)},
}

// ctlCurve maps the controller sensor ADC value to degrees Celsius.
var ctlCurve = Curve{
	{X: fixpt.FromInt(300), Y: fixpt.FromInt(25)},
	{X: fixpt.FromInt(370), Y: fixpt.FromInt(85)},
	{X: fixpt.FromInt(440), Y: fixpt.FromInt(145)},
}

// Params configures the monitor thresholds, in whole degrees Celsius.
type Params struct {
	WarnCelsius     int32
	ShutdownCelsius int32
	// HysteresisCelsius is how far below a threshold the reading must fall
	// before the corresponding flag clears.
	HysteresisCelsius int32
	FilterDiv         uint8
}

// Reading is the conditioned state of one channel.
type Reading struct {
	Celsius  fixpt.Fix
	Warn     bool
	Shutdown bool
}

// Readings is the conditioned state of both channels.
type Readings struct {
	Stamp      time.Time
	Motor      Reading
	Controller Reading
}

// Shutdown reports whether either channel is in the shutdown band.
func (r Readings) Shutdown() bool {
	return r.Motor.Shutdown || r.Controller.Shutdown
}

// Monitor conditions the two temperature channels. Not safe for concurrent
// use.
type Monitor struct {
	p Params

	motor channel
	ctl   channel
}

type channel struct {
	filt     filter.Filter
	seeded   bool
	warn     bool
	shutdown bool
}

// New builds a monitor. Defaults mirror the board values: warn at 80,
// shutdown at 100, 20 degrees of hysteresis.
func New(p Params) *Monitor {
	if p.WarnCelsius <= 0 {
		p.WarnCelsius = 80
	}
	if p.ShutdownCelsius <= 0 {
		p.ShutdownCelsius = 100
	}
	if p.HysteresisCelsius <= 0 {
		p.HysteresisCelsius = 20
	}
	if p.FilterDiv < 1 {
		p.FilterDiv = 16
	}
	return &Monitor{p: p}
}

// Run conditions one raw sample and returns both channel readings.
func (m *Monitor) Run(s hal.TempSample) Readings {
	return Readings{
		Stamp:      s.Stamp,
		Motor:      m.motor.update(&m.p, MotorADCToCelsius(s.Motor)),
		Controller: m.ctl.update(&m.p, ControllerADCToCelsius(s.Controller)),
	}
}

// Reset clears the filters and hysteresis state.
func (m *Monitor) Reset() {
	m.motor = channel{}
	m.ctl = channel{}
}

func (ch *channel) update(p *Params, cel fixpt.Fix) Reading {
	if !ch.seeded {
		ch.filt.Seed(cel, p.FilterDiv)
		ch.seeded = true
	} else {
		cel = ch.filt.Run(cel, p.FilterDiv)
	}

	warnOn := fixpt.FromInt(p.WarnCelsius)
	warnOff := fixpt.FromInt(p.WarnCelsius - p.HysteresisCelsius)
	shutOn := fixpt.FromInt(p.ShutdownCelsius)
	shutOff := fixpt.FromInt(p.ShutdownCelsius - p.HysteresisCelsius)

	if cel.Cmp(warnOn) > 0 {
		ch.warn = true
	} else if cel.Cmp(warnOff) < 0 {
		ch.warn = false
	}
	if cel.Cmp(shutOn) > 0 {
		ch.shutdown = true
	} else if cel.Cmp(shutOff) < 0 {
		ch.shutdown = false
	}

	return Reading{Celsius: cel, Warn: ch.warn, Shutdown: ch.shutdown}
}

// MotorADCToCelsius converts a raw motor channel ADC value through the
// resistor divider and the NTC curve.
func MotorADCToCelsius(adc uint16) fixpt.Fix {
	if adc > adcMax {
		adc = adcMax
	}
	volts := fixpt.FromRatio(int32(adc)*5, adcMax)
	den := adcRefVolts.Sub(volts)
	kohms := dividerKohms.Mul(volts).Div(den)
	return ntcCurve.Interpolate(kohms)
}

// ControllerADCToCelsius converts a raw controller sensor ADC value.
func ControllerADCToCelsius(adc uint16) fixpt.Fix {
	return ctlCurve.Interpolate(fixpt.FromInt(int32(adc)))
}

// MotorCelsiusToADC inverts the motor channel conversion. Simulation and
// tests use it to synthesize raw samples for a target temperature.
func MotorCelsiusToADC(cel fixpt.Fix) uint16 {
	kohms := ntcCurve.InterpolateInverse(cel)
	// adc = adcMax * k / (R1 + k), from u = Uref*k/(R1+k).
	den := dividerKohms.Add(kohms)
	adc := fixpt.FromInt(adcMax).Mul(kohms).Div(den)
	v := adc.Int()
	if v < 0 {
		return 0
	}
	if v > adcMax {
		return adcMax
	}
	return uint16(v)
}

// ControllerCelsiusToADC inverts the controller channel conversion.
func ControllerCelsiusToADC(cel fixpt.Fix) uint16 {
	v := ctlCurve.InterpolateInverse(cel).Int()
	if v < 0 {
		return 0
	}
	return uint16(v)
}
