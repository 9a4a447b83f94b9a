package temp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
)

func TestCurveInterpolation(t *testing.T) {
	c := Curve{
		{X: fixpt.FromInt(0), Y: fixpt.FromInt(0)},
		{X: fixpt.FromInt(10), Y: fixpt.FromInt(100)},
	}
	assert.InDelta(t, 50.0, c.Interpolate(fixpt.FromInt(5)).Float64(), 0.1)
	// Out-of-range inputs clamp to the end points.
	assert.InDelta(t, 0.0, c.Interpolate(fixpt.FromInt(-5)).Float64(), 0.1)
	assert.InDelta(t, 100.0, c.Interpolate(fixpt.FromInt(20)).Float64(), 0.1)
}

func TestCurveInverseDescending(t *testing.T) {
	// The NTC curve has descending temperatures over ascending resistance.
	k := ntcCurve.InterpolateInverse(fixpt.FromInt(85))
	assert.InDelta(t, 1.429, k.Float64(), 0.02)

	k = ntcCurve.InterpolateInverse(fixpt.FromInt(75))
	assert.Greater(t, k.Float64(), 1.429)
	assert.Less(t, k.Float64(), 2.565)
}

func TestMotorADCRoundTrip(t *testing.T) {
	for _, cel := range []int32{30, 45, 65, 85, 105, 125, 140} {
		adc := MotorCelsiusToADC(fixpt.FromInt(cel))
		back := MotorADCToCelsius(adc)
		assert.InDelta(t, float64(cel), back.Float64(), 1.5, "celsius %d", cel)
	}
}

func TestMotorADCRails(t *testing.T) {
	// Full-scale ADC means infinite NTC resistance, a cold sensor.
	assert.InDelta(t, 25.0, MotorADCToCelsius(0x3FF).Float64(), 0.5)
	// Zero ADC means a short, hotter than the curve covers.
	assert.InDelta(t, 145.0, MotorADCToCelsius(0).Float64(), 0.5)
}

func TestControllerConversion(t *testing.T) {
	assert.InDelta(t, 25.0, ControllerADCToCelsius(300).Float64(), 0.5)
	assert.InDelta(t, 85.0, ControllerADCToCelsius(370).Float64(), 0.5)
	assert.InDelta(t, 55.0, ControllerADCToCelsius(335).Float64(), 0.5)
	assert.Equal(t, uint16(370), ControllerCelsiusToADC(fixpt.FromInt(85)))
}

func runSteady(m *Monitor, motorCel int32, n int) Readings {
	s := hal.TempSample{
		Stamp:      time.Unix(0, 0),
		Motor:      MotorCelsiusToADC(fixpt.FromInt(motorCel)),
		Controller: ControllerCelsiusToADC(fixpt.FromInt(40)),
	}
	var r Readings
	for i := 0; i < n; i++ {
		r = m.Run(s)
	}
	return r
}

func TestThresholdsWithHysteresis(t *testing.T) {
	m := New(Params{WarnCelsius: 80, ShutdownCelsius: 100, HysteresisCelsius: 20, FilterDiv: 16})

	r := runSteady(m, 60, 64)
	assert.False(t, r.Motor.Warn)
	assert.False(t, r.Motor.Shutdown)

	r = runSteady(m, 90, 128)
	assert.True(t, r.Motor.Warn)
	assert.False(t, r.Motor.Shutdown)

	r = runSteady(m, 110, 128)
	assert.True(t, r.Motor.Shutdown)
	assert.True(t, r.Shutdown())

	// Dropping just under the threshold keeps the flag: hysteresis.
	r = runSteady(m, 95, 128)
	assert.True(t, r.Motor.Shutdown)

	// Only well below threshold minus hysteresis does it clear.
	r = runSteady(m, 70, 128)
	assert.False(t, r.Motor.Shutdown)
	assert.False(t, r.Motor.Warn)
}

func TestChatterAroundThresholdDoesNotFlap(t *testing.T) {
	m := New(Params{WarnCelsius: 80, ShutdownCelsius: 100, HysteresisCelsius: 20, FilterDiv: 1})

	runSteady(m, 105, 8)
	flips := 0
	prev := true
	// Reading oscillating between 95 and 105 must hold the shutdown flag.
	for i := 0; i < 50; i++ {
		cel := int32(105)
		if i%2 == 1 {
			cel = 95
		}
		r := runSteady(m, cel, 1)
		if r.Motor.Shutdown != prev {
			flips++
			prev = r.Motor.Shutdown
		}
	}
	assert.Zero(t, flips)
}

func TestControllerChannelTriggersShutdown(t *testing.T) {
	m := New(Params{FilterDiv: 1})
	s := hal.TempSample{
		Motor:      MotorCelsiusToADC(fixpt.FromInt(40)),
		Controller: ControllerCelsiusToADC(fixpt.FromInt(120)),
	}
	var r Readings
	for i := 0; i < 8; i++ {
		r = m.Run(s)
	}
	assert.True(t, r.Controller.Shutdown)
	assert.False(t, r.Motor.Shutdown)
	assert.True(t, r.Shutdown())
}
