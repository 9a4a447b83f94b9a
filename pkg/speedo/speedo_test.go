package speedo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestSensor() *Sensor {
	return New(Params{PulsesPerRev: 4, MaxInterval: 500 * time.Millisecond, FilterDiv: 2})
}

// pulseAt feeds n pulses spaced iv apart starting at start and returns the
// time of the last pulse.
func pulseAt(s *Sensor, start time.Time, iv time.Duration, n int) time.Time {
	now := start
	for i := 0; i < n; i++ {
		s.Pulse(now)
		now = now.Add(iv)
	}
	return now.Add(-iv)
}

func TestStaleBeforeEnoughPulses(t *testing.T) {
	s := newTestSensor()
	start := time.Unix(0, 0)

	// Four pulses give only three intervals, short of a full window.
	last := pulseAt(s, start, 10*time.Millisecond, 4)
	got := s.Sample(last)
	assert.True(t, got.Stale)
	assert.Equal(t, int32(0), got.RPM.Int())
}

func TestSteadySpeedReadsTrueRPM(t *testing.T) {
	s := newTestSensor()
	start := time.Unix(0, 0)

	// 4 pulses/rev at 10 ms/pulse is 25 rev/s = 1500 RPM.
	last := pulseAt(s, start, 10*time.Millisecond, 12)
	got := s.Sample(last)
	assert.False(t, got.Stale)
	assert.InDelta(t, 1500.0, got.RPM.Float64(), 2.0)
	assert.Equal(t, last, got.LastPulse)
}

func TestSilenceForcesStaleAndZero(t *testing.T) {
	s := newTestSensor()
	last := pulseAt(s, time.Unix(0, 0), 10*time.Millisecond, 12)

	got := s.Sample(last.Add(600 * time.Millisecond))
	assert.True(t, got.Stale)
	assert.Equal(t, int32(0), got.RPM.Int())
}

func TestWindowRestartsAfterGap(t *testing.T) {
	s := newTestSensor()
	last := pulseAt(s, time.Unix(0, 0), 10*time.Millisecond, 12)

	// A pulse after a long gap must not mix the gap into the window.
	resume := last.Add(2 * time.Second)
	s.Pulse(resume)
	got := s.Sample(resume)
	assert.True(t, got.Stale)

	// Speed becomes trusted again only after a full fresh window.
	last = pulseAt(s, resume.Add(20*time.Millisecond), 20*time.Millisecond, 5)
	got = s.Sample(last)
	assert.False(t, got.Stale)
	// 4 pulses/rev at 20 ms/pulse is 750 RPM.
	assert.InDelta(t, 750.0, got.RPM.Float64(), 2.0)
}

func TestSpeedChangeTracksThroughWindow(t *testing.T) {
	s := newTestSensor()
	last := pulseAt(s, time.Unix(0, 0), 20*time.Millisecond, 12)
	slow := s.Sample(last).RPM

	last = pulseAt(s, last.Add(10*time.Millisecond), 10*time.Millisecond, 12)
	fast := s.Sample(last).RPM

	assert.Greater(t, fast.Float64(), slow.Float64())
	assert.InDelta(t, 1500.0, fast.Float64(), 5.0)
}

func TestResetForgetsHistory(t *testing.T) {
	s := newTestSensor()
	last := pulseAt(s, time.Unix(0, 0), 10*time.Millisecond, 12)
	s.Reset()

	got := s.Sample(last)
	assert.True(t, got.Stale)
	assert.True(t, got.LastPulse.IsZero())
}
