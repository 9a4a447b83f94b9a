package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gomsc/pkg/config"
	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
	"github.com/itohio/gomsc/pkg/motorsim"
	"github.com/itohio/gomsc/pkg/pid"
	"github.com/itohio/gomsc/pkg/safety"
)

type rig struct {
	cfg  *config.Config
	sim  *motorsim.Sim
	line *hal.FakeShutoff
	loop *Loop
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := config.Default()
	sim := motorsim.New(motorsim.Params{
		Sim:          cfg.Sim,
		FrequencyHz:  cfg.Mains.FrequencyHz,
		PulsesPerRev: cfg.Speed.PulsesPerRev,
		TempPeriod:   cfg.Temp.SamplePeriod,
	}, time.Unix(0, 0))
	line := &hal.FakeShutoff{}
	loop, err := New(cfg, sim, line)
	require.NoError(t, err)
	return &rig{cfg: cfg, sim: sim, line: line, loop: loop}
}

// advance runs the rig and the loop in lockstep for the given duration.
func (r *rig) advance(d time.Duration) {
	const dt = 100 * time.Microsecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += dt {
		ev := r.sim.Step(dt)
		for _, e := range ev.Speed {
			r.loop.OnSpeedPulse(e)
		}
		for _, s := range ev.Temp {
			r.loop.OnTempSample(s)
		}
		for _, e := range ev.ZeroCross {
			r.loop.OnZeroCross(e)
		}
		r.loop.Advance(r.sim.Now())
	}
}

func TestClosedLoopHoldsSetpoint(t *testing.T) {
	r := newRig(t)
	r.loop.SetSetpoint(fixpt.FromInt(1500))

	r.advance(10 * time.Second)

	// Settled: every sample over the next two seconds within 2%.
	const dt = 100 * time.Microsecond
	worst := 0.0
	for elapsed := time.Duration(0); elapsed < 2*time.Second; elapsed += dt {
		ev := r.sim.Step(dt)
		for _, e := range ev.Speed {
			r.loop.OnSpeedPulse(e)
		}
		for _, s := range ev.Temp {
			r.loop.OnTempSample(s)
		}
		for _, e := range ev.ZeroCross {
			r.loop.OnZeroCross(e)
		}
		r.loop.Advance(r.sim.Now())

		e := 1500.0 - r.sim.RPM()
		if e < 0 {
			e = -e
		}
		if e > worst {
			worst = e
		}
	}
	assert.Less(t, worst, 1500.0*0.02, "speed error %v RPM", worst)

	snap := r.loop.Snapshot()
	assert.False(t, snap.Safety.Latched, "faults: %s", snap.Safety.Faults)
	assert.False(t, snap.SpeedStale)
	assert.InDelta(t, 1500.0, snap.MeasuredRPM.Float64(), 1500.0*0.02)
	assert.False(t, r.line.IsActive())
}

func TestSetpointIsClamped(t *testing.T) {
	r := newRig(t)
	got := r.loop.SetSetpoint(fixpt.FromInt(30000))
	assert.Equal(t, fixpt.FromInt(r.cfg.PID.MaxRPM), got)

	got = r.loop.SetSetpoint(fixpt.FromInt(-100))
	assert.Equal(t, fixpt.Zero, got)
}

func TestOverTemperatureLatchesAndResetRecovers(t *testing.T) {
	r := newRig(t)
	r.loop.SetSetpoint(fixpt.FromInt(1500))
	r.advance(5 * time.Second)
	require.False(t, r.loop.Snapshot().Safety.Latched)

	// Pin the motor temperature above the shutdown threshold until the
	// smoothed reading crosses it.
	r.sim.ForceMotorCelsius(150, true)
	r.advance(5 * time.Second)

	snap := r.loop.Snapshot()
	assert.True(t, snap.Safety.Latched)
	assert.True(t, snap.Safety.Faults.Has(safety.FaultOverTemperature))
	assert.True(t, r.line.IsActive())

	// Temperature recovers; the latch must hold and the motor spin down.
	r.sim.ForceMotorCelsius(150, false)
	r.advance(10 * time.Second)
	snap = r.loop.Snapshot()
	assert.True(t, snap.Safety.Latched)
	assert.True(t, r.line.IsActive())
	assert.Less(t, r.sim.RPM(), 100.0)

	// Only the explicit reset releases it, and the loop spins back up.
	r.loop.ResetLatch(r.sim.Now())
	r.advance(10 * time.Second)
	snap = r.loop.Snapshot()
	assert.False(t, snap.Safety.Latched)
	assert.False(t, r.line.IsActive())
	assert.InDelta(t, 1500.0, r.sim.RPM(), 1500.0*0.05)
}

func TestStallLatchesAfterGraceAndBudget(t *testing.T) {
	r := newRig(t)
	r.loop.SetSetpoint(fixpt.FromInt(1500))
	r.advance(5 * time.Second)
	require.False(t, r.loop.Snapshot().Safety.Latched)

	// Kill the pickup while power is commanded.
	r.sim.FreezePulses(true)
	r.advance(5 * time.Second)

	snap := r.loop.Snapshot()
	assert.True(t, snap.Safety.Latched)
	assert.True(t, snap.Safety.Faults.Has(safety.FaultSpeedStall))
	assert.True(t, r.line.IsActive())
}

func TestZeroCrossLossLatchesImmediately(t *testing.T) {
	r := newRig(t)
	r.loop.SetSetpoint(fixpt.FromInt(1500))
	r.advance(5 * time.Second)
	require.False(t, r.loop.Snapshot().Safety.Latched)

	r.sim.DropZeroCross(true)
	r.advance(100 * time.Millisecond)

	snap := r.loop.Snapshot()
	assert.True(t, snap.Safety.Latched)
	assert.True(t, snap.Safety.Faults.Has(safety.FaultZeroCrossLoss))
}

func TestSpinUpDoesNotTripStall(t *testing.T) {
	r := newRig(t)
	r.loop.SetSetpoint(fixpt.FromInt(1500))

	// The first seconds from rest command power against a stale reading;
	// the grace period must absorb that.
	r.advance(3 * time.Second)
	snap := r.loop.Snapshot()
	assert.False(t, snap.Safety.Latched, "faults: %s", snap.Safety.Faults)
}

func TestImplausibleMainsChargesZeroCrossBudget(t *testing.T) {
	cfg := config.Default()
	gate := &hal.FakeGate{}
	line := &hal.FakeShutoff{}
	loop, err := New(cfg, gate, line)
	require.NoError(t, err)

	// Sync on clean 10 ms edges first.
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		loop.OnZeroCross(hal.Edge{Stamp: now, Rising: true})
		now = now.Add(10 * time.Millisecond)
	}
	require.False(t, loop.Snapshot().Safety.Latched)

	// Mains turns implausible: edges every 7 ms, outside the +-10% band.
	// Each one suppresses firing and must keep charging the zero-cross
	// budget until the monitor latches.
	for i := 0; i < 200; i++ {
		loop.OnZeroCross(hal.Edge{Stamp: now, Rising: true})
		now = now.Add(7 * time.Millisecond)
	}

	snap := loop.Snapshot()
	assert.True(t, snap.Safety.Latched)
	assert.True(t, snap.Safety.Faults.Has(safety.FaultZeroCross))
	assert.True(t, line.IsActive())
}

func TestRunWithClockFollowsEventTimeline(t *testing.T) {
	cfg := config.Default()
	gate := &hal.FakeGate{}
	line := &hal.FakeShutoff{}
	loop, err := New(cfg, gate, line)
	require.NoError(t, err)

	// The rig timeline sits far from the wall clock, like the simulator's
	// tick-driven clock after drift. The periodic advance must follow the
	// event timeline or the check watchdog sees the skew as a stall.
	base := time.Now().Add(-42 * time.Hour)
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	zc := make(chan hal.Edge)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.RunWithClock(ctx, hal.Inputs{ZeroCross: zc}, clock)
	}()

	stamp := base
	for i := 0; i < 50; i++ {
		stamp = stamp.Add(10 * time.Millisecond)
		mu.Lock()
		now = stamp
		mu.Unlock()
		zc <- hal.Edge{Stamp: stamp, Rising: true}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	snap := loop.Snapshot()
	assert.False(t, snap.Safety.Latched, "faults: %s", snap.Safety.Faults)
	assert.False(t, snap.Safety.Faults.Has(safety.FaultWatchdog))
}

func TestGainsChangeThroughCommandSurface(t *testing.T) {
	r := newRig(t)

	err := r.loop.SetGains(pid.Params{Kp: fixpt.FromFloat(0.02), Ki: fixpt.FromFloat(0.08)})
	require.NoError(t, err)
	assert.InDelta(t, 0.02, r.loop.Snapshot().Gains.Kp.Float64(), 0.01)

	err = r.loop.SetGains(pid.Params{Kp: fixpt.FromFloat(-1)})
	assert.Error(t, err)
}

func TestSnapshotReflectsRunningState(t *testing.T) {
	r := newRig(t)
	r.loop.SetSetpoint(fixpt.FromInt(1200))
	r.advance(5 * time.Second)

	snap := r.loop.Snapshot()
	assert.Equal(t, fixpt.FromInt(1200), snap.SetpointRPM)
	assert.Equal(t, 10*time.Millisecond, snap.HalfPeriod)
	assert.Greater(t, snap.Angle.Float64(), 0.0)
	assert.Greater(t, snap.Temp.Motor.Celsius.Float64(), 20.0)
}
