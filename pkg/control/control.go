// Package control composes the sensing, regulation and firing stages into
// the closed loop. The loop ticks on every validated mains half-cycle; the
// safety monitor is evaluated before any firing decision, and a latched
// monitor suppresses firing entirely until an explicit latch reset.
package control

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/gomsc/pkg/config"
	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
	"github.com/itohio/gomsc/pkg/mains"
	"github.com/itohio/gomsc/pkg/pid"
	"github.com/itohio/gomsc/pkg/safety"
	"github.com/itohio/gomsc/pkg/speedo"
	"github.com/itohio/gomsc/pkg/temp"
	"github.com/itohio/gomsc/pkg/triac"
)

// Snapshot is a read-only copy of the loop state for telemetry and the
// debug link.
type Snapshot struct {
	Stamp       time.Time
	SetpointRPM fixpt.Fix
	MeasuredRPM fixpt.Fix
	SpeedStale  bool
	Angle       fixpt.Fix
	Mains       mains.Health
	HalfPeriod  time.Duration
	Temp        temp.Readings
	Safety      safety.Status
	PID         pid.State
	Gains       pid.Params
}

// Loop is the controller. All entry points are safe for concurrent use.
type Loop struct {
	mu  sync.Mutex
	cfg *config.Config

	det    *mains.Detector
	speed  *speedo.Sensor
	temps  *temp.Monitor
	reg    *pid.Controller
	drv    *triac.Driver
	mon    *safety.Monitor
	maxRPM fixpt.Fix

	setpoint fixpt.Fix

	lastTick   time.Time
	haveTick   bool
	lastTemp   temp.Readings
	lastHealth mains.Health
	lastSpeed  speedo.Sample
	lastStatus safety.Status

	lastEval    time.Time
	haveEval    bool
	invalidEdge bool

	stallSince time.Time
	stalling   bool
}

// New wires a loop from the configuration and the output drivers.
func New(cfg *config.Config, gate hal.GateDriver, shutoffLine hal.ShutoffDriver) (*Loop, error) {
	reg, err := pid.New(
		pid.Params{
			Kp: fixpt.FromFloat(cfg.PID.Kp),
			Ki: fixpt.FromFloat(cfg.PID.Ki),
			Kd: fixpt.FromFloat(cfg.PID.Kd),
		},
		pid.Limits{
			MinAngle: fixpt.FromInt(cfg.PID.MinAngleDeg),
			MaxAngle: fixpt.FromInt(cfg.PID.MaxAngleDeg),
		},
		cfg.PID.DerivativeDiv,
	)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		cfg: cfg,
		det: mains.New(mains.Params{
			FrequencyHz:      cfg.Mains.FrequencyHz,
			TolerancePercent: cfg.Mains.TolerancePercent,
			FilterDiv:        cfg.Mains.FilterDiv,
		}),
		speed: speedo.New(speedo.Params{
			PulsesPerRev: cfg.Speed.PulsesPerRev,
			MaxInterval:  cfg.Speed.MaxInterval,
			FilterDiv:    cfg.Speed.FilterDiv,
		}),
		temps: temp.New(temp.Params{
			WarnCelsius:       cfg.Temp.WarnCelsius,
			ShutdownCelsius:   cfg.Temp.ShutdownCelsius,
			HysteresisCelsius: cfg.Temp.HysteresisCelsius,
			FilterDiv:         cfg.Temp.FilterDiv,
		}),
		reg: reg,
		drv: triac.New(gate, triac.Params{
			MinAngle:   fixpt.FromInt(cfg.PID.MinAngleDeg),
			MaxAngle:   fixpt.FromInt(cfg.PID.MaxAngleDeg),
			PulseWidth: cfg.Triac.PulseWidth,
			Margin:     cfg.Triac.Margin,
		}),
		mon: safety.New(shutoffLine, safety.Params{
			RepeatErrStep: cfg.Safety.RepeatErrStep,
			RepeatLimit:   cfg.Safety.RepeatLimit,
			CheckTimeout:  cfg.Safety.CheckTimeout,
		}),
		maxRPM: fixpt.FromInt(cfg.PID.MaxRPM),
	}
	return l, nil
}

// OnZeroCross feeds one comparator edge and, on a valid crossing, runs one
// control tick.
func (l *Loop) OnZeroCross(e hal.Edge) {
	if !e.Rising {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := l.det.Edge(e.Stamp)
	if ev.OutOfBand {
		l.invalidEdge = true
	}
	l.evaluate(e.Stamp)

	if ev.Valid && !l.lastStatus.Latched {
		dt := ev.HalfPeriod
		if l.haveTick {
			dt = ev.Stamp.Sub(l.lastTick)
		}
		l.lastTick = ev.Stamp
		l.haveTick = true

		angle := l.reg.Run(l.setpoint, l.measured(), dt)
		l.drv.Schedule(ev, angle)
	}
	l.drv.Advance(e.Stamp)
}

// OnSpeedPulse feeds one pickup pulse.
func (l *Loop) OnSpeedPulse(e hal.Edge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speed.Pulse(e.Stamp)
}

// OnTempSample feeds one raw temperature sample.
func (l *Loop) OnTempSample(s hal.TempSample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastTemp = l.temps.Run(s)
}

// Advance drives the gate pulse timing between crossings and keeps the
// safety evaluation alive while crossings are absent. Gate timing runs on
// every call; fault evaluation holds its half-cycle cadence so the debounce
// budget means the same thing regardless of how often Advance is called.
func (l *Loop) Advance(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.haveEval || now.Sub(l.lastEval) >= l.det.Nominal()/2 {
		l.evaluate(now)
	}
	l.drv.Advance(now)
}

// measured returns the speed reading used for regulation: zero while stale.
func (l *Loop) measured() fixpt.Fix {
	if l.lastSpeed.Stale {
		return fixpt.Zero
	}
	return l.lastSpeed.RPM
}

// evaluate gathers fault signals and runs the safety check. It runs before
// any scheduling on every tick.
func (l *Loop) evaluate(now time.Time) {
	l.lastEval = now
	l.haveEval = true
	l.lastSpeed = l.speed.Sample(now)
	l.lastHealth = l.det.Check(now)

	var faults safety.Fault
	switch l.lastHealth {
	case mains.Missed:
		faults |= safety.FaultZeroCross
	case mains.Lost:
		faults |= safety.FaultZeroCrossLoss
	}

	// Out-of-band edges suppress firing in OnZeroCross; they also charge
	// the same budget as a missed crossing.
	if l.invalidEdge {
		faults |= safety.FaultZeroCross
		l.invalidEdge = false
	}

	if l.lastTemp.Shutdown() {
		faults |= safety.FaultOverTemperature
	}

	faults |= l.stallFault(now)

	wasLatched := l.lastStatus.Latched
	l.lastStatus = l.mon.Check(now, faults)
	l.drv.SetShutoff(l.lastStatus.Latched)

	if l.lastStatus.Latched && !wasLatched {
		log.WithField("faults", l.lastStatus.Faults.String()).Warn("safety latch engaged")
	}
}

// stallFault raises the stall signal after the regulator has been
// commanding power against a stale speed reading for longer than the grace
// period. The grace period covers spin-up from rest.
func (l *Loop) stallFault(now time.Time) safety.Fault {
	commanding := l.reg.Output().Cmp(fixpt.FromInt(l.cfg.PID.MinAngleDeg)) > 0
	if !commanding || !l.lastSpeed.Stale {
		l.stalling = false
		return 0
	}
	if !l.stalling {
		l.stalling = true
		l.stallSince = now
	}
	if now.Sub(l.stallSince) > l.cfg.Safety.StallGrace {
		return safety.FaultSpeedStall
	}
	return 0
}

// SetSetpoint sets the target speed, clamped to [0, MaxRPM], and returns the
// applied value.
func (l *Loop) SetSetpoint(rpm fixpt.Fix) fixpt.Fix {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setpoint = rpm.Clamp(fixpt.Zero, l.maxRPM)
	return l.setpoint
}

// SetGains swaps the regulator gains. Invalid gains are rejected.
func (l *Loop) SetGains(p pid.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.SetParams(p)
}

// ResetLatch clears the safety latch and restarts regulation from the
// minimum-power state. The shutoff line releases on the next clean check.
func (l *Loop) ResetLatch(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mon.Reset(now)
	l.reg.Reset()
	l.stalling = false
	l.invalidEdge = false
	l.lastStatus = l.mon.Status()
	log.Info("safety latch reset")
}

// Snapshot returns a read-only copy of the loop state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Stamp:       l.lastTick,
		SetpointRPM: l.setpoint,
		MeasuredRPM: l.lastSpeed.RPM,
		SpeedStale:  l.lastSpeed.Stale,
		Angle:       l.reg.Output(),
		Mains:       l.lastHealth,
		HalfPeriod:  l.det.HalfPeriod(),
		Temp:        l.lastTemp,
		Safety:      l.lastStatus,
		PID:         l.reg.State(),
		Gains:       l.reg.Params(),
	}
}

// Run services the loop from the hardware input streams until the context
// ends. A fine ticker keeps the gate pulse timing and the safety watchdog
// alive between input events.
func (l *Loop) Run(ctx context.Context, in hal.Inputs) {
	l.RunWithClock(ctx, in, time.Now)
}

// RunWithClock is Run with an explicit clock for the periodic advance. The
// clock must be the one stamping the input events: the simulated rig runs on
// its own tick-driven clock, and holding its stamps against the wall clock
// would charge the check watchdog with the skew between the two.
func (l *Loop) RunWithClock(ctx context.Context, in hal.Inputs, now func() time.Time) {
	ticker := time.NewTicker(500 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in.ZeroCross:
			if !ok {
				return
			}
			l.OnZeroCross(e)
		case e, ok := <-in.SpeedPulse:
			if !ok {
				return
			}
			l.OnSpeedPulse(e)
		case s, ok := <-in.Temp:
			if !ok {
				return
			}
			l.OnTempSample(s)
		case <-ticker.C:
			l.Advance(now())
		}
	}
}
