// Package motorsim simulates the motor rig: mains zero crossings, a triac
// whose conduction follows the gate pulses, a first-order mechanical plant,
// a speed pickup and a warming NTC. It stands in for the hardware during
// development and drives the closed-loop tests.
//
// The simulator runs in two modes. Step(dt) advances the plant by a fixed
// increment and returns the events generated in that window, so tests are
// fully deterministic. Connect() spawns a real-time goroutine that feeds the
// same events through hal.Inputs channels.
package motorsim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/gomsc/pkg/config"
	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
	"github.com/itohio/gomsc/pkg/temp"
)

// Params configures the simulated rig.
type Params struct {
	Sim          config.SimConfig
	FrequencyHz  int32
	PulsesPerRev int32
	TempPeriod   time.Duration
}

// Events are the hardware events generated by one Step window.
type Events struct {
	ZeroCross []hal.Edge
	Speed     []hal.Edge
	Temp      []hal.TempSample
}

// Sim is the simulated rig. It implements hal.GateDriver so the triac driver
// fires directly into the plant. Safe for concurrent use.
type Sim struct {
	mu sync.Mutex
	p  Params

	now      time.Time
	half     time.Duration
	lastZC   time.Time
	nextZC   time.Time
	nextTemp time.Time

	// conduction is the fraction of the current halfwave that conducts,
	// latched when the gate first opens after a crossing.
	conduction float64
	fired      bool
	gateOn     bool

	rpm      float64
	motorCel float64
	revPhase float64

	// fault injection
	dropZC       bool
	freezePulses bool
	forceCel     float64
	forcing      bool

	// goroutine mode
	zcCh      chan hal.Edge
	pulseCh   chan hal.Edge
	tempCh    chan hal.TempSample
	done      chan struct{}
	connected bool
}

var _ hal.GateDriver = (*Sim)(nil)

// New builds a simulator starting at the given time.
func New(p Params, start time.Time) *Sim {
	if p.FrequencyHz <= 0 {
		p.FrequencyHz = 50
	}
	if p.PulsesPerRev <= 0 {
		p.PulsesPerRev = 4
	}
	if p.TempPeriod <= 0 {
		p.TempPeriod = 100 * time.Millisecond
	}
	if p.Sim.GainRPM == 0 {
		p.Sim = config.Default().Sim
	}
	half := time.Second / time.Duration(2*p.FrequencyHz)
	return &Sim{
		p:        p,
		now:      start,
		half:     half,
		lastZC:   start,
		nextZC:   start.Add(half),
		nextTemp: start.Add(p.TempPeriod),
		motorCel: p.Sim.AmbientCelsius,
	}
}

// Now returns the simulator clock.
func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// RPM returns the current plant speed.
func (s *Sim) RPM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpm
}

// MotorCelsius returns the current motor temperature.
func (s *Sim) MotorCelsius() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motorCel
}

// SetGate latches the conduction fraction for the running halfwave from the
// first gate opening after the crossing.
func (s *Sim) SetGate(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasOn := s.gateOn
	s.gateOn = on
	if on && !wasOn && !s.fired {
		c := 1 - float64(s.now.Sub(s.lastZC))/float64(s.half)
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		s.conduction = c
		s.fired = true
	}
	return nil
}

// DropZeroCross suppresses zero-cross edges while active.
func (s *Sim) DropZeroCross(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropZC = drop
}

// FreezePulses suppresses speed pulses while active, simulating a dead
// pickup or a seized rotor signal path.
func (s *Sim) FreezePulses(freeze bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezePulses = freeze
}

// ForceMotorCelsius pins the reported motor temperature, bypassing the
// thermal model. Force with on=false to release.
func (s *Sim) ForceMotorCelsius(cel float64, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceCel = cel
	s.forcing = on
}

// Step advances the plant by dt and returns the events generated in the
// window. dt should be small against the halfwave (100us works well).
func (s *Sim) Step(dt time.Duration) Events {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step(dt)
}

func (s *Sim) step(dt time.Duration) Events {
	var ev Events
	s.now = s.now.Add(dt)

	// Crossing boundary: close the halfwave and open the next.
	for !s.now.Before(s.nextZC) {
		if !s.fired {
			s.conduction = 0
		}
		s.fired = false
		s.lastZC = s.nextZC
		s.nextZC = s.nextZC.Add(s.half)
		if !s.dropZC {
			ev.ZeroCross = append(ev.ZeroCross, hal.Edge{Stamp: s.lastZC, Rising: true})
		}
	}

	// Mechanical plant: first-order lag toward the delivered power.
	power := conductionPower(s.conduction)
	dts := dt.Seconds()
	tau := s.p.Sim.TimeConstant.Seconds()
	s.rpm += dts / tau * (s.p.Sim.GainRPM*power - s.rpm)
	if s.rpm < 0 {
		s.rpm = 0
	}

	// Speed pickup: PulsesPerRev edges per revolution.
	prev := s.revPhase
	s.revPhase += s.rpm / 60 * dts
	if !s.freezePulses {
		ppr := float64(s.p.PulsesPerRev)
		for n := math.Floor(prev*ppr) + 1; n <= s.revPhase*ppr; n++ {
			frac := (n/ppr - prev) / (s.revPhase - prev)
			stamp := s.now.Add(-dt + time.Duration(frac*float64(dt)))
			ev.Speed = append(ev.Speed, hal.Edge{Stamp: stamp, Rising: true})
		}
	}

	// Thermal model: rise above ambient proportional to delivered power.
	target := s.p.Sim.AmbientCelsius + s.p.Sim.HeatingCelsius*power
	ttau := s.p.Sim.ThermalTimeConstant.Seconds()
	s.motorCel += dts / ttau * (target - s.motorCel)

	for !s.now.Before(s.nextTemp) {
		cel := s.motorCel
		if s.forcing {
			cel = s.forceCel
		}
		ev.Temp = append(ev.Temp, hal.TempSample{
			Stamp:      s.nextTemp,
			Motor:      temp.MotorCelsiusToADC(fixpt.FromFloat(cel)),
			Controller: temp.ControllerCelsiusToADC(fixpt.FromFloat(s.p.Sim.AmbientCelsius + 10)),
		})
		s.nextTemp = s.nextTemp.Add(s.p.TempPeriod)
	}

	return ev
}

// conductionPower maps the conducting fraction of a sine halfwave to the
// delivered power fraction: integral of sin^2 over the conducting tail.
func conductionPower(c float64) float64 {
	if c <= 0 {
		return 0
	}
	if c >= 1 {
		return 1
	}
	x := float32(2 * math.Pi * c)
	return c - float64(math32.Sin(x))/(2*math.Pi)
}

// Connect starts real-time generation into the Inputs channels.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return fmt.Errorf("already connected")
	}
	s.connected = true
	s.zcCh = make(chan hal.Edge, 16)
	s.pulseCh = make(chan hal.Edge, 256)
	s.tempCh = make(chan hal.TempSample, 16)
	s.done = make(chan struct{})
	go s.run()
	return nil
}

// Close stops real-time generation and closes the input channels.
func (s *Sim) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	done := s.done
	s.mu.Unlock()
	close(done)
	return nil
}

// Inputs returns the channels fed by the real-time mode.
func (s *Sim) Inputs() hal.Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hal.Inputs{
		ZeroCross:  s.zcCh,
		SpeedPulse: s.pulseCh,
		Temp:       s.tempCh,
	}
}

// run advances the plant in real time and fans events out to the channels.
func (s *Sim) run() {
	const dt = 500 * time.Microsecond
	ticker := time.NewTicker(dt)
	defer ticker.Stop()
	defer close(s.zcCh)
	defer close(s.pulseCh)
	defer close(s.tempCh)

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			ev := s.step(dt)
			s.mu.Unlock()
			for _, e := range ev.ZeroCross {
				select {
				case s.zcCh <- e:
				default:
				}
			}
			for _, e := range ev.Speed {
				select {
				case s.pulseCh <- e:
				default:
				}
			}
			for _, e := range ev.Temp {
				select {
				case s.tempCh <- e:
				default:
				}
			}
		}
	}
}
