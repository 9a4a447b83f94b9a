// Package hal draws the hardware boundary of the controller: output drivers
// for the triac gate and the secondary shutoff line, and input event streams
// for zero crossings, speed pulses and temperature samples. The control loop
// only ever sees these types; real GPIO lives in hal/gpio, simulated hardware
// in pkg/motorsim.
package hal

import "time"

// Edge is a timestamped input transition from a zero-cross comparator or the
// speed pickup.
type Edge struct {
	Stamp  time.Time
	Rising bool
}

// TempSample carries one raw ADC reading per temperature channel.
type TempSample struct {
	Stamp      time.Time
	Motor      uint16
	Controller uint16
}

// GateDriver drives the triac gate line.
type GateDriver interface {
	SetGate(on bool) error
}

// ShutoffDriver drives the secondary shutoff line, independent of the gate.
// active true means power to the motor is cut.
type ShutoffDriver interface {
	SetShutoff(active bool) error
}

// Inputs bundles the event streams feeding the control loop. Channels are
// closed by the producer on shutdown.
type Inputs struct {
	ZeroCross  <-chan Edge
	SpeedPulse <-chan Edge
	Temp       <-chan TempSample
}
