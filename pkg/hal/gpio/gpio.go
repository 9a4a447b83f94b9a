//go:build linux

// Package gpio implements the hal drivers and input streams on the Linux GPIO
// character device. Zero-cross and speed pulse edges arrive through kernel
// edge events with kernel timestamps, so edge timing does not depend on
// userspace scheduling.
package gpio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/itohio/gomsc/pkg/hal"
)

// Pin definitions (BCM numbering).
const (
	PinZeroCross = 17
	PinSpeed     = 27
	PinGate      = 22
	PinShutoff   = 23
)

// Board owns the GPIO lines of the controller board and exposes them through
// the hal types.
type Board struct {
	chip    *gpiocdev.Chip
	zc      *gpiocdev.Line
	speed   *gpiocdev.Line
	gate    *gpiocdev.Line
	shutoff *gpiocdev.Line

	started time.Time

	zcCh    chan hal.Edge
	pulseCh chan hal.Edge
}

var (
	_ hal.GateDriver    = (*Board)(nil)
	_ hal.ShutoffDriver = (*Board)(nil)
)

// Open requests all controller lines on the given chip ("gpiochip0" on a Pi).
// The shutoff line is driven active before anything else is configured.
func Open(chipName string) (*Board, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	b := &Board{
		chip:    chip,
		started: time.Now(),
		zcCh:    make(chan hal.Edge, 16),
		pulseCh: make(chan hal.Edge, 64),
	}

	// Shutoff asserted first so the motor stays off while the rest of the
	// lines come up.
	b.shutoff, err = chip.RequestLine(PinShutoff, gpiocdev.AsOutput(1))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("request shutoff pin %d: %w", PinShutoff, err)
	}

	b.gate, err = chip.RequestLine(PinGate, gpiocdev.AsOutput(0))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("request gate pin %d: %w", PinGate, err)
	}

	b.zc, err = chip.RequestLine(PinZeroCross,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(b.onZeroCross))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("request zero-cross pin %d: %w", PinZeroCross, err)
	}

	b.speed, err = chip.RequestLine(PinSpeed,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(b.onSpeedPulse))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("request speed pin %d: %w", PinSpeed, err)
	}

	return b, nil
}

// Inputs returns the edge streams. Temperature sampling comes from a separate
// ADC, not from this board, so Temp is nil here.
func (b *Board) Inputs() hal.Inputs {
	return hal.Inputs{
		ZeroCross:  b.zcCh,
		SpeedPulse: b.pulseCh,
	}
}

func (b *Board) onZeroCross(evt gpiocdev.LineEvent) {
	e := hal.Edge{
		Stamp:  b.started.Add(evt.Timestamp),
		Rising: evt.Type == gpiocdev.LineEventRisingEdge,
	}
	select {
	case b.zcCh <- e:
	default:
	}
}

func (b *Board) onSpeedPulse(evt gpiocdev.LineEvent) {
	e := hal.Edge{
		Stamp:  b.started.Add(evt.Timestamp),
		Rising: true,
	}
	select {
	case b.pulseCh <- e:
	default:
	}
}

// SetGate drives the triac gate line.
func (b *Board) SetGate(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := b.gate.SetValue(v); err != nil {
		return fmt.Errorf("set gate: %w", err)
	}
	return nil
}

// SetShutoff drives the secondary shutoff line.
func (b *Board) SetShutoff(active bool) error {
	v := 0
	if active {
		v = 1
	}
	if err := b.shutoff.SetValue(v); err != nil {
		return fmt.Errorf("set shutoff: %w", err)
	}
	return nil
}

// Close releases the lines, leaving the gate off and the shutoff asserted.
func (b *Board) Close() error {
	var errs []error

	if b.gate != nil {
		if err := b.gate.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear gate: %w", err))
		}
		if err := b.gate.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gate: %w", err))
		}
	}
	if b.shutoff != nil {
		if err := b.shutoff.SetValue(1); err != nil {
			errs = append(errs, fmt.Errorf("assert shutoff: %w", err))
		}
		if err := b.shutoff.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shutoff: %w", err))
		}
	}
	if b.zc != nil {
		if err := b.zc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close zero-cross: %w", err))
		}
	}
	if b.speed != nil {
		if err := b.speed.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close speed: %w", err))
		}
	}
	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	close(b.zcCh)
	close(b.pulseCh)

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
