// Package safety owns the fault latch and the secondary shutoff line. It
// consumes fault signals from the control path and nothing else: sensing and
// regulation never reach into it, it never reaches into them. Once latched,
// power stays cut until an explicit Reset.
package safety

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/gomsc/pkg/filter"
	"github.com/itohio/gomsc/pkg/hal"
)

// Fault is a bitfield of fault conditions.
type Fault uint8

const (
	// FaultZeroCross flags a single-cycle zero-cross anomaly.
	FaultZeroCross Fault = 1 << iota
	// FaultZeroCrossLoss flags sustained loss of mains synchronization.
	FaultZeroCrossLoss
	// FaultSpeedStall flags commanded power with no speed feedback.
	FaultSpeedStall
	// FaultOverTemperature flags either temperature channel in shutdown.
	FaultOverTemperature
	// FaultWatchdog flags a missed safety check deadline.
	FaultWatchdog
)

// fatal faults latch on the first occurrence; the others are debounced.
const fatal = FaultZeroCrossLoss | FaultOverTemperature | FaultWatchdog

// Has reports whether f contains the given fault bit.
func (f Fault) Has(bit Fault) bool {
	return f&bit != 0
}

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		bit  Fault
		name string
	}{
		{FaultZeroCross, "zero-cross"},
		{FaultZeroCrossLoss, "zero-cross-loss"},
		{FaultSpeedStall, "speed-stall"},
		{FaultOverTemperature, "over-temperature"},
		{FaultWatchdog, "watchdog"},
	} {
		if f.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "+")
}

// Status is the externally visible monitor state.
type Status struct {
	// Faults is the set of latched faults.
	Faults Fault
	// Latched reports that the shutoff line is held active.
	Latched bool
}

// Params configures the monitor.
type Params struct {
	// RepeatErrStep and RepeatLimit size the debounce budget for
	// non-fatal faults: each faulty check adds RepeatErrStep, each clean
	// check subtracts one, and reaching RepeatLimit latches.
	RepeatErrStep uint16
	RepeatLimit   uint16
	// CheckTimeout is the self-watchdog deadline between Check calls.
	CheckTimeout time.Duration
}

// Monitor evaluates fault signals and drives the shutoff line. Safe for
// concurrent use.
type Monitor struct {
	mu sync.Mutex

	shutoff hal.ShutoffDriver
	p       Params

	zc    *filter.Debounce
	stall *filter.Debounce

	faults  Fault
	latched bool

	lastCheck time.Time
	haveCheck bool
}

// New builds a monitor. The shutoff line is asserted until the first clean
// Check.
func New(shutoff hal.ShutoffDriver, p Params) *Monitor {
	if p.RepeatErrStep < 1 {
		p.RepeatErrStep = 3
	}
	if p.RepeatLimit < 1 {
		p.RepeatLimit = 120
	}
	if p.CheckTimeout <= 0 {
		p.CheckTimeout = 100 * time.Millisecond
	}
	m := &Monitor{
		shutoff: shutoff,
		p:       p,
		zc:      filter.NewDebounce(p.RepeatErrStep, p.RepeatLimit, true),
		stall:   filter.NewDebounce(p.RepeatErrStep, p.RepeatLimit, true),
	}
	m.drive(true)
	return m
}

// Check evaluates one round of fault signals at time now and returns the
// resulting status. The shutoff line tracks the latch on every call. Check
// must be called at least every CheckTimeout; a late call is itself a fault.
func (m *Monitor) Check(now time.Time, observed Fault) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haveCheck && now.Sub(m.lastCheck) > m.p.CheckTimeout {
		observed |= FaultWatchdog
	}
	m.lastCheck = now
	m.haveCheck = true

	if f := observed & fatal; f != 0 {
		m.faults |= f
		m.latched = true
	}

	m.debounce(m.zc, observed.Has(FaultZeroCross), FaultZeroCross)
	m.debounce(m.stall, observed.Has(FaultSpeedStall), FaultSpeedStall)

	m.drive(m.latched)
	return Status{Faults: m.faults, Latched: m.latched}
}

func (m *Monitor) drive(active bool) {
	if err := m.shutoff.SetShutoff(active); err != nil {
		log.WithError(err).WithField("active", active).Warn("shutoff drive failed")
	}
}

func (m *Monitor) debounce(d *filter.Debounce, observed bool, bit Fault) {
	if observed {
		d.Error()
	} else {
		d.OK()
	}
	if !d.IsOK() {
		m.faults |= bit
		m.latched = true
	}
}

// Status returns the current state without evaluating anything.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Faults: m.faults, Latched: m.latched}
}

// Reset clears the latch, the fault set and the debounce budgets. The
// shutoff line stays asserted until the next clean Check, so power cannot
// return between Reset and the first post-reset evaluation.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = 0
	m.latched = false
	m.zc.Reset()
	m.stall.Reset()
	m.lastCheck = now
	m.haveCheck = true
}
