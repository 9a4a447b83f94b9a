package hal

import (
	"sync"
	"time"
)

// FakeGate is a recording test double for the triac gate line.
type FakeGate struct {
	mu sync.Mutex

	// On is the current gate state.
	On bool

	// Transitions records every SetGate call in order.
	Transitions []GateTransition

	// Err, if set, is returned by SetGate.
	Err error
}

// GateTransition is one recorded gate state change.
type GateTransition struct {
	On    bool
	Stamp time.Time
}

var _ GateDriver = (*FakeGate)(nil)

func (f *FakeGate) SetGate(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.On = on
	f.Transitions = append(f.Transitions, GateTransition{On: on, Stamp: time.Now()})
	return nil
}

// Pulses counts completed on/off gate pulses.
func (f *FakeGate) Pulses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := 1; i < len(f.Transitions); i++ {
		if !f.Transitions[i].On && f.Transitions[i-1].On {
			n++
		}
	}
	return n
}

// Reset clears the recorded state.
func (f *FakeGate) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.On = false
	f.Transitions = nil
}

// FakeShutoff is a recording test double for the secondary shutoff line.
type FakeShutoff struct {
	mu sync.Mutex

	// Active is the current line state.
	Active bool

	// History records every SetShutoff call in order.
	History []bool

	// Err, if set, is returned by SetShutoff.
	Err error
}

var _ ShutoffDriver = (*FakeShutoff)(nil)

func (f *FakeShutoff) SetShutoff(active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Active = active
	f.History = append(f.History, active)
	return nil
}

// IsActive returns the current line state.
func (f *FakeShutoff) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Active
}
