package safety

import (
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gomsc/pkg/hal"
)

func newTestMonitor(line *hal.FakeShutoff) *Monitor {
	return New(line, Params{RepeatErrStep: 3, RepeatLimit: 12, CheckTimeout: 100 * time.Millisecond})
}

func tick(m *Monitor, start time.Time, n int, f Fault) (Status, time.Time) {
	var st Status
	now := start
	for i := 0; i < n; i++ {
		now = now.Add(10 * time.Millisecond)
		st = m.Check(now, f)
	}
	return st, now
}

func TestShutoffAssertedUntilFirstCleanCheck(t *testing.T) {
	line := &hal.FakeShutoff{}
	m := newTestMonitor(line)
	assert.True(t, line.IsActive())

	st := m.Check(time.Unix(0, 0), 0)
	assert.False(t, st.Latched)
	assert.False(t, line.IsActive())
}

func TestFatalFaultsLatchImmediately(t *testing.T) {
	for _, f := range []Fault{FaultZeroCrossLoss, FaultOverTemperature} {
		line := &hal.FakeShutoff{}
		m := newTestMonitor(line)

		st := m.Check(time.Unix(0, 0), f)
		assert.True(t, st.Latched, f.String())
		assert.True(t, st.Faults.Has(f), f.String())
		assert.True(t, line.IsActive(), f.String())
	}
}

func TestDebouncedFaultNeedsRepeats(t *testing.T) {
	line := &hal.FakeShutoff{}
	m := newTestMonitor(line)
	start := time.Unix(0, 0)

	// 3 anomalies accumulate 9 of the 12 budget: not latched yet.
	st, now := tick(m, start, 3, FaultZeroCross)
	assert.False(t, st.Latched)
	assert.False(t, line.IsActive())

	// The 4th reaches the budget.
	st, _ = tick(m, now, 1, FaultZeroCross)
	assert.True(t, st.Latched)
	assert.True(t, st.Faults.Has(FaultZeroCross))
	assert.True(t, line.IsActive())
}

func TestCleanChecksDrainDebounceBudget(t *testing.T) {
	line := &hal.FakeShutoff{}
	m := newTestMonitor(line)
	start := time.Unix(0, 0)

	// Alternate one anomaly (weight +3) with three clean checks (-3):
	// the budget never accumulates and the monitor never latches.
	now := start
	var st Status
	for i := 0; i < 40; i++ {
		st, now = tick(m, now, 1, FaultZeroCross)
		st, now = tick(m, now, 3, 0)
	}
	assert.False(t, st.Latched)
}

func TestLatchPersistsAcrossRecovery(t *testing.T) {
	line := &hal.FakeShutoff{}
	m := newTestMonitor(line)
	start := time.Unix(0, 0)

	st := m.Check(start, FaultOverTemperature)
	require.True(t, st.Latched)

	// Temperature recovered, fault signal gone: the latch must hold.
	st, _ = tick(m, start, 200, 0)
	assert.True(t, st.Latched)
	assert.True(t, st.Faults.Has(FaultOverTemperature))
	assert.True(t, line.IsActive())
}

func TestResetClearsLatchButHoldsLineUntilCleanCheck(t *testing.T) {
	line := &hal.FakeShutoff{}
	m := newTestMonitor(line)
	start := time.Unix(0, 0)

	m.Check(start, FaultZeroCrossLoss)
	require.True(t, line.IsActive())

	m.Reset(start.Add(time.Second))
	st := m.Status()
	assert.False(t, st.Latched)
	assert.Equal(t, Fault(0), st.Faults)
	// The line only releases on the next clean evaluation.
	assert.True(t, line.IsActive())

	st = m.Check(start.Add(time.Second+10*time.Millisecond), 0)
	assert.False(t, st.Latched)
	assert.False(t, line.IsActive())
}

func TestWatchdogOnLateCheck(t *testing.T) {
	line := &hal.FakeShutoff{}
	m := newTestMonitor(line)
	start := time.Unix(0, 0)

	m.Check(start, 0)
	// The next check arrives far past the deadline.
	st := m.Check(start.Add(time.Second), 0)
	assert.True(t, st.Latched)
	assert.True(t, st.Faults.Has(FaultWatchdog))
}

func TestFaultStringNamesAllBits(t *testing.T) {
	assert.Equal(t, "none", Fault(0).String())
	assert.Equal(t, "zero-cross", FaultZeroCross.String())
	f := FaultZeroCrossLoss | FaultOverTemperature
	assert.Equal(t, "zero-cross-loss+over-temperature", f.String())
}

func TestShutoffDriveErrorIsLogged(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	line := &hal.FakeShutoff{Err: errors.New("line lost")}
	m := newTestMonitor(line)

	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "shutoff drive failed")

	// A dead line must not stop the monitor from evaluating and latching.
	st := m.Check(time.Unix(0, 0), FaultOverTemperature)
	assert.True(t, st.Latched)
}
