// Package telemetry turns control loop snapshots into engineering-unit
// records for the debug link. Converters are channel stages so the snapshot
// producer, optional averaging and the link writer chain without knowing
// about each other.
package telemetry

import (
	"time"

	"github.com/itohio/gomsc/pkg/control"
)

// Record is one telemetry sample in engineering units.
type Record struct {
	Timestamp   time.Time
	SetpointRPM float64
	MeasuredRPM float64
	SpeedStale  bool
	AngleDeg    float64
	MotorCel    float64
	CtlCel      float64
	Mains       string
	Faults      string
	Latched     bool
}

// FromSnapshot converts one loop snapshot.
func FromSnapshot(s control.Snapshot) Record {
	return Record{
		Timestamp:   s.Stamp,
		SetpointRPM: s.SetpointRPM.Float64(),
		MeasuredRPM: s.MeasuredRPM.Float64(),
		SpeedStale:  s.SpeedStale,
		AngleDeg:    s.Angle.Float64(),
		MotorCel:    s.Temp.Motor.Celsius.Float64(),
		CtlCel:      s.Temp.Controller.Celsius.Float64(),
		Mains:       s.Mains.String(),
		Faults:      s.Safety.Faults.String(),
		Latched:     s.Safety.Latched,
	}
}

// Converter is a channel stage from snapshots to records.
type Converter func(in <-chan control.Snapshot) <-chan Record

// NewConverter creates the base conversion stage.
func NewConverter(bufSize int) Converter {
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan control.Snapshot) <-chan Record {
		out := make(chan Record, bufSize)

		go func() {
			defer close(out)
			for snap := range in {
				select {
				case out <- FromSnapshot(snap):
				default:
					// Slow consumer: drop rather than stall the loop.
				}
			}
		}()

		return out
	}
}

// NewAveragingConverter creates a stage that averages up to windowSize of the
// most recent records and emits one averaged record per input, bounding the
// noise on the link without changing the rate contract of the base stage.
func NewAveragingConverter(windowSize, bufSize int) func(in <-chan Record) <-chan Record {
	if windowSize <= 0 {
		windowSize = 1
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan Record) <-chan Record {
		out := make(chan Record, bufSize)

		go func() {
			defer close(out)

			var window []Record
			for rec := range in {
				window = append(window, rec)
				if len(window) > windowSize {
					window = window[1:]
				}
				select {
				case out <- averageRecords(window):
				default:
				}
			}
		}()

		return out
	}
}

// averageRecords averages the numeric fields; flags and status strings come
// from the most recent record.
func averageRecords(window []Record) Record {
	if len(window) == 0 {
		return Record{}
	}

	avg := window[len(window)-1]
	var sp, rpm, angle, mot, ctl float64
	for _, r := range window {
		sp += r.SetpointRPM
		rpm += r.MeasuredRPM
		angle += r.AngleDeg
		mot += r.MotorCel
		ctl += r.CtlCel
	}
	n := float64(len(window))
	avg.SetpointRPM = sp / n
	avg.MeasuredRPM = rpm / n
	avg.AngleDeg = angle / n
	avg.MotorCel = mot / n
	avg.CtlCel = ctl / n
	return avg
}
