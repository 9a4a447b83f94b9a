//go:generate tinygo flash -target=xiao

//go:build tinygo

package main

import (
	"machine"
	"math"
	"time"
)

var (
	uart = machine.UART0

	// Mains simulation
	zcHigh    bool
	zcStart   time.Time
	lastCross time.Time

	// Plant state
	conduction float64 // fraction of the current halfwave that conducts
	fired      bool    // gate already seen this halfwave
	lastTrig   bool
	rpm        float64
	revPhase   float64

	// Speed pulse output
	pulseHigh  bool
	pulseStart time.Time

	// Fault injection (driven over serial)
	dropZC       bool
	freezePulses bool

	// Timing
	lastStep   time.Time
	lastStatus time.Time
)

func main() {
	PIN_ZC_OUT.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_SPEED_OUT.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_TRIGGER_IN.Configure(machine.PinConfig{Mode: machine.PinInput})

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	now := time.Now()
	lastCross = now
	lastStep = now
	lastStatus = now

	for {
		now := time.Now()

		processSerial()
		watchTrigger(now)

		// Half-cycle boundary: latch the plant input and pulse the
		// comparator output. One rising edge per crossing, so the
		// controller sees the 10ms half-period spacing it validates.
		if now.Sub(lastCross) >= time.Duration(HALF_PERIOD_US)*time.Microsecond {
			stepPlant(now.Sub(lastCross))
			lastCross = now
			fired = false
			conduction = 0
			if !dropZC {
				PIN_ZC_OUT.High()
				zcHigh = true
				zcStart = now
			}
		}
		if zcHigh && now.Sub(zcStart) >= time.Duration(ZC_PULSE_US)*time.Microsecond {
			PIN_ZC_OUT.Low()
			zcHigh = false
		}

		updateSpeedPulse(now)

		if now.Sub(lastStatus) >= time.Duration(STATUS_INTERVAL_MS)*time.Millisecond {
			outputStatus()
			lastStatus = now
		}

		time.Sleep(50 * time.Microsecond)
	}
}

// watchTrigger latches the conduction fraction on the first gate opening of
// each halfwave. The triac keeps conducting until the next zero crossing.
func watchTrigger(now time.Time) {
	trig := PIN_TRIGGER_IN.Get()
	if trig && !lastTrig && !fired {
		elapsed := float64(now.Sub(lastCross).Microseconds())
		c := 1 - elapsed/float64(HALF_PERIOD_US)
		if c < 0 {
			c = 0
		}
		conduction = c
		fired = true
	}
	lastTrig = trig
}

// stepPlant advances the first-order mechanical lag by one halfwave.
func stepPlant(dt time.Duration) {
	target := GAIN_RPM * conductionPower(conduction)
	alpha := float64(dt.Milliseconds()) / TIME_CONSTANT_MS
	if alpha > 1 {
		alpha = 1
	}
	rpm += (target - rpm) * alpha
}

// conductionPower maps the conduction fraction to the delivered power
// fraction of a resistive load on a sine wave.
func conductionPower(c float64) float64 {
	if c <= 0 {
		return 0
	}
	if c >= 1 {
		return 1
	}
	return c - math.Sin(2*math.Pi*c)/(2*math.Pi)
}

// updateSpeedPulse emits PULSES_PER_REV pickup pulses per revolution.
func updateSpeedPulse(now time.Time) {
	dt := now.Sub(lastStep)
	lastStep = now

	if pulseHigh && now.Sub(pulseStart) >= time.Duration(PULSE_WIDTH_US)*time.Microsecond {
		PIN_SPEED_OUT.Low()
		pulseHigh = false
	}

	revPhase += rpm / 60 * dt.Seconds() * PULSES_PER_REV
	if revPhase >= 1 {
		revPhase -= math.Floor(revPhase)
		if !freezePulses && !pulseHigh {
			PIN_SPEED_OUT.High()
			pulseHigh = true
			pulseStart = now
		}
	}
}

// outputStatus prints one status line.
// Format: "rpm,conduction_milli,drop_zc freeze_pulses\n"
// Example: "1500,217,00\n"
func outputStatus() {
	print(int(rpm))
	print(",")
	print(int(conduction * 1000))
	print(",")
	if dropZC {
		print("1")
	} else {
		print("0")
	}
	if freezePulses {
		print("1")
	} else {
		print("0")
	}
	print("\n")
}

// processSerial reads single-character fault injection commands:
//
//	z  stop driving the zero-cross output
//	p  freeze the speed pickup
//	n  normal operation
func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		switch data {
		case 'z':
			dropZC = true
		case 'p':
			freezePulses = true
		case 'n':
			dropZC = false
			freezePulses = false
		case '\n', '\r', ' ', '\t':
			// ignore
		}
	}
}
