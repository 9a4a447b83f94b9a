//go:build tinygo

package main

import "machine"

const (
	// Simulated mains
	MAINS_FREQUENCY_HZ = 50
	HALF_PERIOD_US     = 1000000 / (2 * MAINS_FREQUENCY_HZ)
	ZC_PULSE_US        = 1000 // comparator pulse width, one rising edge per crossing

	// Simulated plant
	GAIN_RPM         = 24000 // steady-state speed at full conduction
	TIME_CONSTANT_MS = 200   // mechanical lag
	PULSES_PER_REV   = 4
	PULSE_WIDTH_US   = 500 // speed pickup pulse width

	// Status output interval
	STATUS_INTERVAL_MS = 500

	// Zero-cross square wave output (wired to the controller's comparator input)
	PIN_ZC_OUT = machine.D7

	// Triac gate trigger input (wired to the controller's gate output)
	PIN_TRIGGER_IN = machine.D8

	// Speed pickup pulse output
	PIN_SPEED_OUT = machine.D9

	// Serial configuration
	// Status format: "rpm,conduction_milli,flags\n" = ~20 bytes max per line
	// 2 outputs/sec * 20 bytes/line = 40 bytes/sec, 115200 baud is plenty
	UART_BAUD_RATE = 115200
)
