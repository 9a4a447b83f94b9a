// Package config loads and saves the controller configuration. Missing files
// and missing fields fall back to defaults, so a bare deployment runs with
// the board values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the controller configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Mains     MainsConfig     `yaml:"mains"`
	PID       PIDConfig       `yaml:"pid"`
	Speed     SpeedConfig     `yaml:"speed"`
	Temp      TempConfig      `yaml:"temp"`
	Triac     TriacConfig     `yaml:"triac"`
	Safety    SafetyConfig    `yaml:"safety"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sim       SimConfig       `yaml:"sim"`
}

// SerialConfig contains the debug link serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// MainsConfig contains zero-cross detection parameters.
type MainsConfig struct {
	FrequencyHz      int32 `yaml:"frequency_hz"`
	TolerancePercent int32 `yaml:"tolerance_percent"`
	FilterDiv        uint8 `yaml:"filter_div"`
}

// PIDConfig contains the regulator gains and output limits.
type PIDConfig struct {
	Kp            float64 `yaml:"kp"`
	Ki            float64 `yaml:"ki"`
	Kd            float64 `yaml:"kd"`
	MinAngleDeg   int32   `yaml:"min_angle_deg"`
	MaxAngleDeg   int32   `yaml:"max_angle_deg"`
	MaxRPM        int32   `yaml:"max_rpm"`
	DerivativeDiv uint8   `yaml:"derivative_div"`
}

// SpeedConfig contains speed pickup parameters.
type SpeedConfig struct {
	PulsesPerRev int32         `yaml:"pulses_per_rev"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	FilterDiv    uint8         `yaml:"filter_div"`
}

// TempConfig contains temperature thresholds in whole degrees Celsius.
type TempConfig struct {
	WarnCelsius       int32         `yaml:"warn_celsius"`
	ShutdownCelsius   int32         `yaml:"shutdown_celsius"`
	HysteresisCelsius int32         `yaml:"hysteresis_celsius"`
	FilterDiv         uint8         `yaml:"filter_div"`
	SamplePeriod      time.Duration `yaml:"sample_period"`
}

// TriacConfig contains gate pulse parameters.
type TriacConfig struct {
	PulseWidth time.Duration `yaml:"pulse_width"`
	Margin     time.Duration `yaml:"margin"`
}

// SafetyConfig contains the fault latch budgets.
type SafetyConfig struct {
	RepeatErrStep uint16        `yaml:"repeat_err_step"`
	RepeatLimit   uint16        `yaml:"repeat_limit"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	// StallGrace is how long commanded power with a stale speed reading is
	// tolerated before it counts as a stall, covering spin-up from rest.
	StallGrace time.Duration `yaml:"stall_grace"`
}

// TelemetryConfig contains debug link output parameters.
type TelemetryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	AverageSamples int           `yaml:"average_samples"`
}

// SimConfig contains the simulated motor plant constants.
type SimConfig struct {
	// GainRPM is the steady-state speed at full conduction.
	GainRPM float64 `yaml:"gain_rpm"`
	// TimeConstant is the mechanical lag of the plant.
	TimeConstant time.Duration `yaml:"time_constant"`
	// AmbientCelsius is the resting motor temperature.
	AmbientCelsius float64 `yaml:"ambient_celsius"`
	// HeatingCelsius is the temperature rise above ambient at full power.
	HeatingCelsius float64 `yaml:"heating_celsius"`
	// ThermalTimeConstant is the lag of the temperature rise.
	ThermalTimeConstant time.Duration `yaml:"thermal_time_constant"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Mains: MainsConfig{
			FrequencyHz:      50,
			TolerancePercent: 10,
			FilterDiv:        4,
		},
		PID: PIDConfig{
			Kp:            0.01,
			Ki:            0.05,
			Kd:            0.0,
			MinAngleDeg:   0,
			MaxAngleDeg:   180,
			MaxRPM:        3000,
			DerivativeDiv: 2,
		},
		Speed: SpeedConfig{
			PulsesPerRev: 4,
			MaxInterval:  500 * time.Millisecond,
			FilterDiv:    2,
		},
		Temp: TempConfig{
			WarnCelsius:       80,
			ShutdownCelsius:   100,
			HysteresisCelsius: 20,
			FilterDiv:         16,
			SamplePeriod:      100 * time.Millisecond,
		},
		Triac: TriacConfig{
			PulseWidth: 64 * time.Microsecond,
			Margin:     150 * time.Microsecond,
		},
		Safety: SafetyConfig{
			RepeatErrStep: 3,
			RepeatLimit:   120,
			CheckTimeout:  100 * time.Millisecond,
			StallGrace:    2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Interval:       100 * time.Millisecond,
			AverageSamples: 0,
		},
		Sim: SimConfig{
			GainRPM:             24000,
			TimeConstant:        200 * time.Millisecond,
			AmbientCelsius:      25,
			HeatingCelsius:      90,
			ThermalTimeConstant: 30 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Mains.FrequencyHz == 0 {
		c.Mains.FrequencyHz = def.Mains.FrequencyHz
	}
	if c.Mains.TolerancePercent == 0 {
		c.Mains.TolerancePercent = def.Mains.TolerancePercent
	}
	if c.Mains.FilterDiv == 0 {
		c.Mains.FilterDiv = def.Mains.FilterDiv
	}

	if c.PID.Kp == 0 && c.PID.Ki == 0 && c.PID.Kd == 0 {
		c.PID.Kp = def.PID.Kp
		c.PID.Ki = def.PID.Ki
		c.PID.Kd = def.PID.Kd
	}
	if c.PID.MaxAngleDeg == 0 {
		c.PID.MaxAngleDeg = def.PID.MaxAngleDeg
	}
	if c.PID.MaxRPM == 0 {
		c.PID.MaxRPM = def.PID.MaxRPM
	}
	if c.PID.DerivativeDiv == 0 {
		c.PID.DerivativeDiv = def.PID.DerivativeDiv
	}

	if c.Speed.PulsesPerRev == 0 {
		c.Speed.PulsesPerRev = def.Speed.PulsesPerRev
	}
	if c.Speed.MaxInterval == 0 {
		c.Speed.MaxInterval = def.Speed.MaxInterval
	}
	if c.Speed.FilterDiv == 0 {
		c.Speed.FilterDiv = def.Speed.FilterDiv
	}

	if c.Temp.WarnCelsius == 0 {
		c.Temp.WarnCelsius = def.Temp.WarnCelsius
	}
	if c.Temp.ShutdownCelsius == 0 {
		c.Temp.ShutdownCelsius = def.Temp.ShutdownCelsius
	}
	if c.Temp.HysteresisCelsius == 0 {
		c.Temp.HysteresisCelsius = def.Temp.HysteresisCelsius
	}
	if c.Temp.FilterDiv == 0 {
		c.Temp.FilterDiv = def.Temp.FilterDiv
	}
	if c.Temp.SamplePeriod == 0 {
		c.Temp.SamplePeriod = def.Temp.SamplePeriod
	}

	if c.Triac.PulseWidth == 0 {
		c.Triac.PulseWidth = def.Triac.PulseWidth
	}
	if c.Triac.Margin == 0 {
		c.Triac.Margin = def.Triac.Margin
	}

	if c.Safety.RepeatErrStep == 0 {
		c.Safety.RepeatErrStep = def.Safety.RepeatErrStep
	}
	if c.Safety.RepeatLimit == 0 {
		c.Safety.RepeatLimit = def.Safety.RepeatLimit
	}
	if c.Safety.CheckTimeout == 0 {
		c.Safety.CheckTimeout = def.Safety.CheckTimeout
	}
	if c.Safety.StallGrace == 0 {
		c.Safety.StallGrace = def.Safety.StallGrace
	}

	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = def.Telemetry.Interval
	}

	if c.Sim.GainRPM == 0 {
		c.Sim.GainRPM = def.Sim.GainRPM
	}
	if c.Sim.TimeConstant == 0 {
		c.Sim.TimeConstant = def.Sim.TimeConstant
	}
	if c.Sim.AmbientCelsius == 0 {
		c.Sim.AmbientCelsius = def.Sim.AmbientCelsius
	}
	if c.Sim.HeatingCelsius == 0 {
		c.Sim.HeatingCelsius = def.Sim.HeatingCelsius
	}
	if c.Sim.ThermalTimeConstant == 0 {
		c.Sim.ThermalTimeConstant = def.Sim.ThermalTimeConstant
	}
}
