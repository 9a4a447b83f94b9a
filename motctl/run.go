package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itohio/gomsc/pkg/config"
	"github.com/itohio/gomsc/pkg/control"
	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/hal"
	"github.com/itohio/gomsc/pkg/link"
	"github.com/itohio/gomsc/pkg/motorsim"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&configPath, "config", "config.yaml", "configuration file path")
	runCmd.Flags().StringVarP(&portOverride, "port", "p", "", "serial port override (e.g., COM3 or /dev/ttyACM0)")
	runCmd.Flags().BoolVar(&simMode, "sim", false, "drive the simulated rig instead of the GPIO board, link on stdio")
	runCmd.Flags().StringVar(&chipName, "chip", "gpiochip0", "GPIO character device")
	runCmd.Flags().Float64Var(&setpointRPM, "setpoint", 0, "initial speed setpoint in RPM")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the controller",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		if err := run(); err != nil {
			log.Fatal(err)
		}
	},
}

// board is what a hardware backend must provide. The GPIO implementation
// only builds on linux; elsewhere openBoard reports that hardware mode is
// unavailable.
type board interface {
	hal.GateDriver
	hal.ShutoffDriver
	Inputs() hal.Inputs
	Close() error
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride != "" {
		cfg.Serial.Port = portOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		inputs    hal.Inputs
		gate      hal.GateDriver
		shutoff   hal.ShutoffDriver
		closer    io.Closer
		transport io.ReadWriter
	)
	clock := time.Now

	if simMode {
		sim := motorsim.New(motorsim.Params{
			Sim:          cfg.Sim,
			FrequencyHz:  cfg.Mains.FrequencyHz,
			PulsesPerRev: cfg.Speed.PulsesPerRev,
			TempPeriod:   cfg.Temp.SamplePeriod,
		}, time.Now())
		if err := sim.Connect(); err != nil {
			return err
		}
		inputs = sim.Inputs()
		gate = sim
		shutoff = &hal.FakeShutoff{}
		closer = sim
		// The sim stamps events from its own tick-driven clock; the loop
		// must advance on the same timeline.
		clock = sim.Now
		transport = struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}
		log.Info("driving the simulated rig, link on stdio")
	} else {
		brd, err := openBoard(chipName)
		if err != nil {
			return err
		}
		port, err := link.Open(cfg.Serial)
		if err != nil {
			brd.Close()
			return err
		}
		defer port.Close()
		inputs = brd.Inputs()
		gate = brd
		shutoff = brd
		closer = brd
		transport = port
		log.WithField("port", cfg.Serial.Port).Info("driving the GPIO board")
	}
	defer closer.Close()

	loop, err := control.New(cfg, gate, shutoff)
	if err != nil {
		return err
	}
	if setpointRPM > 0 {
		applied := loop.SetSetpoint(fixpt.FromFloat(setpointRPM))
		log.WithField("rpm", applied.Float64()).Info("initial setpoint")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.RunWithClock(ctx, inputs, clock)
	}()

	srv := link.NewServer(loop, transport, cfg.Telemetry)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	stop()
	<-done
	log.Info("controller stopped")
	return nil
}
