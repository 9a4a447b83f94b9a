// Package link implements the debug and telemetry link. Frames are CSV
// lines: the controller periodically emits telemetry records and accepts a
// small command set back. Malformed or out-of-range commands are counted and
// rejected without ever touching the control loop.
//
// Commands:
//
//	s,<rpm>          set the speed setpoint (clamped by the loop)
//	g,<kp>,<ki>,<kd> set the regulator gains (validated by the loop)
//	r                reset the safety latch
//	q                emit a telemetry line immediately
package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/gomsc/pkg/config"
	"github.com/itohio/gomsc/pkg/control"
	"github.com/itohio/gomsc/pkg/fixpt"
	"github.com/itohio/gomsc/pkg/pid"
	"github.com/itohio/gomsc/pkg/telemetry"
)

// Controller is the bounded command surface the link is allowed to drive.
type Controller interface {
	Snapshot() control.Snapshot
	SetSetpoint(rpm fixpt.Fix) fixpt.Fix
	SetGains(p pid.Params) error
	ResetLatch(now time.Time)
}

var _ Controller = (*control.Loop)(nil)

// Server services one link transport.
type Server struct {
	ctl Controller
	rw  io.ReadWriter
	cfg config.TelemetryConfig

	writeMu sync.Mutex

	mu       sync.Mutex
	commErrs uint32
}

// NewServer builds a server over any line transport: a serial port in the
// field, an in-memory pipe in tests.
func NewServer(ctl Controller, rw io.ReadWriter, cfg config.TelemetryConfig) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Server{ctl: ctl, rw: rw, cfg: cfg}
}

// CommErrors returns the number of rejected inbound commands.
func (s *Server) CommErrors() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commErrs
}

// Run services the link until the context ends. The caller closes the
// transport to unblock the inbound reader.
func (s *Server) Run(ctx context.Context) error {
	go s.readCommands(ctx)

	snaps := make(chan control.Snapshot, 16)
	records := telemetry.NewConverter(16)(snaps)
	if s.cfg.AverageSamples > 0 {
		records = telemetry.NewAveragingConverter(s.cfg.AverageSamples, 16)(records)
	}

	go func() {
		for rec := range records {
			s.writeLine(formatRecord(rec))
		}
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer close(snaps)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case snaps <- s.ctl.Snapshot():
			default:
			}
		}
	}
}

// readCommands parses inbound lines until the transport or context ends.
func (s *Server) readCommands(ctx context.Context) {
	scanner := bufio.NewScanner(s.rw)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.handle(line); err != nil {
			n := s.countError()
			log.WithError(err).WithField("line", line).Warn("rejected link command")
			s.writeLine(fmt.Sprintf("err,%d", n))
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF && ctx.Err() == nil {
		log.WithError(err).Warn("link read failed")
	}
}

func (s *Server) handle(line string) error {
	parts := strings.Split(line, ",")
	switch parts[0] {
	case "s":
		if len(parts) != 2 {
			return fmt.Errorf("setpoint needs 1 argument, got %d", len(parts)-1)
		}
		rpm, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return fmt.Errorf("bad setpoint: %w", err)
		}
		applied := s.ctl.SetSetpoint(fixpt.FromFloat(rpm))
		s.writeLine(fmt.Sprintf("ok,s,%s", applied))
		return nil

	case "g":
		if len(parts) != 4 {
			return fmt.Errorf("gains need 3 arguments, got %d", len(parts)-1)
		}
		var gains [3]float64
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(parts[i+1], 64)
			if err != nil {
				return fmt.Errorf("bad gain: %w", err)
			}
			gains[i] = v
		}
		err := s.ctl.SetGains(pid.Params{
			Kp: fixpt.FromFloat(gains[0]),
			Ki: fixpt.FromFloat(gains[1]),
			Kd: fixpt.FromFloat(gains[2]),
		})
		if err != nil {
			return err
		}
		s.writeLine("ok,g")
		return nil

	case "r":
		if len(parts) != 1 {
			return fmt.Errorf("reset takes no arguments")
		}
		s.ctl.ResetLatch(time.Now())
		s.writeLine("ok,r")
		return nil

	case "q":
		if len(parts) != 1 {
			return fmt.Errorf("query takes no arguments")
		}
		s.writeLine(formatRecord(telemetry.FromSnapshot(s.ctl.Snapshot())))
		return nil

	default:
		return fmt.Errorf("unknown command %q", parts[0])
	}
}

func (s *Server) countError() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commErrs++
	return s.commErrs
}

func (s *Server) writeLine(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.rw, line+"\n"); err != nil {
		log.WithError(err).Warn("link write failed")
	}
}

// formatRecord renders one telemetry record as a CSV line.
// Format: t,unix_micros,setpoint,rpm,stale,angle,motor_cel,ctl_cel,mains,faults,latched
func formatRecord(r telemetry.Record) string {
	return fmt.Sprintf("t,%d,%.1f,%.1f,%d,%.2f,%.1f,%.1f,%s,%s,%d",
		r.Timestamp.UnixMicro(),
		r.SetpointRPM,
		r.MeasuredRPM,
		boolDigit(r.SpeedStale),
		r.AngleDeg,
		r.MotorCel,
		r.CtlCel,
		r.Mains,
		r.Faults,
		boolDigit(r.Latched),
	)
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
