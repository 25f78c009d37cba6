// Package sim runs the emulated MCU: a fixed-rate tick that decodes the
// command block, advances both axes and publishes the status block, next to
// the transport that lets the control room at the registers.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mcu_simulator/controller"
	"github.com/w1xm/mcu_simulator/internal/metrics"
	"github.com/w1xm/mcu_simulator/mcu"
	"github.com/w1xm/mcu_simulator/rotator"
)

// DefaultTick is the simulation step used when Config.Tick is zero.
const DefaultTick = 20 * time.Millisecond

// testMoveQueue bounds operator test moves waiting for the next tick.
const testMoveQueue = 16

// ErrBusy is returned when too many test moves are already waiting.
var ErrBusy = errors.New("test move queue full")

// Transport serves the register store until ctx is done, closing its
// sockets before it returns.
type Transport interface {
	Serve(ctx context.Context) error
}

type Config struct {
	Tick time.Duration
	// Latitude of the site in degrees, for the equatorial readout.
	Latitude   float64
	Controller controller.Config
}

// AxisStatus is one axis as shown to operators. Angles are real degrees.
type AxisStatus struct {
	Position float64
	Velocity float64

	Moving          bool
	Accelerating    bool
	Decelerating    bool
	Homed           bool
	MoveComplete    bool
	InvalidPosition bool
}

// Status is the operator view of the emulator after a tick.
type Status struct {
	Azimuth   AxisStatus
	Elevation AxisStatus

	InvalidInput bool

	HourAngle   float64
	Declination float64

	LastCommand string
	Tick        uint64
	// Registers is the status block as the control room reads it.
	Registers []uint16
}

func (s Status) AzimuthPosition() float64 {
	return s.Azimuth.Position
}

func (s Status) ElevationPosition() float64 {
	return s.Elevation.Position
}

func (s Status) Clone() rotator.Status {
	s.Registers = append([]uint16(nil), s.Registers...)
	return s
}

// Simulator owns the interpreter and drives it from the register store.
type Simulator struct {
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Collector
	store     *mcu.Store
	transport Transport

	// Owned by the tick.
	interp *controller.Interpreter
	last   mcu.Snapshot
	ticks  uint64

	testMoves chan controller.TestMove

	mu     sync.Mutex
	status Status

	// StatusCallback, if set, is called after every tick. It must not
	// block.
	StatusCallback rotator.StatusCallback
}

// New returns a simulator over store. transport may be nil for a purely
// stepped simulation.
func New(cfg Config, store *mcu.Store, transport Transport, log zerolog.Logger, m *metrics.Collector) *Simulator {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	s := &Simulator{
		cfg:       cfg,
		log:       log.With().Str("component", "sim").Logger(),
		metrics:   m,
		store:     store,
		transport: transport,
		interp:    controller.New(cfg.Controller, log),
		testMoves: make(chan controller.TestMove, testMoveQueue),
	}
	s.publish(s.interp.Status())
	return s
}

// Run ticks at the configured rate and serves the transport until ctx is
// done. It returns only after the transport has closed its sockets, so the
// store may be discarded once Run returns.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dt := s.cfg.Tick.Seconds()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.Step(dt)
		}
	})
	if s.transport != nil {
		g.Go(func() error {
			return s.transport.Serve(ctx)
		})
	}
	s.log.Info().Dur("tick", s.cfg.Tick).Msg("simulation running")
	err := g.Wait()
	s.log.Info().Msg("simulation stopped")
	return err
}

// Step advances the simulation by dt seconds. A command block that differs
// from the one seen on the previous tick, including an identical rewrite, is
// decoded and applied first.
func (s *Simulator) Step(dt float64) {
	snap := s.store.Commands()
	if !snap.Equal(s.last) {
		s.last = snap
		c := mcu.Decode(snap.Words[:])
		s.metrics.Command(c.Kind.String())
		s.interp.Apply(c)
	}
	s.drainTestMoves()

	s.interp.Step(dt)
	s.ticks++
	s.metrics.Tick()

	st := s.interp.Status()
	s.store.UpdateStatus(st)
	status := s.publish(st)
	if s.StatusCallback != nil {
		s.StatusCallback(status)
	}
}

func (s *Simulator) drainTestMoves() {
	for {
		select {
		case m := <-s.testMoves:
			c := s.interp.TestMove(m)
			s.metrics.Command(c.Kind.String())
		default:
			return
		}
	}
}

func axisStatus(a mcu.AxisStatus, position float64) AxisStatus {
	return AxisStatus{
		Position:        position,
		Velocity:        a.Speed,
		Moving:          a.Moving,
		Accelerating:    a.Accelerating,
		Decelerating:    a.Decelerating,
		Homed:           a.Homed,
		MoveComplete:    a.MoveComplete,
		InvalidPosition: a.InvalidPosition,
	}
}

func (s *Simulator) publish(st mcu.Status) Status {
	status := Status{
		Azimuth:      axisStatus(st.Azimuth, st.Azimuth.Angle),
		Elevation:    axisStatus(st.Elevation, mcu.RealElevation(st.Elevation.Angle)),
		InvalidInput: st.InvalidInput,
		LastCommand:  s.interp.LastCommand().Kind.String(),
		Tick:         s.ticks,
		Registers:    s.store.StatusBlock(),
	}
	status.HourAngle, status.Declination = rotator.Equatorial(status.Azimuth.Position, status.Elevation.Position, s.cfg.Latitude)

	s.metrics.Axis("azimuth", status.Azimuth.Position, status.Azimuth.Velocity)
	s.metrics.Axis("elevation", status.Elevation.Position, status.Elevation.Velocity)

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return status
}

// Status returns the status published by the latest tick.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone().(Status)
}

// TestMove queues an operator test move for the next tick. Out-of-range
// values are clamped; non-finite values are rejected.
func (s *Simulator) TestMove(azimuth, elevation, speed float64) error {
	m, err := controller.NewTestMove(azimuth, elevation, speed)
	if err != nil {
		s.metrics.TestMove("rejected")
		return err
	}
	return s.queue(m)
}

func (s *Simulator) queue(m controller.TestMove) error {
	select {
	case s.testMoves <- m:
		s.metrics.TestMove("accepted")
		s.log.Info().Float64("azimuth", m.Azimuth).Float64("elevation", m.Elevation).Msg("test move queued")
		return nil
	default:
		s.metrics.TestMove("dropped")
		return ErrBusy
	}
}

// ParseTestMove queues a test move from operator text fields.
func (s *Simulator) ParseTestMove(azimuth, elevation, speed string) error {
	m, err := controller.ParseTestMove(azimuth, elevation, speed)
	if err != nil {
		s.metrics.TestMove("rejected")
		return err
	}
	return s.queue(m)
}

// Store returns the register store the simulator reads and writes.
func (s *Simulator) Store() *mcu.Store {
	return s.store
}
