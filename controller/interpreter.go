// Package controller turns decoded MCU commands into axis motion and keeps
// the error and home bookkeeping the status block reports.
package controller

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/w1xm/mcu_simulator/axis"
	"github.com/w1xm/mcu_simulator/mcu"
)

// jogLead is how far ahead of the current angle a jog retargets every tick.
const jogLead = 1.0

// Config holds the interpreter's start-up orientation and fallback motion
// profile. Angles are real degrees.
type Config struct {
	Azimuth   float64
	Elevation float64

	// Default is used for any profile value a command leaves at zero.
	Default axis.Profile
}

// DefaultConfig returns the configuration of a rig parked at azimuth 0 and
// elevation 0.
func DefaultConfig() Config {
	return Config{
		Default: axis.Profile{MaxSpeed: 2, Accel: 0.9, Decel: 0.9},
	}
}

type axisState struct {
	*axis.Axis

	remaining float64
	cached    float64
	profile   axis.Profile
	mode      axis.Mode
	jog       mcu.Direction

	// active is set while a command is being carried out on the axis.
	active   bool
	homing   bool
	complete bool
	// home is the reference angle a homing move settles on.
	home float64

	invalidPosition bool
}

func (s *axisState) moveBy(delta float64, profile axis.Profile) {
	s.remaining = delta
	s.cached = delta
	s.profile = profile
	s.mode = axis.Move
	s.jog = 0
	s.homing = false
	s.active = true
	s.complete = false
}

func (s *axisState) stop() {
	// The cached displacement is kept so the stop decelerates on the
	// profile of the interrupted move.
	s.remaining = 0
	s.mode = axis.Stop
	s.jog = 0
	s.homing = false
	s.active = true
	s.complete = false
}

func (s *axisState) status() mcu.AxisStatus {
	return mcu.AxisStatus{
		Angle:           s.Angle,
		Speed:           s.Speed,
		Moving:          s.Moving,
		Accelerating:    s.Accelerating,
		Decelerating:    s.Decelerating,
		Homed:           s.Homed,
		MoveComplete:    s.complete,
		InvalidPosition: s.invalidPosition,
	}
}

// Interpreter owns both axes and applies commands to them.
//
// It is not safe for concurrent use; the simulation tick is its only caller.
type Interpreter struct {
	log      zerolog.Logger
	defaults axis.Profile

	az, el axisState

	invalidInput bool
	last         mcu.Command
}

// New returns an interpreter with both axes at rest at the configured
// orientation. Positions are invalid until the rig has been homed.
func New(cfg Config, log zerolog.Logger) *Interpreter {
	in := &Interpreter{
		log:      log.With().Str("component", "interpreter").Logger(),
		defaults: cfg.Default,
	}
	in.az = axisState{
		Axis:            axis.New("azimuth", cfg.Azimuth, axis.Limits{Wrap: true}),
		invalidPosition: true,
		mode:            axis.Stop,
	}
	in.el = axisState{
		Axis:            axis.New("elevation", mcu.InternalElevation(cfg.Elevation), axis.Limits{Min: mcu.MinElevation, Max: mcu.MaxElevation}),
		invalidPosition: true,
		mode:            axis.Stop,
	}
	in.last.Reset()
	return in
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func (in *Interpreter) profile(speed, accel, decel float64) axis.Profile {
	return axis.Profile{
		MaxSpeed: orDefault(speed, in.defaults.MaxSpeed),
		Accel:    orDefault(accel, in.defaults.Accel),
		Decel:    orDefault(decel, in.defaults.Decel),
	}
}

// Apply acts on a newly arrived command.
func (in *Interpreter) Apply(c mcu.Command) {
	// A jog lives only as long as it is the latest command.
	for _, s := range []*axisState{&in.az, &in.el} {
		if s.mode == axis.Jog {
			s.stop()
		}
	}

	if c.Ignore {
		in.log.Warn().Stringer("kind", c.Kind).Msg("ignoring unrecognised command")
		return
	}
	in.last = c
	ev := in.log.Debug()
	if c.Kind.Stops() {
		ev = in.log.Info()
	}
	ev.Stringer("kind", c.Kind).
		Float64("az_delta", c.AzimuthDelta).
		Float64("el_delta", c.ElevationDelta).
		Msg("applying command")

	azProfile := in.profile(c.AzimuthSpeed, c.AzimuthAccel, c.AzimuthDecel)
	elProfile := in.profile(c.ElevationSpeed, c.ElevationAccel, c.ElevationDecel)

	switch c.Kind {
	case mcu.RelativeMove:
		in.az.moveBy(c.AzimuthDelta, azProfile)
		in.el.moveBy(c.ElevationDelta, elProfile)
	case mcu.Home:
		in.home(&in.az, c.AzimuthHome, 0, homeDelta(in.az.Angle, c.AzimuthHome), azProfile)
		in.home(&in.el, c.ElevationHome, mcu.InternalElevation(0), mcu.InternalElevation(0)-in.el.Angle, elProfile)
	case mcu.PositiveJog, mcu.NegativeJog:
		in.jog(&in.az, c.AzimuthJog, azProfile)
		in.jog(&in.el, c.ElevationJog, elProfile)
	case mcu.ControlledStop, mcu.CancelMove:
		in.az.stop()
		in.el.stop()
	case mcu.ImmediateStop:
		for _, s := range []*axisState{&in.az, &in.el} {
			s.stop()
			s.Halt()
		}
	case mcu.ClearErrors:
		in.invalidInput = false
	case mcu.ConfigureMCU:
		in.log.Info().Msg("MCU configured")
	}
}

// homeDelta is the azimuth displacement that reaches 0° turning in dir.
func homeDelta(angle float64, dir mcu.Direction) float64 {
	if math.Abs(mcu.AngleDistance(angle, 0)) < axis.Epsilon {
		return 0
	}
	if dir < 0 {
		return -angle
	}
	return 360 - angle
}

func (in *Interpreter) home(s *axisState, dir mcu.Direction, target, delta float64, p axis.Profile) {
	if dir == 0 {
		return
	}
	s.moveBy(delta, p)
	s.homing = true
	s.home = target
}

func (in *Interpreter) jog(s *axisState, dir mcu.Direction, p axis.Profile) {
	if dir == 0 {
		return
	}
	s.mode = axis.Jog
	s.jog = dir
	s.profile = p
	s.cached = 0
	s.homing = false
	s.active = true
	s.complete = false
}

// Step advances the simulation by dt seconds.
func (in *Interpreter) Step(dt float64) {
	in.checkLimits()
	in.stepAxis(&in.az, dt)
	in.stepAxis(&in.el, dt)
}

// checkLimits flags commands that ask the elevation axis to go further past a
// hard limit it is already sitting on. The move itself is not blocked.
func (in *Interpreter) checkLimits() {
	if in.el.mode == axis.Stop {
		return
	}
	target := in.el.Angle + in.el.remaining
	if in.el.mode == axis.Jog {
		target = in.el.Angle + float64(in.el.jog)*jogLead
	}
	if (in.el.Angle >= mcu.MaxElevation && target > mcu.MaxElevation) ||
		(in.el.Angle <= mcu.MinElevation && target < mcu.MinElevation) {
		if !in.invalidInput {
			in.log.Warn().Float64("elevation", mcu.RealElevation(in.el.Angle)).
				Float64("target", mcu.RealElevation(target)).
				Msg("elevation command beyond limit")
		}
		in.invalidInput = true
	}
}

func (in *Interpreter) stepAxis(s *axisState, dt float64) {
	if s.mode == axis.Jog {
		s.remaining = float64(s.jog) * jogLead
	}
	res := s.Step(s.remaining, s.cached, s.profile, s.mode, dt)
	s.remaining = res.Remaining

	if res.Moved != 0 && !s.homing {
		s.Homed = false
	}
	if res.LimitHit {
		if !s.invalidPosition {
			in.log.Warn().Str("axis", s.Name).Float64("angle", s.Angle).Msg("limit switch hit")
		}
		s.invalidPosition = true
		s.homing = false
	}
	if s.active && s.mode != axis.Jog && s.remaining == 0 && !s.Moving {
		s.active = false
		s.complete = true
		if s.homing {
			s.homing = false
			s.Angle = s.home
			s.Homed = true
			s.invalidPosition = false
			in.log.Info().Str("axis", s.Name).Msg("homed")
		}
		if s.mode == axis.Move {
			s.mode = axis.Stop
		}
	}
}

// Status returns what the status block should report.
func (in *Interpreter) Status() mcu.Status {
	return mcu.Status{
		Azimuth:      in.az.status(),
		Elevation:    in.el.status(),
		InvalidInput: in.invalidInput,
	}
}

// LastCommand returns the most recent recognised command.
func (in *Interpreter) LastCommand() mcu.Command {
	return in.last
}
