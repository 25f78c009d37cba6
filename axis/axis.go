// Package axis models the kinematics of one rotational axis of the
// telescope mount.
package axis

import "math"

// Epsilon is the distance in degrees below which a move counts as arrived.
const Epsilon = 0.001

// Mode selects how Step interprets the remaining displacement.
type Mode int

const (
	// Move drives the axis to a destination and stops there.
	Move Mode = iota
	// Jog accelerates towards the remaining displacement indefinitely.
	Jog
	// Stop decelerates to rest; the remaining displacement is ignored.
	Stop
)

func (m Mode) String() string {
	switch m {
	case Move:
		return "move"
	case Jog:
		return "jog"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Profile is the speed limit and ramp rates of a move, in degrees/second
// and degrees/second².
type Profile struct {
	MaxSpeed float64
	Accel    float64
	Decel    float64
}

// Limits bound the angle of an axis. A wrapping axis ignores Min and Max and
// keeps its angle in [0, 360).
type Limits struct {
	Min, Max float64
	Wrap     bool
}

// Axis is the kinematic state of one axis.
type Axis struct {
	Name   string
	Limits Limits

	Angle float64
	// Speed is signed; the sign is the direction of motion.
	Speed float64

	Moving       bool
	Accelerating bool
	Decelerating bool
	Homed        bool
}

// New returns an axis at rest at angle.
func New(name string, angle float64, limits Limits) *Axis {
	a := &Axis{Name: name, Limits: limits}
	a.Angle = a.constrain(angle)
	return a
}

// Result reports what a single Step did.
type Result struct {
	// Remaining is the displacement still to go after the step.
	Remaining float64
	// Moved is the signed distance actually travelled.
	Moved float64
	// LimitHit is set when the axis ran into a hard limit and was stopped.
	LimitHit bool
}

// StoppingDistance is the distance covered while decelerating from speed to
// rest at decel.
func StoppingDistance(speed, decel float64) float64 {
	speed = math.Abs(speed)
	if decel <= 0 {
		return 0
	}
	t := speed / decel
	return speed*t - 0.5*decel*t*t
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func wrap(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	if angle >= 360 {
		angle -= 360
	}
	return angle
}

func (a *Axis) constrain(angle float64) float64 {
	if a.Limits.Wrap {
		return wrap(angle)
	}
	return math.Max(a.Limits.Min, math.Min(a.Limits.Max, angle))
}

// towardZero reduces |speed| by decel*dt without changing its sign.
func towardZero(speed, decel, dt float64) float64 {
	if decel <= 0 {
		return 0
	}
	next := speed - sign(speed)*decel*dt
	if sign(next) != sign(speed) {
		return 0
	}
	return next
}

// Step advances the axis by dt seconds.
//
// remaining is the displacement still to travel and cached the displacement
// of the whole move when it was commanded; their ratio is the ramp progress.
// The axis accelerates during the first half of a move and decelerates once
// its stopping distance reaches the remaining distance. Jogs always
// accelerate, stops always decelerate.
func (a *Axis) Step(remaining, cached float64, p Profile, mode Mode, dt float64) Result {
	if dt <= 0 {
		return Result{Remaining: remaining}
	}

	var progress, dir float64
	switch mode {
	case Jog:
		progress = 0
		dir = sign(remaining)
	case Stop:
		progress = 1
		dir = sign(a.Speed)
		remaining = 0
	default:
		progress = 1
		if cached != 0 {
			progress = 1 - math.Abs(remaining)/math.Abs(cached)
		}
		dir = sign(remaining)
	}

	start := remaining
	speed := a.Speed
	accelerating, decelerating := false, false
	switch {
	case progress <= 0.5 && dir != 0:
		speed += dir * p.Accel * dt
		if math.Abs(speed) >= p.MaxSpeed {
			speed = sign(speed) * math.Max(p.MaxSpeed, 0)
		}
		accelerating = math.Abs(speed) != p.MaxSpeed
	case speed != 0 && (progress >= 1 || StoppingDistance(speed, p.Decel) >= math.Abs(remaining)):
		speed = towardZero(speed, p.Decel, dt)
		decelerating = true
	}

	if mode == Move && remaining != 0 && progress > 0.5 {
		// Never come to rest short of the destination: finish at the
		// slowest speed one tick of deceleration can reach.
		floor := p.Decel * dt
		if p.Decel <= 0 {
			floor = p.Accel * dt
		}
		floor = math.Min(floor, p.MaxSpeed)
		if sign(speed) != dir || math.Abs(speed) < floor {
			speed = dir * floor
		}
	}

	disp := speed * dt
	arrived := false
	if mode == Move && remaining != 0 && sign(disp) == dir && math.Abs(disp) >= math.Abs(remaining) {
		disp = remaining
		arrived = true
	}

	res := Result{}
	next := a.Angle + disp
	if a.Limits.Wrap {
		a.Angle = wrap(next)
	} else {
		clamped := a.constrain(next)
		if clamped != next {
			// The hard limit absorbed part of the step; only the distance
			// up to the limit was travelled and the limit switch stops the
			// axis.
			disp = clamped - a.Angle
			speed = 0
			remaining = 0
			res.LimitHit = true
		}
		a.Angle = clamped
	}
	res.Moved = disp

	if mode != Stop && !res.LimitHit {
		remaining -= disp
	}
	if arrived || math.Abs(remaining) < Epsilon {
		if mode == Move && !arrived && !res.LimitHit && remaining != 0 {
			// Cover the last sliver so the axis rests on the destination.
			before := a.Angle
			a.Angle = a.constrain(a.Angle + remaining)
			if a.Limits.Wrap {
				res.Moved += remaining
			} else {
				res.Moved += a.Angle - before
			}
		}
		remaining = 0
		if mode == Move && start != 0 {
			speed = 0
		}
	}
	res.Remaining = remaining

	a.Speed = speed
	a.Moving = speed != 0
	a.Accelerating = a.Moving && accelerating
	a.Decelerating = a.Moving && decelerating && !accelerating
	return res
}

// Halt zeroes the speed immediately.
func (a *Axis) Halt() {
	a.Speed = 0
	a.Moving = false
	a.Accelerating = false
	a.Decelerating = false
}
