package controller

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/w1xm/mcu_simulator/mcu"
)

// ErrInvalidTestMove is returned for operator input that is not a number.
var ErrInvalidTestMove = errors.New("invalid test move")

// Operator test-move ranges, in real degrees.
const (
	MinTestAzimuth   = 0
	MaxTestAzimuth   = 360
	MinTestElevation = -15
	MaxTestElevation = 95
)

// TestMove is an operator request to point the rig at an absolute
// orientation. Angles are real degrees and Speed is degrees/second; zero
// speed uses the default profile.
type TestMove struct {
	Azimuth   float64
	Elevation float64
	Speed     float64
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// NewTestMove validates and clamps an operator request.
func NewTestMove(az, el, speed float64) (TestMove, error) {
	for _, v := range []float64{az, el, speed} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return TestMove{}, fmt.Errorf("%w: %v is not a finite number", ErrInvalidTestMove, v)
		}
	}
	return TestMove{
		Azimuth:   clamp(az, MinTestAzimuth, MaxTestAzimuth),
		Elevation: clamp(el, MinTestElevation, MaxTestElevation),
		Speed:     math.Max(speed, 0),
	}, nil
}

// ParseTestMove parses operator text fields. An empty speed means the
// default speed.
func ParseTestMove(az, el, speed string) (TestMove, error) {
	parse := func(name, s string) (float64, error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q", ErrInvalidTestMove, name, s)
		}
		return v, nil
	}
	a, err := parse("azimuth", az)
	if err != nil {
		return TestMove{}, err
	}
	e, err := parse("elevation", el)
	if err != nil {
		return TestMove{}, err
	}
	var v float64
	if strings.TrimSpace(speed) != "" {
		if v, err = parse("speed", speed); err != nil {
			return TestMove{}, err
		}
	}
	return NewTestMove(a, e, v)
}

// testMoveCommand builds the relative move that takes the rig from its current
// orientation to m along the shortest path.
func (in *Interpreter) testMoveCommand(m TestMove) mcu.Command {
	azDelta := mcu.AngleDistance(m.Azimuth, in.az.Angle)
	elDelta := mcu.AngleDistance(mcu.InternalElevation(m.Elevation), in.el.Angle)
	return mcu.Command{
		Kind:                 mcu.RelativeMove,
		AzimuthDelta:         azDelta,
		ElevationDelta:       elDelta,
		CachedAzimuthDelta:   azDelta,
		CachedElevationDelta: elDelta,
		AzimuthSpeed:         m.Speed,
		ElevationSpeed:       m.Speed,
	}
}

// TestMove applies an operator test move and returns the synthetic command
// it was turned into.
func (in *Interpreter) TestMove(m TestMove) mcu.Command {
	c := in.testMoveCommand(m)
	in.log.Info().Float64("azimuth", m.Azimuth).
		Float64("elevation", m.Elevation).
		Float64("speed", m.Speed).
		Msg("test move")
	in.Apply(c)
	return c
}
