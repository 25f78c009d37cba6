package mcu

import "fmt"

// Kind identifies the decoded intent of a command block.
type Kind int

const (
	Unknown Kind = iota
	RelativeMove
	PositiveJog
	NegativeJog
	Home
	ConfigureMCU
	ClearErrors
	ControlledStop
	ImmediateStop
	CancelMove
)

var kindNames = map[Kind]string{
	Unknown:        "unknown",
	RelativeMove:   "relative_move",
	PositiveJog:    "positive_jog",
	NegativeJog:    "negative_jog",
	Home:           "home",
	ConfigureMCU:   "configure_mcu",
	ClearErrors:    "clear_errors",
	ControlledStop: "controlled_stop",
	ImmediateStop:  "immediate_stop",
	CancelMove:     "cancel_move",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Moves reports whether the kind drives an axis towards a destination or
// along a jog, as opposed to stopping or configuring.
func (k Kind) Moves() bool {
	switch k {
	case RelativeMove, PositiveJog, NegativeJog, Home:
		return true
	}
	return false
}

// Stops reports whether the kind brings the axes to rest.
func (k Kind) Stops() bool {
	switch k {
	case ControlledStop, ImmediateStop, CancelMove:
		return true
	}
	return false
}

// Direction is the sign of a jog or home move on one axis: -1, 0 or +1.
type Direction int

// Command is the decoded content of the command block.
//
// All angles are degrees, speeds degrees/second and profile values
// degrees/second². Elevation values are already expressed in the internal
// frame's sign convention.
type Command struct {
	Kind Kind

	AzimuthDelta   float64
	ElevationDelta float64

	AzimuthSpeed   float64
	ElevationSpeed float64
	AzimuthAccel   float64
	ElevationAccel float64
	AzimuthDecel   float64
	ElevationDecel float64

	// Cached deltas hold the displacement captured when the command arrived
	// and drive ramp progress.
	CachedAzimuthDelta   float64
	CachedElevationDelta float64

	// Per-axis jog and home directions. Zero means the axis is not addressed.
	AzimuthJog    Direction
	ElevationJog  Direction
	AzimuthHome   Direction
	ElevationHome Direction

	// Ignore is set until a recognised command decodes.
	Ignore bool
}

// Reset returns c to the ignored, unknown state.
func (c *Command) Reset() {
	*c = Command{Kind: Unknown, Ignore: true}
}
