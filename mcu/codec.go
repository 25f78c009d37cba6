package mcu

import "math"

// StepsToDegrees converts a motor step count into output degrees for the
// given gearing ratio.
func StepsToDegrees(steps float64, gearing float64) float64 {
	return steps * 360 / (StepsPerRev * gearing)
}

// DegreesToSteps is the inverse of StepsToDegrees, rounded to the nearest
// whole step.
func DegreesToSteps(degrees float64, gearing float64) int32 {
	return int32(math.Round(degrees * StepsPerRev * gearing / 360))
}

// repeat wraps t into [0, length).
func repeat(t, length float64) float64 {
	r := t - math.Floor(t/length)*length
	if r >= length {
		r -= length
	}
	return r
}

// AngleDistance returns the signed shortest rotation in degrees that takes b
// to a. The result is in [-180, 180).
func AngleDistance(a, b float64) float64 {
	return repeat(a-b+180, 360) - 180
}

func join32(msw, lsw uint16) uint32 {
	return uint32(msw)<<16 + uint32(lsw)
}

func split32(v uint32) (msw, lsw uint16) {
	return uint16(v >> 16), uint16(v)
}

// Decode turns a command block (azimuth sub-block followed by the elevation
// sub-block) into a Command. Word patterns that match no command code decode
// as an ignored Unknown command.
func Decode(words []uint16) Command {
	var c Command
	c.Reset()
	if len(words) < AxisBlockWords {
		return c
	}
	az := words[AzimuthOffset : AzimuthOffset+BlockSize]
	el := words[ElevationOffset : ElevationOffset+BlockSize]

	either := func(code uint16) bool {
		return az[InFirstWord] == code || el[InFirstWord] == code
	}

	switch {
	case either(CodeConfigureMCU):
		c.Kind = ConfigureMCU
	case either(CodeClearErrors):
		c.Kind = ClearErrors
	case either(CodeImmediateStop):
		c.Kind = ImmediateStop
	case either(CodeControlledStop):
		c.Kind = ControlledStop
	case either(CodeRelativeMove):
		c.Kind = RelativeMove
		if az[InFirstWord] == CodeRelativeMove {
			c.AzimuthDelta = StepsToDegrees(float64(int32(join32(az[InPositionMSW], az[InPositionLSW]))), AzimuthGearing)
		}
		if el[InFirstWord] == CodeRelativeMove {
			// The elevation motor turns the opposite way to the axis.
			c.ElevationDelta = -StepsToDegrees(float64(int32(join32(el[InPositionMSW], el[InPositionLSW]))), ElevationGearing)
		}
		c.CachedAzimuthDelta = c.AzimuthDelta
		c.CachedElevationDelta = c.ElevationDelta
	case either(CodeClockwiseHome) || either(CodeCounterclockwiseHome):
		c.Kind = Home
		c.AzimuthHome = homeDirection(az[InFirstWord])
		c.ElevationHome = homeDirection(el[InFirstWord])
	case either(CodePositiveJog) || either(CodeNegativeJog):
		c.AzimuthJog = jogDirection(az[InFirstWord])
		c.ElevationJog = -jogDirection(el[InFirstWord])
		lead := az[InFirstWord]
		if c.AzimuthJog == 0 {
			lead = el[InFirstWord]
		}
		c.Kind = PositiveJog
		if lead == CodeNegativeJog {
			c.Kind = NegativeJog
		}
	case el[InSecondWord] == CodeCancelMove:
		c.Kind = CancelMove
	default:
		return c
	}

	c.Ignore = false
	if c.Kind.Moves() {
		c.AzimuthSpeed = StepsToDegrees(float64(join32(az[InSpeedMSW], az[InSpeedLSW])), AzimuthGearing)
		c.ElevationSpeed = StepsToDegrees(float64(join32(el[InSpeedMSW], el[InSpeedLSW])), ElevationGearing)
		c.AzimuthAccel = StepsToDegrees(float64(az[InAcceleration]), ProfileGearing)
		c.ElevationAccel = StepsToDegrees(float64(el[InAcceleration]), ProfileGearing)
		c.AzimuthDecel = StepsToDegrees(float64(az[InDeceleration]), ProfileGearing)
		c.ElevationDecel = StepsToDegrees(float64(el[InDeceleration]), ProfileGearing)
	}
	return c
}

func homeDirection(word uint16) Direction {
	switch word {
	case CodeClockwiseHome:
		return 1
	case CodeCounterclockwiseHome:
		return -1
	}
	return 0
}

func jogDirection(word uint16) Direction {
	switch word {
	case CodePositiveJog:
		return 1
	case CodeNegativeJog:
		return -1
	}
	return 0
}

// AxisStatus is the externally visible state of one axis.
type AxisStatus struct {
	// Angle is in degrees; elevation uses the internal frame.
	Angle float64
	Speed float64

	Moving       bool
	Accelerating bool
	Decelerating bool
	Homed        bool
	MoveComplete bool

	InvalidPosition bool
}

// Status is everything the status block reports.
type Status struct {
	Azimuth   AxisStatus
	Elevation AxisStatus

	InvalidInput bool
}

func setBits(word, mask uint16, on bool) uint16 {
	if on {
		return word | mask
	}
	return word &^ mask
}

func encodeAxis(block []uint16, a AxisStatus, steps int32, invalidInput bool) {
	state := block[OutStateBits]
	state = setBits(state, StateCWMotion, a.Speed > 0)
	state = setBits(state, StateCCWMotion, a.Speed < 0)
	state = setBits(state, StateAccelerating, a.Moving && a.Accelerating)
	state = setBits(state, StateDecelerating, a.Moving && a.Decelerating)
	state = setBits(state, StateHomed, a.Homed)
	state = setBits(state, StateInvalidInput, invalidInput)
	state = setBits(state, StateInvalidPosition, a.InvalidPosition)
	block[OutStateBits] = state

	status := block[OutStatusBits] &^ (StatusMoveComplete | StatusMoving)
	if a.Moving {
		status |= StatusMoving
	} else if a.MoveComplete {
		status |= StatusMoveComplete
	}
	block[OutStatusBits] = status

	msw, lsw := split32(uint32(steps))
	block[OutPositionMSW], block[OutPositionLSW] = msw, lsw
	block[OutEncoderMSW], block[OutEncoderLSW] = msw, lsw
}

// Encode packs s into a status block.
func Encode(s Status) []uint16 {
	words := make([]uint16, AxisBlockWords)
	EncodeInto(words, s)
	return words
}

// EncodeInto updates an existing status block in place. Bits not owned by
// the status are preserved.
func EncodeInto(words []uint16, s Status) {
	encodeAxis(words[AzimuthOffset:AzimuthOffset+BlockSize], s.Azimuth,
		DegreesToSteps(s.Azimuth.Angle, AzimuthGearing), s.InvalidInput)
	encodeAxis(words[ElevationOffset:ElevationOffset+BlockSize], s.Elevation,
		-DegreesToSteps(RealElevation(s.Elevation.Angle), ElevationGearing), s.InvalidInput)
}

func parseAxis(block []uint16) (AxisStatus, int32) {
	state := block[OutStateBits]
	status := block[OutStatusBits]
	a := AxisStatus{
		Moving:          status&StatusMoving != 0,
		MoveComplete:    status&StatusMoveComplete != 0,
		Accelerating:    state&StateAccelerating != 0,
		Decelerating:    state&StateDecelerating != 0,
		Homed:           state&StateHomed != 0,
		InvalidPosition: state&StateInvalidPosition != 0,
	}
	return a, int32(join32(block[OutPositionMSW], block[OutPositionLSW]))
}

// ParseStatus is the inverse of Encode. Speeds are not carried by the status
// block and are returned as zero.
func ParseStatus(words []uint16) Status {
	var s Status
	if len(words) < AxisBlockWords {
		return s
	}
	az := words[AzimuthOffset : AzimuthOffset+BlockSize]
	el := words[ElevationOffset : ElevationOffset+BlockSize]

	var steps int32
	s.Azimuth, steps = parseAxis(az)
	s.Azimuth.Angle = StepsToDegrees(float64(steps), AzimuthGearing)
	s.Elevation, steps = parseAxis(el)
	s.Elevation.Angle = InternalElevation(StepsToDegrees(float64(-steps), ElevationGearing))
	s.InvalidInput = az[OutStateBits]&StateInvalidInput != 0
	return s
}

// CommandBlock builds the words for a command block with the given first
// words and, for relative moves, the displacement and profile. It is the
// control room's side of Decode.
type CommandBlock struct {
	AzimuthWord   uint16
	ElevationWord uint16
	// ElevationSecondWord carries the cancel code.
	ElevationSecondWord uint16

	// Displacement in degrees, in the same sign convention Decode returns.
	AzimuthDelta   float64
	ElevationDelta float64
	AzimuthSpeed   float64
	ElevationSpeed float64
	AzimuthAccel   float64
	ElevationAccel float64
	AzimuthDecel   float64
	ElevationDecel float64
}

// Words renders the command block.
func (b CommandBlock) Words() []uint16 {
	words := make([]uint16, AxisBlockWords)
	az := words[AzimuthOffset : AzimuthOffset+BlockSize]
	el := words[ElevationOffset : ElevationOffset+BlockSize]

	az[InFirstWord] = b.AzimuthWord
	el[InFirstWord] = b.ElevationWord
	el[InSecondWord] = b.ElevationSecondWord

	az[InPositionMSW], az[InPositionLSW] = split32(uint32(DegreesToSteps(b.AzimuthDelta, AzimuthGearing)))
	el[InPositionMSW], el[InPositionLSW] = split32(uint32(-DegreesToSteps(b.ElevationDelta, ElevationGearing)))
	az[InSpeedMSW], az[InSpeedLSW] = split32(uint32(DegreesToSteps(math.Abs(b.AzimuthSpeed), AzimuthGearing)))
	el[InSpeedMSW], el[InSpeedLSW] = split32(uint32(DegreesToSteps(math.Abs(b.ElevationSpeed), ElevationGearing)))
	az[InAcceleration] = uint16(DegreesToSteps(b.AzimuthAccel, ProfileGearing))
	el[InAcceleration] = uint16(DegreesToSteps(b.ElevationAccel, ProfileGearing))
	az[InDeceleration] = uint16(DegreesToSteps(b.AzimuthDecel, ProfileGearing))
	el[InDeceleration] = uint16(DegreesToSteps(b.ElevationDecel, ProfileGearing))
	return words
}
