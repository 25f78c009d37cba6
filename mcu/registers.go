package mcu

// Register map of the emulated motion controller.
//
// The register file is a flat array of holding registers. The status block
// written by the simulation lives at OutputBase; the command block written by
// the control room lives at InputBase. Each block holds an azimuth sub-block
// followed by an elevation sub-block of BlockSize words.
const (
	RegisterCount = 1044

	OutputBase = 0
	InputBase  = 1024

	BlockSize = 10
	// AxisBlockWords is the size of a complete command or status block.
	AxisBlockWords = 2 * BlockSize

	AzimuthOffset   = 0
	ElevationOffset = BlockSize
)

// Command block word indices, relative to the start of an axis sub-block.
const (
	InFirstWord    = 0
	InSecondWord   = 1
	InPositionMSW  = 2
	InPositionLSW  = 3
	InSpeedMSW     = 4
	InSpeedLSW     = 5
	InAcceleration = 6
	InDeceleration = 7
	InMotorCurrent = 8
	InJerk         = 9
)

// Status block word indices, relative to the start of an axis sub-block.
const (
	OutStateBits   = 0
	OutStatusBits  = 1
	OutPositionMSW = 3
	OutPositionLSW = 4
	OutEncoderMSW  = 5
	OutEncoderLSW  = 6
)

// Command-type codes.
const (
	CodeRelativeMove         uint16 = 0x0002
	CodeCancelMove           uint16 = 0x0003
	CodeControlledStop       uint16 = 0x0004
	CodeImmediateStop        uint16 = 0x0010
	CodeClockwiseHome        uint16 = 0x0020
	CodeCounterclockwiseHome uint16 = 0x0040
	CodePositiveJog          uint16 = 0x0080
	CodeNegativeJog          uint16 = 0x0100
	CodeClearErrors          uint16 = 0x0800
	CodeConfigureMCU         uint16 = 0x852c
)

// Bits of OutStateBits.
const (
	StateCWMotion        uint16 = 0x0001
	StateCCWMotion       uint16 = 0x0002
	StateAccelerating    uint16 = 0x0004
	StateDecelerating    uint16 = 0x0008
	StateHomed           uint16 = 0x0010
	StateInvalidInput    uint16 = 0x0400
	StateInvalidPosition uint16 = 0x0800
)

// Bits of OutStatusBits. MoveComplete and Moving are mutually exclusive.
const (
	StatusMoveComplete uint16 = 0x0080
	StatusMoving       uint16 = 0x0100
)

// Drivetrain constants.
const (
	StepsPerRev = 20000

	AzimuthGearing   = 500
	ElevationGearing = 50
	// Acceleration and deceleration words arrive already normalised.
	ProfileGearing = 1

	// ElevationShift is added to real elevation angles to obtain the
	// internal, non-negative elevation frame used by the axis model.
	ElevationShift = 15.0

	// Elevation hardware limits in the internal frame.
	MinElevation = -8 + ElevationShift
	MaxElevation = 92 + ElevationShift
)

// InternalElevation converts a real elevation angle into the internal frame.
func InternalElevation(real float64) float64 {
	return real + ElevationShift
}

// RealElevation converts an internal elevation angle back to real degrees.
func RealElevation(internal float64) float64 {
	return internal - ElevationShift
}
