// Package rotator is the interface display layers use to watch the
// emulated mount and request operator test moves.
package rotator

type StatusCallback func(status Status)

type Status interface {
	AzimuthPosition() float64
	ElevationPosition() float64

	Clone() Status
}

// Mover points the mount at an absolute orientation. Angles are real
// degrees; a zero speed uses the default profile.
type Mover interface {
	TestMove(azimuth, elevation, speed float64) error
}
