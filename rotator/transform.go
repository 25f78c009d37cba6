package rotator

import "math"

// equhor converts between azimuth/altitude and hour-angle/declination.
// Phi is the observer's latitude
// Arguments are in radians
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor_rad(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(unit(sq))

	cp := (sy - (sphi * sq)) / (cphi * math.Cos(q))
	if math.IsNaN(cp) {
		// Hour angle is undefined at the pole.
		cp = 1
	}
	p := math.Acos(unit(cp))
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

// unit clamps rounding noise back into [-1, 1].
func unit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

func equhor_deg(x, y, phi float64) (float64, float64) {
	x, y, phi = deg2rad(x), deg2rad(y), deg2rad(phi)
	p, q := equhor_rad(x, y, phi)
	return rad2deg(p), rad2deg(q)
}

// Equatorial converts a horizontal orientation (azimuth from north) into
// hour angle and declination, all in degrees. Applied to an hour angle and
// declination it gives back the azimuth and elevation.
func Equatorial(azimuth, elevation, latitude float64) (hourAngle, declination float64) {
	return equhor_deg(azimuth, elevation, latitude)
}
