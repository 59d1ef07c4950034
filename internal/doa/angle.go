// Package doa estimates and tracks the bearing of the dominant acoustic
// source around a microphone array.
package doa

import "math"

// Bearings are in degrees, clockwise from channel 0, in [0, 360).

// Wrap360 maps any angle in degrees into [0, 360).
func Wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// ShortestDiff returns the signed rotation from prev to next taking the
// short way round, in [-180, 180).
func ShortestDiff(next, prev float64) float64 {
	return Wrap360(next-prev+540) - 180
}

// ToRadians converts degrees to radians.
func ToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// ToDegrees converts radians to degrees.
func ToDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// ChannelBearings spreads n channels evenly over coverage degrees, starting
// at 0 and excluding the endpoint.
func ChannelBearings(n int, coverage float64) []float64 {
	out := make([]float64, n)
	for k := range out {
		out[k] = float64(k) * coverage / float64(n)
	}
	return out
}

// Clamp clamps a value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
