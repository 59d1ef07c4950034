package audio

import "math"

// Energy returns the sum of squared samples. Non-finite samples count as zero.
func Energy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v * v
	}
	return sum
}

// RMS returns the root mean square of the samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(Energy(samples) / float64(len(samples)))
}

// MaxEnergy returns the largest value in energies, or 0 when empty.
func MaxEnergy(energies []float64) float64 {
	var m float64
	for i, e := range energies {
		if i == 0 || e > m {
			m = e
		}
	}
	return m
}
