package features

import "math"

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the sample standard deviation. Fewer than two values
// yield 0.
func StdDev(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	mean := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / (n - 1))
}

// Max returns the largest value and false for an empty slice.
func Max(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m, true
}

// ExcessConfidence maps how far ratio exceeds threshold onto (0, 1).
func ExcessConfidence(ratio, threshold float64) float64 {
	if threshold <= 0 || ratio <= threshold {
		return 0
	}
	excess := (ratio - threshold) / threshold
	return excess / (1 + excess)
}
