package flow

import "math"

// Measurand is a running mean and variance accumulator (Welford).
// It is not safe for concurrent use.
type Measurand struct {
	n    int
	mean float64
	m2   float64
}

// Update folds one sample into the running estimates.
func (m *Measurand) Update(x float64) {
	m.n++
	d := x - m.mean
	m.mean += d / float64(m.n)
	m.m2 += d * (x - m.mean)
}

// Count returns the number of samples seen since the last reset.
func (m *Measurand) Count() int { return m.n }

// Mean returns the running mean, or 0 with no samples.
func (m *Measurand) Mean() float64 { return m.mean }

// Variance returns the unbiased sample variance. It is 0 when fewer than
// two samples have been seen.
func (m *Measurand) Variance() float64 {
	if m.n < 2 {
		return 0
	}
	return m.m2 / float64(m.n-1)
}

// StdDev returns the sample standard deviation, 0 when n < 2.
func (m *Measurand) StdDev() float64 {
	return math.Sqrt(m.Variance())
}

// Reset clears count, mean and variance.
func (m *Measurand) Reset() {
	*m = Measurand{}
}
