package metrics

import "math"

// Running accumulates mean and standard deviation in O(1) space using
// Welford's online algorithm.
type Running struct {
	n    int
	mean float64
	m2   float64 // sum of squared differences from the mean
}

// Add folds one observation into the running statistics
func (r *Running) Add(x float64) {
	r.n++
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)
}

// Count returns the number of observations
func (r *Running) Count() int {
	return r.n
}

// Mean returns the running mean, 0 with no observations
func (r *Running) Mean() float64 {
	return r.mean
}

// StdDev returns the population standard deviation; 0 below two observations
func (r *Running) StdDev() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n))
}

// ResumeRunning rebuilds a Running from persisted state so new observations
// can be folded into an existing aggregate.
func ResumeRunning(n int, mean, m2 float64) Running {
	return Running{n: n, mean: mean, m2: m2}
}

// M2 returns the sum of squared differences from the mean, the state needed
// to resume the aggregate later.
func (r *Running) M2() float64 {
	return r.m2
}
