package aggregate

import "math"

// Welford is the four-tuple sufficient to compute a running mean and
// standard deviation incrementally and mergeably: min, max, sample
// count, mean, and magic (Welford's running sum of squared deviations
// from the mean).
type Welford struct {
	Min   float64
	Max   float64
	N     int64
	Mean  float64
	Magic float64
}

// NewWelford returns the identity element: an empty accumulator that
// merges with any other Welford value without effect.
func NewWelford() Welford {
	return Welford{Min: math.Inf(1), Max: math.Inf(-1)}
}

// Update folds one sample x into the accumulator using the online
// update n'=n+1; mean'=mean+(x-mean)/n'; magic'=magic+(x-mean)(x-mean').
func (w Welford) Update(x float64) Welford {
	if w.N == 0 {
		return Welford{Min: x, Max: x, N: 1, Mean: x, Magic: 0}
	}
	n := w.N + 1
	delta := x - w.Mean
	mean := w.Mean + delta/float64(n)
	magic := w.Magic + delta*(x-mean)
	min := w.Min
	if x < min {
		min = x
	}
	max := w.Max
	if x > max {
		max = x
	}
	return Welford{Min: min, Max: max, N: n, Mean: mean, Magic: magic}
}

// Merge combines two Welford accumulators into one representing the
// union of both sample sets, independent of accumulation order.
func Merge(a, b Welford) Welford {
	if a.N == 0 {
		return b
	}
	if b.N == 0 {
		return a
	}
	n := a.N + b.N
	delta := b.Mean - a.Mean
	mean := a.Mean + delta*float64(b.N)/float64(n)
	magic := a.Magic + b.Magic + delta*delta*float64(a.N)*float64(b.N)/float64(n)
	min := a.Min
	if b.Min < min {
		min = b.Min
	}
	max := a.Max
	if b.Max > max {
		max = b.Max
	}
	return Welford{Min: min, Max: max, N: n, Mean: mean, Magic: magic}
}

// Stddev returns the population standard deviation, or 0 if N == 0.
func (w Welford) Stddev() float64 {
	if w.N == 0 {
		return 0
	}
	return math.Sqrt(w.Magic / float64(w.N))
}
