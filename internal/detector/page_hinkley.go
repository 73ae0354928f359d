package detector

import "math"

// PageHinkley monitors a univariate stream for an upward shift in its
// mean. It accumulates deviations of each observation from the running
// mean, discounted by delta; when the accumulated sum rises more than
// threshold above its historical minimum, the mean has moved. PCA-CD
// uses it to turn a stream of change scores into a drift decision, and
// it works standalone on any score stream.
type PageHinkley struct {
	delta     float64
	threshold float64
	burnIn    int

	n       int
	mean    float64
	cumSum  float64
	minSum  float64
	tripped bool
}

// NewPageHinkley creates a Page-Hinkley monitor. delta is the minimum
// amplitude of change to ignore; threshold is the alarm level; burnIn is
// the number of observations consumed before alarms may fire.
func NewPageHinkley(delta, threshold float64, burnIn int) *PageHinkley {
	return &PageHinkley{
		delta:     delta,
		threshold: threshold,
		burnIn:    burnIn,
		minSum:    math.Inf(1),
	}
}

// Update consumes one observation and reports whether the shift alarm is
// raised.
func (ph *PageHinkley) Update(x float64) bool {
	ph.n++
	ph.mean += (x - ph.mean) / float64(ph.n)
	ph.cumSum += x - ph.mean - ph.delta
	if ph.cumSum < ph.minSum {
		ph.minSum = ph.cumSum
	}

	if ph.n <= ph.burnIn {
		return false
	}

	ph.tripped = ph.cumSum-ph.minSum > ph.threshold
	return ph.tripped
}

// Tripped reports whether the most recent update raised the alarm.
func (ph *PageHinkley) Tripped() bool { return ph.tripped }

// Reset clears all running statistics.
func (ph *PageHinkley) Reset() {
	ph.n = 0
	ph.mean = 0
	ph.cumSum = 0
	ph.minSum = math.Inf(1)
	ph.tripped = false
}
