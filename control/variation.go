package control

import (
	"math"
	"time"
)

// Variation tracks the absolute change of a reading between samples taken
// at least Interval apart. A zero Interval samples on every call.
type Variation struct {
	Interval time.Duration

	last     float64
	lastAt   time.Time
	value    float64
	primed   bool
	measured bool
}

// Sample records x observed at now.
func (v *Variation) Sample(x float64, now time.Time) {
	if !v.primed {
		v.last, v.lastAt, v.primed = x, now, true
		return
	}
	if now.Sub(v.lastAt) < v.Interval {
		return
	}
	v.value = math.Abs(x - v.last)
	v.last, v.lastAt = x, now
	v.measured = true
}

// Value returns the latest variation and whether one has been measured.
func (v *Variation) Value() (float64, bool) { return v.value, v.measured }

// Stable reports whether a variation exists and is at most threshold.
func (v *Variation) Stable(threshold float64) bool {
	return v.measured && v.value <= threshold
}

// Reset forgets every sample.
func (v *Variation) Reset() {
	*v = Variation{Interval: v.Interval}
}
