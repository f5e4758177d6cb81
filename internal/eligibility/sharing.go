package eligibility

import "time"

const (
	// MaxShareProbability caps the sharing curve.
	MaxShareProbability = 0.8
	// FirstShareProbability applies when a user was never shared with.
	FirstShareProbability = 0.5
)

// Sharing configures the probabilistic daily-sharing policy.
type Sharing struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Probability returns the firing probability for one tick. It is 0 before
// MinInterval, rises linearly and reaches MaxShareProbability at MaxInterval.
func (s Sharing) Probability(last time.Time, hasLast bool, now time.Time) float64 {
	if !hasLast {
		return FirstShareProbability
	}
	since := now.Sub(last)
	if since < s.MinInterval {
		return 0
	}
	if since >= s.MaxInterval || s.MaxInterval <= s.MinInterval {
		return MaxShareProbability
	}
	ratio := float64(since-s.MinInterval) / float64(s.MaxInterval-s.MinInterval)
	return min(ratio*MaxShareProbability, MaxShareProbability)
}

// Fires reports whether a uniform draw in [0,1) passes probability p.
func Fires(draw, p float64) bool { return draw < p }

type Period string

const (
	Morning   Period = "morning"
	Afternoon Period = "afternoon"
	Evening   Period = "evening"
	LateNight Period = "late_night"
)

// PeriodOf buckets a local hour into a time of day.
func PeriodOf(hour int) Period {
	switch {
	case hour >= 5 && hour < 12:
		return Morning
	case hour >= 12 && hour < 18:
		return Afternoon
	case hour >= 18 && hour < 23:
		return Evening
	default:
		return LateNight
	}
}
