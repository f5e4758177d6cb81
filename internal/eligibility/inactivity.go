// Package eligibility holds the pure send-eligibility policies. Nothing here
// locks, sleeps or reads the wall clock; callers pass state and "now" in.
package eligibility

import "time"

type Action int

const (
	Skip Action = iota
	Reset
	Schedule
)

func (a Action) String() string {
	switch a {
	case Reset:
		return "reset"
	case Schedule:
		return "schedule"
	default:
		return "skip"
	}
}

// Inactivity configures the escalation policy.
type Inactivity struct {
	Threshold      time.Duration
	Window         time.Duration
	MaxConsecutive int

	// TimeLimit gates sends to [StartHour, EndHour) local time, plus the
	// late-night range [0, LateNightEndHour) which is always allowed.
	TimeLimit        bool
	StartHour        int
	EndHour          int
	LateNightEndHour int
}

// DefaultInactivity mirrors the stock configuration: two hours of silence,
// a one hour response window, three unanswered sends, 08–23 plus 00–07.
func DefaultInactivity() Inactivity {
	return Inactivity{
		Threshold:        2 * time.Hour,
		Window:           time.Hour,
		MaxConsecutive:   3,
		TimeLimit:        true,
		StartHour:        8,
		EndHour:          23,
		LateNightEndHour: 7,
	}
}

type InactivityInput struct {
	LastActivityAt   time.Time
	ConsecutiveSends int
	Pending          bool
}

type Decision struct {
	Action   Action
	Reason   string
	Elapsed  time.Duration
	MaxDelay time.Duration
}

// Evaluate decides what the escalation loop should do with one record.
//
// Order matters: a capped or pending record is never reset, so its
// timestamp keeps pointing at the last real activity.
func (p Inactivity) Evaluate(in InactivityInput, now time.Time) Decision {
	elapsed := now.Sub(in.LastActivityAt)
	d := Decision{Action: Skip, Elapsed: elapsed}

	switch {
	case in.Pending:
		d.Reason = "pending"
		return d
	case in.ConsecutiveSends >= p.MaxConsecutive:
		d.Reason = "capped"
		return d
	case elapsed < p.Threshold:
		d.Reason = "active"
		return d
	}

	end := p.Threshold + p.Window
	if elapsed >= end {
		d.Action = Reset
		d.Reason = "window_expired"
		return d
	}
	if !p.ActiveHours(now) {
		d.Reason = "quiet_hours"
		return d
	}

	d.Action = Schedule
	d.MaxDelay = min(end-elapsed, p.Window)
	return d
}

// ActiveHours reports whether now falls inside the allowed send hours.
func (p Inactivity) ActiveHours(now time.Time) bool {
	if !p.TimeLimit {
		return true
	}
	h := now.Hour()
	if h >= p.StartHour && h < p.EndHour {
		return true
	}
	return IsLateNight(h, p.LateNightEndHour)
}

// IsLateNight reports whether hour is in [0, end).
func IsLateNight(hour, end int) bool { return hour >= 0 && hour < end }
