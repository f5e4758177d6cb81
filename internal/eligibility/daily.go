package eligibility

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

// FixedTime is a once-a-day trigger at a local wall-clock minute.
type FixedTime struct {
	Hour   int
	Minute int
}

// Due reports whether now is inside the trigger minute.
func (f FixedTime) Due(now time.Time) bool {
	return now.Hour() == f.Hour && now.Minute() == f.Minute
}

func (f FixedTime) String() string { return fmt.Sprintf("%02d:%02d", f.Hour, f.Minute) }

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses "HH:MM" (24h) into a FixedTime.
func ParseClock(raw string) (FixedTime, error) {
	m := reClock.FindStringSubmatch(raw)
	if len(m) != 3 {
		return FixedTime{}, fmt.Errorf("invalid time of day %q (want HH:MM)", raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return FixedTime{}, fmt.Errorf("invalid time of day %q (want HH:MM)", raw)
	}
	return FixedTime{Hour: hh, Minute: mm}, nil
}

// HourWindow is the local hour range [Start, End).
type HourWindow struct {
	Start int
	End   int
}

func (w HourWindow) Contains(now time.Time) bool {
	h := now.Hour()
	return h >= w.Start && h < w.End
}

// DayKey identifies the local calendar day of t.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// RandomDelay draws a uniform delay in [lo, hi] at one-second granularity.
// hi below lo collapses to lo.
func RandomDelay(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	lo = lo.Truncate(time.Second)
	hi = hi.Truncate(time.Second)
	if hi <= lo {
		return lo
	}
	span := int64((hi - lo) / time.Second)
	return lo + time.Duration(rng.Int63n(span+1))*time.Second
}

// SelectCount returns how many of n candidates a ratio picks, never fewer
// than minimum (and never more than n).
func SelectCount(n int, ratio float64, minimum int) int {
	if n <= 0 {
		return 0
	}
	k := int(float64(n) * ratio)
	if k < minimum {
		k = minimum
	}
	if k > n {
		k = n
	}
	return k
}
