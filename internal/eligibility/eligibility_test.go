package eligibility

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func TestInactivityWindowEdges(t *testing.T) {
	p := DefaultInactivity()
	p.Threshold = 7200 * time.Second
	p.Window = 3600 * time.Second
	now := at(12, 0)

	tests := []struct {
		name     string
		in       InactivityInput
		action   Action
		reason   string
		maxDelay time.Duration
	}{
		{"expired window resets", InactivityInput{LastActivityAt: now.Add(-11000 * time.Second)}, Reset, "window_expired", 0},
		{"inside window schedules", InactivityInput{LastActivityAt: now.Add(-8000 * time.Second)}, Schedule, "", 2800 * time.Second},
		{"exact threshold schedules full window", InactivityInput{LastActivityAt: now.Add(-7200 * time.Second)}, Schedule, "", 3600 * time.Second},
		{"exact end resets", InactivityInput{LastActivityAt: now.Add(-10800 * time.Second)}, Reset, "window_expired", 0},
		{"recent activity", InactivityInput{LastActivityAt: now.Add(-time.Hour)}, Skip, "active", 0},
		{"capped", InactivityInput{LastActivityAt: now.Add(-8000 * time.Second), ConsecutiveSends: 3}, Skip, "capped", 0},
		{"capped is never reset", InactivityInput{LastActivityAt: now.Add(-11000 * time.Second), ConsecutiveSends: 3}, Skip, "capped", 0},
		{"pending", InactivityInput{LastActivityAt: now.Add(-8000 * time.Second), Pending: true}, Skip, "pending", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(tt.in, now)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.maxDelay, d.MaxDelay)
		})
	}
}

func TestInactivityActiveHours(t *testing.T) {
	p := DefaultInactivity()
	last := func(now time.Time) InactivityInput {
		return InactivityInput{LastActivityAt: now.Add(-8000 * time.Second)}
	}

	for _, tt := range []struct {
		hour int
		want Action
	}{
		{3, Schedule},  // late night range
		{7, Skip},      // gap between late night and day start
		{8, Schedule},  // day start
		{22, Schedule}, // last allowed day hour
		{23, Skip},     // day end is exclusive
	} {
		now := at(tt.hour, 30)
		assert.Equal(t, tt.want, p.Evaluate(last(now), now).Action, "hour %d", tt.hour)
	}

	p.TimeLimit = false
	now := at(23, 30)
	require.Equal(t, Schedule, p.Evaluate(last(now), now).Action)
}

func TestRandomDelayBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		d := RandomDelay(rng, time.Second, 2800*time.Second)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2800*time.Second)
	}
	require.Equal(t, time.Second, RandomDelay(rng, time.Second, 0))
}

func TestSharingProbability(t *testing.T) {
	s := Sharing{MinInterval: 180 * time.Minute, MaxInterval: 360 * time.Minute}
	now := at(15, 0)

	require.Equal(t, 0.5, s.Probability(time.Time{}, false, now))
	require.Equal(t, 0.8, s.Probability(now.Add(-360*time.Minute), true, now))
	require.Equal(t, 0.8, s.Probability(now.Add(-600*time.Minute), true, now))
	require.Equal(t, 0.0, s.Probability(now.Add(-179*time.Minute), true, now))
	require.Equal(t, 0.0, s.Probability(now.Add(-180*time.Minute), true, now))
	require.InDelta(t, 0.4, s.Probability(now.Add(-270*time.Minute), true, now), 1e-9)

	require.False(t, Fires(0.8, 0.8))
	require.True(t, Fires(0.79, 0.8))
	require.False(t, Fires(0, 0))
}

func TestFixedTimeDue(t *testing.T) {
	f, err := ParseClock("08:00")
	require.NoError(t, err)
	require.True(t, f.Due(at(8, 0)))
	require.True(t, f.Due(at(8, 0).Add(59*time.Second)))
	require.False(t, f.Due(at(8, 1)))
	require.Equal(t, "08:00", f.String())

	for _, bad := range []string{"8", "24:00", "12:60", "aa:bb", ""} {
		_, err := ParseClock(bad)
		require.Error(t, err, bad)
	}
}

func TestHourWindowAndPeriods(t *testing.T) {
	w := HourWindow{Start: 11, End: 13}
	require.False(t, w.Contains(at(10, 59)))
	require.True(t, w.Contains(at(11, 0)))
	require.True(t, w.Contains(at(12, 59)))
	require.False(t, w.Contains(at(13, 0)))

	require.Equal(t, Morning, PeriodOf(5))
	require.Equal(t, Afternoon, PeriodOf(12))
	require.Equal(t, Evening, PeriodOf(18))
	require.Equal(t, LateNight, PeriodOf(23))
	require.Equal(t, LateNight, PeriodOf(4))
}

func TestSelectCount(t *testing.T) {
	require.Equal(t, 0, SelectCount(0, 0.3, 1))
	require.Equal(t, 1, SelectCount(2, 0.3, 1))
	require.Equal(t, 3, SelectCount(10, 0.3, 1))
	require.Equal(t, 2, SelectCount(2, 0.3, 5))
}
