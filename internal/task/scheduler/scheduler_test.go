package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nudgebot/internal/eventbus"
	logx "nudgebot/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 5m", kind: SpecCron, cron: "@every 5m"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every: 00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "", err: true},
		{in: "00:00", err: true},
		{in: "01:75", err: true},
		{in: "-5m", err: true},
		{in: "soon", err: true},
		{in: "cron:", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.cron, ps.Cron)
			assert.Equal(t, tc.every, ps.Every)
		})
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	require.Error(t, s.AddSchedule("x", "61 * * * *", 0, func(context.Context) error { return nil }))
	require.Error(t, s.AddSchedule("", "5m", 0, func(context.Context) error { return nil }))
	require.Error(t, s.AddSchedule("x", "5m", 0, nil))
}

func TestRunNowRecordsHistoryAndEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Enabled: true, HistorySize: 2}, logx.Nop(), bus)
	boom := errors.New("boom")
	require.NoError(t, s.AddSchedule("autosave", "5m", time.Second, func(context.Context) error { return nil }))
	require.NoError(t, s.AddSchedule("prune", "1h", time.Second, func(context.Context) error { return boom }))

	require.NoError(t, s.RunNow(context.Background(), "autosave"))
	require.ErrorIs(t, s.RunNow(context.Background(), "prune"), boom)
	require.Error(t, s.RunNow(context.Background(), "missing"))
	require.NoError(t, s.RunNow(context.Background(), "autosave"))

	snap := s.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, "prune", snap.History[0].Name)
	assert.Equal(t, "boom", snap.History[0].Error)
	assert.Len(t, snap.Schedules, 2)

	e := <-ch
	assert.Equal(t, EventRun, e.Type)
	assert.Equal(t, "autosave", e.Data.(RunRecord).Name)
}

func TestRunNowRecoversPanic(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	require.NoError(t, s.AddSchedule("bad", "5m", time.Second, func(context.Context) error { panic("oops") }))
	err := s.RunNow(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestRunNowAppliesTimeout(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	require.NoError(t, s.AddSchedule("slow", "5m", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, s.AddSchedule("slow", "5m", time.Second, func(context.Context) error {
		close(entered)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-entered
	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrOverlapSkip)
	close(release)
	require.NoError(t, <-done)
}

func TestIntervalJobFiresAfterStart(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	var n atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "every: 20ms", time.Second, func(context.Context) error {
		n.Add(1)
		return nil
	}))

	s.Start(context.Background())
	require.True(t, s.Snapshot().Running)
	require.Eventually(t, func() bool { return n.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Snapshot().Running)
}

func TestStartDisabledIsNoop(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)
	s.Stop(context.Background())
}

func TestRemove(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	require.NoError(t, s.AddSchedule("a", "5m", 0, func(context.Context) error { return nil }))
	require.True(t, s.Remove("a"))
	require.False(t, s.Remove("a"))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestStartupSpreadBounds(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "autosave")
		require.GreaterOrEqual(t, jitter, time.Duration(0))
		require.Less(t, jitter, 30*time.Second)
		first := sched.Next(now)
		assert.Equal(t, now.Add(time.Minute+jitter), first)
	}
}
