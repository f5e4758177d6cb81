package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAfterFuncOrder(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(2*time.Second, func() { fired = append(fired, "x") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"a"}, fired)
	require.Equal(t, start.Add(2*time.Second), c.Now())

	c.Advance(5 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Zero(t, c.Pending())
}

func TestFakeCallbackSeesFireTime(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := NewFake(start)
	var at time.Time
	c.AfterFunc(10*time.Second, func() { at = c.Now() })
	c.Advance(time.Minute)
	require.Equal(t, start.Add(10*time.Second), at)
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	tk := c.NewTicker(10 * time.Second)
	defer tk.Stop()

	c.Advance(10 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected tick")
	}
	// Buffered channel keeps at most one pending tick.
	c.Advance(30 * time.Second)
	<-tk.C()
	select {
	case <-tk.C():
		t.Fatal("ticks should coalesce")
	default:
	}
}
