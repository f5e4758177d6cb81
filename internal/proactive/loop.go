package proactive

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/xid"

	"nudgebot/internal/clock"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/registry"
	logx "nudgebot/pkg/logx"
)

// maxTickPanics is how many consecutive failed ticks a loop tolerates before
// returning an error, which hands it to the supervisor for a backoff restart.
const maxTickPanics = 5

var errTickPanics = errors.New("too many consecutive tick panics")

// Loop drives one policy on a fixed interval.
type Loop struct {
	policy Policy
	clk    clock.Clock
	loc    *time.Location
	tasks  *registry.Registry
	disp   *dispatcher
	bus    eventbus.Bus
	log    logx.Logger
}

func (l *Loop) Name() string { return l.policy.Name() }

// Run ticks once immediately and then on every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.policy.Interval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	l.log.Info("loop started", logx.Duration("interval", interval))
	defer l.log.Info("loop stopped")

	t := l.clk.NewTicker(interval)
	defer t.Stop()

	failures := 0
	step := func(now time.Time) error {
		if err := l.safeTick(now); err != nil {
			failures++
			if failures >= maxTickPanics {
				return fmt.Errorf("%s: %w", l.policy.Name(), errTickPanics)
			}
			return nil
		}
		failures = 0
		return nil
	}

	if err := step(l.clk.Now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C():
			if err := step(now); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) safeTick(now time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tick panic: %v", p)
			l.log.Error("tick panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	l.Tick(now)
	return nil
}

// Tick plans and registers this tick's sends. It returns the number of
// tasks scheduled.
func (l *Loop) Tick(now time.Time) int {
	if l.loc != nil {
		now = now.In(l.loc)
	}
	plans := l.policy.Plan(now)
	n := 0
	for _, p := range plans {
		p.RunID = xid.New().String()
		if l.schedule(p, now) {
			n++
		}
	}
	if n > 0 {
		l.log.Debug("tick scheduled sends", logx.Int("count", n))
	}
	return n
}

func (l *Loop) schedule(p Plan, now time.Time) bool {
	id := fmt.Sprintf("%s:%s:%d", p.Family, p.UserID, now.UnixNano())
	_, err := l.tasks.Schedule(registry.Task{
		ID:     id,
		UserID: p.UserID,
		Family: p.Family,
		Delay:  p.Delay,
		Run: func(ctx context.Context) error {
			return l.disp.run(ctx, l.policy, p, id)
		},
	})
	ev := SendEvent{RunID: p.RunID, TaskID: id, Family: p.Family, UserID: p.UserID, Delay: p.Delay, At: now}
	if err != nil {
		l.policy.Finish(p, Aborted, now)
		ev.Reason, ev.Error = ReasonScheduleFailed, err.Error()
		l.log.Warn("send not scheduled", logx.String("user", p.UserID), logx.String("family", p.Family), logx.Err(err))
		l.publish(EventAborted, ev)
		return false
	}
	l.publish(EventScheduled, ev)
	return true
}

func (l *Loop) publish(typ string, ev SendEvent) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
