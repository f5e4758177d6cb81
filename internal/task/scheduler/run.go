package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"nudgebot/internal/eventbus"
	logx "nudgebot/pkg/logx"
)

var ErrOverlapSkip = errors.New("previous run still in flight")

const failWarnThrottle = 5 * time.Minute

func (s *Service) execute(parent context.Context, d scheduleDef) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	started := time.Now()
	if !d.running.enter() {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name))
		s.record(RunRecord{Name: d.name, Started: started, Skipped: true})
		return ErrOverlapSkip
	}
	defer d.running.leave()

	timeout := d.timeout
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("housekeeping job panic", logx.String("schedule", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		rec := RunRecord{Name: d.name, Started: started, Took: time.Since(started)}
		if err != nil {
			rec.Error = err.Error()
			s.reportFailure(d.name, err)
		} else {
			s.log.Debug("housekeeping job done", logx.String("schedule", d.name), logx.Duration("took", rec.Took))
		}
		s.record(rec)
	}()

	return d.job(ctx)
}

func (s *Service) reportFailure(name string, err error) {
	now := time.Now()
	s.failMu.Lock()
	last := s.lastFail[name]
	if !last.IsZero() && now.Sub(last) < failWarnThrottle {
		s.failMu.Unlock()
		s.log.Debug("housekeeping job failed", logx.String("schedule", name), logx.Err(err))
		return
	}
	s.lastFail[name] = now
	s.failMu.Unlock()
	s.log.Warn("housekeeping job failed", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) record(rec RunRecord) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = defaultHistorySize
	}

	s.histMu.Lock()
	s.history = append(s.history, rec)
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.histMu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventRun, Time: rec.Started, Data: rec})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, StartupSpread: d.startupSpread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()

	s.histMu.Lock()
	snap.History = append([]RunRecord(nil), s.history...)
	s.histMu.Unlock()
	return snap
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
