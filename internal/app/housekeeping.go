package app

import (
	"context"
	"errors"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/proactive"
	"nudgebot/internal/storage"
	logx "nudgebot/pkg/logx"
)

const (
	jobAutosave = "state.autosave"
	jobPrune    = "conversation.prune"
)

// registerHousekeeping adds the periodic jobs. Autosave is only registered
// when storage is enabled.
func (a *App) registerHousekeeping() error {
	if a.store != nil {
		if err := a.sched.AddSchedule(jobAutosave, a.rt.Autosave, 0, a.save); err != nil {
			return err
		}
	}
	return a.sched.AddSchedule(jobPrune, a.rt.PruneEvery, 0, a.prune)
}

// save writes the current scheduler state snapshot.
func (a *App) save(ctx context.Context) error {
	if a.store == nil {
		return storage.ErrDisabled
	}
	snap := a.users.Snapshot(a.clk.Now())
	if err := a.store.SaveState(ctx, snap); err != nil {
		return err
	}
	a.log.Debug("state saved",
		logx.Int("users", len(snap.Records)),
		logx.Int("history", len(snap.History)),
	)
	return nil
}

func (a *App) prune(context.Context) error {
	if n := a.book.Prune(a.clk.Now()); n > 0 {
		a.log.Debug("idle conversations pruned", logx.Int("count", n))
	}
	return nil
}

// audit appends one send outcome to the store.
func (a *App) audit(e eventbus.Event) {
	ev, ok := e.Data.(proactive.SendEvent)
	if !ok {
		return
	}
	outcome := "sent"
	if e.Type == proactive.EventAborted {
		outcome = "aborted"
	}
	entry := storage.AuditEntry{
		At:      ev.At,
		RunID:   ev.RunID,
		TaskID:  ev.TaskID,
		Family:  ev.Family,
		UserID:  ev.UserID,
		Outcome: outcome,
		Reason:  ev.Reason,
		Error:   ev.Error,
		TookMS:  ev.Took.Milliseconds(),
		DelayMS: ev.Delay.Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := a.store.AppendAudit(ctx, entry); err != nil && !errors.Is(err, storage.ErrDisabled) {
		a.log.Warn("audit append failed", logx.String("family", ev.Family), logx.Err(err))
	}
}
