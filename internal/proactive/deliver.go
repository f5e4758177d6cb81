package proactive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/clock"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

// dispatcher is the body of every deferred send.
type dispatcher struct {
	store         *state.Store
	gen           Generator
	sink          Sink
	conversations ConversationResolver
	clk           clock.Clock
	loc           *time.Location
	systemPrompt  string
	bus           eventbus.Bus
	log           logx.Logger
}

type abortError struct {
	reason string
	err    error
}

func (e *abortError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *abortError) Unwrap() error { return e.err }

func abort(reason string, err error) error { return &abortError{reason: reason, err: err} }

func (d *dispatcher) now() time.Time {
	now := d.clk.Now()
	if d.loc != nil {
		now = now.In(d.loc)
	}
	return now
}

// run re-validates the plan, generates the text and hands it to the sink.
// Every failure ends the one send; nothing is retried.
func (d *dispatcher) run(ctx context.Context, pol Policy, p Plan, taskID string) error {
	started := d.clk.Now()
	log := d.log.With(
		logx.String("run", p.RunID),
		logx.String("family", p.Family),
		logx.String("user", p.UserID),
	)

	err := d.deliver(ctx, pol, p, log)
	now := d.now()
	ev := SendEvent{RunID: p.RunID, TaskID: taskID, Family: p.Family, UserID: p.UserID, Took: now.Sub(started), At: now}

	if err == nil {
		pol.Finish(p, Sent, now)
		log.Info("proactive message sent", logx.Duration("took", ev.Took))
		d.publish(EventSent, ev)
		return nil
	}

	pol.Finish(p, Aborted, now)
	var ae *abortError
	if errors.As(err, &ae) {
		ev.Reason = ae.reason
		if ae.err != nil {
			ev.Error = ae.err.Error()
		}
	} else {
		ev.Reason, ev.Error = ReasonSendFailed, err.Error()
	}
	d.publish(EventAborted, ev)

	switch ev.Reason {
	case ReasonNotWhitelisted, ReasonStale:
		log.Debug("send dropped", logx.String("reason", ev.Reason))
		return nil
	case ReasonConversationMissing:
		log.Warn("send dropped; conversation not resolvable")
		return nil
	default:
		log.Warn("send failed", logx.String("reason", ev.Reason), logx.Err(err))
		return err
	}
}

func (d *dispatcher) deliver(ctx context.Context, pol Policy, p Plan, log logx.Logger) error {
	if !d.store.Allowed(p.UserID) {
		d.store.EvictIfNotWhitelisted(p.UserID)
		return abort(ReasonNotWhitelisted, nil)
	}
	now := d.now()
	if !pol.Revalidate(p, now) {
		return abort(ReasonStale, nil)
	}

	conv, err := d.conversations.Resolve(ctx, p.Conversation)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return abort(ReasonConversationMissing, err)
		}
		return abort(ReasonConversationMissing, fmt.Errorf("resolve: %w", err))
	}
	system := conv.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = d.systemPrompt
	}

	prompt := pol.Prompt(p, now)
	log.Debug("generating proactive message", logx.Int("history", len(conv.History)))
	reply, err := d.gen.Generate(ctx, prompt, system, conv.History)
	if err != nil {
		return abort(ReasonGenerateFailed, err)
	}
	if reply.Role != RoleAssistant {
		return abort(ReasonBadRole, fmt.Errorf("role %q", reply.Role))
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return abort(ReasonEmptyReply, nil)
	}

	// Last check before the message leaves: the whitelist may have changed
	// while the generator was running.
	if !d.store.Allowed(p.UserID) {
		d.store.EvictIfNotWhitelisted(p.UserID)
		return abort(ReasonNotWhitelisted, nil)
	}
	if err := d.sink.Send(ctx, p.Conversation, text); err != nil {
		return abort(ReasonSendFailed, err)
	}
	d.store.NoteSent(p.UserID, p.Conversation, d.now())
	return nil
}

func (d *dispatcher) publish(typ string, ev SendEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
