package app

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"nudgebot/internal/notifier"
	"nudgebot/internal/proactive"
	"nudgebot/internal/runtime/supervisor"
	kit "nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

// startReplyWorkers runs a bounded pool answering inbound messages.
func (a *App) startReplyWorkers() {
	workers := max(runtime.NumCPU(), 2)
	for i := 0; i < workers; i++ {
		idx := i
		a.sup.GoRestart("reply.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-a.updates:
					if !ok {
						return nil
					}
					if up.Kind != kit.UpdateMessage || up.Message == nil {
						continue
					}
					a.safeHandle(c, idx, up.Message)
				}
			}
		},
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	a.log.Debug("reply workers started", logx.Int("workers", workers), logx.Int("queue_cap", cap(a.updates)))
}

func (a *App) safeHandle(ctx context.Context, worker int, m *kit.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("panic in reply handler",
				logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	a.handleMessage(ctx, m)
}

// handleMessage records the activity, then answers through the generator.
// The reply request passes through AugmentRequest so the first answer after
// a proactive message acknowledges it.
func (a *App) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if m.FromID == 0 || text == "" {
		return
	}
	userID := strconv.FormatInt(m.FromID, 10)
	ref := notifier.ConversationRef(m.ChatID, m.ThreadID, m.IsGroup)
	now := a.clk.Now()
	log := a.log.With(logx.String("user", userID), logx.String("chat", ref.ID))

	a.pro.OnUserMessage(userID, ref, now)
	if !a.users.Allowed(userID) {
		log.Debug("message ignored (not whitelisted)")
		return
	}

	history := a.book.History(ref)
	a.book.Append(ref, proactive.RoleUser, text, now)

	req := proactive.Request{
		Prompt:       text,
		SystemPrompt: a.rt.Proactive.SystemPrompt,
		History:      history,
	}
	if a.pro.AugmentRequest(userID, &req) {
		log.Debug("reply acknowledges proactive message")
	}

	rctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	reply, err := a.gen.Generate(rctx, req.Prompt, req.SystemPrompt, req.History)
	if err != nil {
		log.Warn("reply generation failed", logx.Err(err))
		return
	}
	if reply.Role != proactive.RoleAssistant || strings.TrimSpace(reply.Text) == "" {
		log.Warn("reply discarded", logx.String("role", reply.Role), logx.Int("len", len(reply.Text)))
		return
	}
	if err := a.notif.Send(rctx, ref, reply.Text); err != nil {
		log.Warn("reply send failed", logx.Err(err))
	}
}
