package proactive

import (
	"time"

	"nudgebot/internal/eligibility"
	"nudgebot/internal/prompts"
	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

// pendingCounter is the registry view the escalation policy needs.
type pendingCounter interface {
	Pending(userID, family string) int
}

// EscalationConfig configures the inactivity escalation loop.
type EscalationConfig struct {
	Enabled  bool
	Interval time.Duration
	Policy   eligibility.Inactivity
}

type escalationPolicy struct {
	cfg   EscalationConfig
	store *state.Store
	tasks pendingCounter
	rng   *lockedRand
	log   logx.Logger
}

func (p *escalationPolicy) Name() string { return LoopEscalation }

func (p *escalationPolicy) Interval() time.Duration { return p.cfg.Interval }

func (p *escalationPolicy) Plan(now time.Time) []Plan {
	var plans []Plan
	for _, r := range p.store.Records() {
		if !p.store.Allowed(r.UserID) {
			if p.store.EvictIfNotWhitelisted(r.UserID) {
				p.log.Info("record evicted (not whitelisted)", logx.String("user", r.UserID))
			}
			continue
		}

		// A reservation with no task behind it was cancelled without
		// running (loop stopped, registry closed); release it.
		if r.EscalationPending && p.tasks != nil && p.tasks.Pending(r.UserID, FamilyEscalation) == 0 {
			p.store.AbortEscalation(state.Escalation{
				UserID: r.UserID, Conversation: r.Conversation, Seq: r.ConsecutiveSends, Generation: r.Generation,
			}, now)
			p.log.Debug("orphaned escalation released", logx.String("user", r.UserID))
			continue
		}

		d := p.cfg.Policy.Evaluate(eligibility.InactivityInput{
			LastActivityAt:   r.LastActivityAt,
			ConsecutiveSends: r.ConsecutiveSends,
			Pending:          r.EscalationPending,
		}, now)

		switch d.Action {
		case eligibility.Reset:
			if p.store.ResetInactivity(r.UserID, r.Generation, now) {
				p.log.Debug("inactivity window expired; clock reset", logx.String("user", r.UserID), logx.Duration("elapsed", d.Elapsed))
			}
		case eligibility.Schedule:
			if p.tasks != nil && p.tasks.Pending(r.UserID, FamilyEscalation) > 0 {
				continue
			}
			if !r.Conversation.Valid() {
				continue
			}
			esc, ok := p.store.BeginEscalation(r.UserID, r.Generation)
			if !ok {
				continue
			}
			plans = append(plans, Plan{
				Family:       FamilyEscalation,
				UserID:       r.UserID,
				Conversation: esc.Conversation,
				Delay:        p.rng.delay(time.Second, d.MaxDelay),
				Escalation:   esc,
			})
		}
	}
	return plans
}

func (p *escalationPolicy) Revalidate(pl Plan, _ time.Time) bool {
	return p.store.EscalationCurrent(pl.Escalation)
}

func (p *escalationPolicy) Prompt(pl Plan, now time.Time) string {
	set := prompts.EscalationDay
	if eligibility.IsLateNight(now.Hour(), p.cfg.Policy.LateNightEndHour) {
		set = prompts.EscalationNight
	}
	return prompts.Compose(
		set.Pick(p.rng.Intn),
		eligibility.PeriodOf(now.Hour()),
		prompts.EscalationModifier(pl.Escalation.Seq, p.cfg.Policy.MaxConsecutive),
	)
}

func (p *escalationPolicy) Finish(pl Plan, o Outcome, now time.Time) {
	if o == Sent {
		p.store.CompleteEscalation(pl.Escalation, now)
		if pl.Escalation.Seq >= p.cfg.Policy.MaxConsecutive {
			p.log.Info("escalation cap reached; waiting for reply", logx.String("user", pl.UserID), logx.Int("sends", pl.Escalation.Seq))
		}
		return
	}
	p.store.AbortEscalation(pl.Escalation, now)
}
