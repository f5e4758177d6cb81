package proactive

import (
	"time"

	"nudgebot/internal/eligibility"
	"nudgebot/internal/prompts"
	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

type SharingConfig struct {
	Enabled  bool
	Interval time.Duration
	Policy   eligibility.Sharing
	MaxDelay time.Duration
}

// sharingPolicy fires with a probability that grows with the time since
// the user's last share. A miss simply waits for the next tick.
type sharingPolicy struct {
	cfg   SharingConfig
	store *state.Store
	rng   *lockedRand
	log   logx.Logger
}

func (p *sharingPolicy) Name() string { return LoopSharing }

func (p *sharingPolicy) Interval() time.Duration { return p.cfg.Interval }

func (p *sharingPolicy) Plan(now time.Time) []Plan {
	if p.store.BeginDay(FamilySharing, now) {
		p.store.ResetSharing()
		p.log.Debug("new day; sharing cooldowns reset")
	}

	var plans []Plan
	for _, c := range p.store.Candidates(FamilySharing, now, false) {
		if !c.Conversation.Valid() {
			continue
		}
		last, has := p.store.LastShared(c.UserID)
		prob := p.cfg.Policy.Probability(last, has, now)
		if prob <= 0 || !eligibility.Fires(p.rng.Float64(), prob) {
			continue
		}
		p.store.MarkShared(c.UserID, now)
		plans = append(plans, Plan{
			Family:       FamilySharing,
			UserID:       c.UserID,
			Conversation: c.Conversation,
			Delay:        p.rng.delay(time.Minute, p.cfg.MaxDelay),
		})
	}
	return plans
}

func (p *sharingPolicy) Revalidate(Plan, time.Time) bool { return true }

func (p *sharingPolicy) Prompt(_ Plan, now time.Time) string {
	period := eligibility.PeriodOf(now.Hour())
	return prompts.Compose(prompts.Sharing[period].Pick(p.rng.Intn), period)
}

func (p *sharingPolicy) Finish(Plan, Outcome, time.Time) {}
