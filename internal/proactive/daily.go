package proactive

import (
	"math/rand"
	"time"

	"nudgebot/internal/eligibility"
	"nudgebot/internal/prompts"
	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

// GreetingSlot is one fixed daily greeting.
type GreetingSlot struct {
	Enabled  bool
	At       eligibility.FixedTime
	MaxDelay time.Duration
}

type GreetingConfig struct {
	Enabled  bool
	Interval time.Duration
	Morning  GreetingSlot
	Night    GreetingSlot
}

type greetingSlot struct {
	GreetingSlot
	family  string
	prompts prompts.Set
}

// greetingPolicy sends at most one greeting per slot per user per day, to
// tracked users and to users known only from send history.
type greetingPolicy struct {
	interval time.Duration
	slots    []greetingSlot
	store    *state.Store
	rng      *lockedRand
	log      logx.Logger
}

func newGreetingPolicy(cfg GreetingConfig, store *state.Store, rng *lockedRand, log logx.Logger) *greetingPolicy {
	p := &greetingPolicy{interval: cfg.Interval, store: store, rng: rng, log: log}
	if cfg.Morning.Enabled {
		p.slots = append(p.slots, greetingSlot{GreetingSlot: cfg.Morning, family: FamilyMorning, prompts: prompts.MorningGreeting})
	}
	if cfg.Night.Enabled {
		p.slots = append(p.slots, greetingSlot{GreetingSlot: cfg.Night, family: FamilyNight, prompts: prompts.NightGreeting})
	}
	return p
}

func (p *greetingPolicy) Name() string { return LoopGreeting }

func (p *greetingPolicy) Interval() time.Duration { return p.interval }

func (p *greetingPolicy) Plan(now time.Time) []Plan {
	var plans []Plan
	for i, slot := range p.slots {
		if p.store.BeginDay(slot.family, now) {
			p.log.Info("new day; greeting marker cleared",
				logx.String("family", slot.family),
				logx.String("day", eligibility.DayKey(now)),
				logx.Int("known_users", len(p.store.History())),
			)
		}
		if !slot.At.Due(now) {
			continue
		}
		for _, c := range p.store.Candidates(slot.family, now, true) {
			if !c.Conversation.Valid() || !p.store.MarkSent(slot.family, c.UserID, now) {
				continue
			}
			plans = append(plans, Plan{
				Family:       slot.family,
				UserID:       c.UserID,
				Conversation: c.Conversation,
				Delay:        p.rng.delay(0, slot.MaxDelay),
				Slot:         i,
			})
		}
	}
	return plans
}

func (p *greetingPolicy) Revalidate(Plan, time.Time) bool { return true }

func (p *greetingPolicy) Prompt(pl Plan, now time.Time) string {
	return prompts.Compose(p.slots[pl.Slot].prompts.Pick(p.rng.Intn), eligibility.PeriodOf(now.Hour()))
}

// Finish keeps the marker either way: one attempt per slot per day.
func (p *greetingPolicy) Finish(Plan, Outcome, time.Time) {}

// MealSlot is one daily meal window.
type MealSlot struct {
	Enabled  bool
	Window   eligibility.HourWindow
	MaxDelay time.Duration
}

type MealConfig struct {
	Enabled     bool
	Interval    time.Duration
	Lunch       MealSlot
	Dinner      MealSlot
	Ratio       float64
	MinSelected int
}

type mealSlot struct {
	MealSlot
	family  string
	prompts prompts.Set
}

// mealPolicy picks a random share of the unmarked tracked users on every
// tick inside a meal window.
type mealPolicy struct {
	cfg   MealConfig
	slots []mealSlot
	store *state.Store
	rng   *lockedRand
	log   logx.Logger
}

func newMealPolicy(cfg MealConfig, store *state.Store, rng *lockedRand, log logx.Logger) *mealPolicy {
	p := &mealPolicy{cfg: cfg, store: store, rng: rng, log: log}
	if cfg.Lunch.Enabled {
		p.slots = append(p.slots, mealSlot{MealSlot: cfg.Lunch, family: FamilyLunch, prompts: prompts.Lunch})
	}
	if cfg.Dinner.Enabled {
		p.slots = append(p.slots, mealSlot{MealSlot: cfg.Dinner, family: FamilyDinner, prompts: prompts.Dinner})
	}
	return p
}

func (p *mealPolicy) Name() string { return LoopMeal }

func (p *mealPolicy) Interval() time.Duration { return p.cfg.Interval }

func (p *mealPolicy) Plan(now time.Time) []Plan {
	var plans []Plan
	for i, slot := range p.slots {
		if p.store.BeginDay(slot.family, now) {
			p.log.Debug("new day; meal marker cleared", logx.String("family", slot.family))
		}
		if !slot.Window.Contains(now) {
			continue
		}
		cands := p.store.Candidates(slot.family, now, false)
		if len(cands) == 0 {
			continue
		}
		p.rng.with(func(r *rand.Rand) {
			r.Shuffle(len(cands), func(a, b int) { cands[a], cands[b] = cands[b], cands[a] })
		})
		picked := 0
		want := eligibility.SelectCount(len(cands), p.cfg.Ratio, p.cfg.MinSelected)
		for _, c := range cands {
			if picked >= want {
				break
			}
			if !c.Conversation.Valid() || !p.store.MarkSent(slot.family, c.UserID, now) {
				continue
			}
			picked++
			plans = append(plans, Plan{
				Family:       slot.family,
				UserID:       c.UserID,
				Conversation: c.Conversation,
				Delay:        p.rng.delay(time.Minute, slot.MaxDelay),
				Slot:         i,
			})
		}
	}
	return plans
}

func (p *mealPolicy) Revalidate(Plan, time.Time) bool { return true }

func (p *mealPolicy) Prompt(pl Plan, now time.Time) string {
	return prompts.Compose(p.slots[pl.Slot].prompts.Pick(p.rng.Intn), eligibility.PeriodOf(now.Hour()))
}

func (p *mealPolicy) Finish(Plan, Outcome, time.Time) {}
