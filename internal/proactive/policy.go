package proactive

import (
	"math/rand"
	"sync"
	"time"

	"nudgebot/internal/eligibility"
	"nudgebot/internal/state"
)

// Trigger families. Loop names group one or more task families.
const (
	LoopEscalation = "escalation"
	LoopGreeting   = "greeting"
	LoopMeal       = "meal"
	LoopSharing    = "sharing"

	FamilyEscalation = "escalation"
	FamilyMorning    = "greeting.morning"
	FamilyNight      = "greeting.night"
	FamilyLunch      = "meal.lunch"
	FamilyDinner     = "meal.dinner"
	FamilySharing    = "sharing"
)

type Outcome int

const (
	Sent Outcome = iota
	Aborted
)

// Plan is one send a policy decided to schedule.
type Plan struct {
	Family       string
	UserID       string
	Conversation state.ConversationRef
	Delay        time.Duration
	// Escalation is set for escalation plans only.
	Escalation state.Escalation
	// Slot carries policy-specific data (the greeting or meal slot).
	Slot int
	RunID string
}

// Policy is one trigger family's rules. Plan is called once per loop tick
// and must reserve whatever state prevents the same send from being planned
// again on the next tick.
type Policy interface {
	Name() string
	Interval() time.Duration
	Plan(now time.Time) []Plan
	// Revalidate runs just before content generation.
	Revalidate(p Plan, now time.Time) bool
	Prompt(p Plan, now time.Time) string
	Finish(p Plan, o Outcome, now time.Time)
}

// lockedRand is a goroutine-safe wrapper around math/rand.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(r *rand.Rand) *lockedRand {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{r: r}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// with runs fn holding the lock, for helpers that take a *rand.Rand.
func (l *lockedRand) with(fn func(r *rand.Rand)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.r)
}

func (l *lockedRand) delay(lo, hi time.Duration) time.Duration {
	var d time.Duration
	l.with(func(r *rand.Rand) { d = eligibility.RandomDelay(r, lo, hi) })
	return d
}
