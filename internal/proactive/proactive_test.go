package proactive

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nudgebot/internal/clock"
	"nudgebot/internal/eligibility"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/prompts"
	"nudgebot/internal/registry"
	"nudgebot/internal/state"
	"nudgebot/internal/whitelist"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

// 2024-05-01 is a Wednesday; 10:00 is inside the default active hours.
var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type sent struct {
	Ref  state.ConversationRef
	Text string
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *fakeSink) Send(_ context.Context, ref state.ConversationRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{Ref: ref, Text: text})
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSink) to(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.sent {
		if x.Ref.ID == id {
			n++
		}
	}
	return n
}

type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	systems []string
	role    string
	err     error
}

func (g *fakeGen) Generate(_ context.Context, prompt, system string, _ []Turn) (Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	g.systems = append(g.systems, system)
	if g.err != nil {
		return Reply{}, g.err
	}
	role := g.role
	if role == "" {
		role = RoleAssistant
	}
	return Reply{Text: "hey there", Role: role}, nil
}

func (g *fakeGen) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type fakeResolver struct {
	mu      sync.Mutex
	missing map[string]bool
}

func (r *fakeResolver) Resolve(_ context.Context, ref state.ConversationRef) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[ref.ID] {
		return Conversation{}, ErrConversationNotFound
	}
	return Conversation{History: []Turn{{Role: RoleUser, Content: "hi"}}}, nil
}

type harness struct {
	clk   *clock.Fake
	wl    *whitelist.List
	store *state.Store
	tasks *registry.Registry
	gen   *fakeGen
	sink  *fakeSink
	res   *fakeResolver
	bus   eventbus.Bus
	svc   *Service
}

func newHarness(t *testing.T, cfg Config, start time.Time) *harness {
	t.Helper()
	h := &harness{
		clk:  clock.NewFake(start),
		wl:   whitelist.New(false, nil),
		gen:  &fakeGen{},
		sink: &fakeSink{},
		res:  &fakeResolver{missing: map[string]bool{}},
		bus:  eventbus.New(),
	}
	h.store = state.NewStore(h.wl)
	h.tasks = registry.New(h.clk)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	svc, err := New(cfg, Deps{
		Store:         h.store,
		Tasks:         h.tasks,
		Generator:     h.gen,
		Sink:          h.sink,
		Conversations: h.res,
		Clock:         h.clk,
		Bus:           h.bus,
		Rand:          rand.New(rand.NewSource(7)),
	})
	require.NoError(t, err)
	h.svc = svc
	t.Cleanup(func() { _ = h.tasks.Close(context.Background()) })
	return h
}

func (h *harness) loop(t *testing.T, name string) *Loop {
	t.Helper()
	l, ok := h.svc.Loop(name)
	require.True(t, ok, "loop %s not configured", name)
	return l
}

func ref(id string) state.ConversationRef { return state.ConversationRef{ID: id, Origin: "telegram:private"} }

func escalationConfig() Config {
	pol := eligibility.DefaultInactivity()
	pol.TimeLimit = false
	return Config{Escalation: EscalationConfig{Enabled: true, Interval: 10 * time.Second, Policy: pol}}
}

// eventsOf drains what the subscription has buffered so far.
func eventsOf(ch <-chan eventbus.Event, typ string) []SendEvent {
	var out []SendEvent
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				out = append(out, e.Data.(SendEvent))
			}
		default:
			return out
		}
	}
}

func TestEscalationCapsAndResetsOnReply(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), h.clk.Now())

	for i := 0; i < 24*60; i++ {
		l.Tick(h.clk.Now())
		require.LessOrEqual(t, h.tasks.Pending("u1", FamilyEscalation), 1)
		h.clk.Advance(time.Minute)
	}
	require.Equal(t, 3, h.sink.count(), "capped at max consecutive")
	r, ok := h.store.Get("u1")
	require.True(t, ok)
	require.Equal(t, 3, r.ConsecutiveSends)
	require.True(t, r.Awaiting)
	require.Contains(t, h.gen.lastPrompt(), "last one you will send")

	ack := h.svc.OnUserMessage("u1", ref("c1"), h.clk.Now())
	require.True(t, ack)
	r, _ = h.store.Get("u1")
	require.Zero(t, r.ConsecutiveSends)

	for i := 0; i < 4*60; i++ {
		l.Tick(h.clk.Now())
		h.clk.Advance(time.Minute)
	}
	require.Equal(t, 4, h.sink.count(), "escalation re-armed after reply")
}

func TestExpiredWindowResetsThenSchedulesNextWindow(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)

	// threshold 7200s plus window 3600s has passed: reset, no send
	h.clk.Advance(11000 * time.Second)
	now := h.clk.Now()
	require.Zero(t, l.Tick(now))
	require.Zero(t, h.tasks.Len())
	r, _ := h.store.Get("u1")
	require.Equal(t, now, r.LastActivityAt)
	require.Zero(t, r.ConsecutiveSends)
	require.False(t, r.EscalationPending)

	// 8000s into the new window leaves at most 2800s
	h.clk.Advance(8000 * time.Second)
	now = h.clk.Now()
	require.Equal(t, 1, l.Tick(now))
	snap := h.tasks.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, FamilyEscalation, snap[0].Family)
	delay := snap[0].FireAt.Sub(now)
	require.True(t, delay > 0 && delay <= 2800*time.Second, "delay %s", delay)
}

func TestInboundActivityCancelsPendingSend(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)

	h.clk.Advance(2*time.Hour + 10*time.Minute)
	require.Equal(t, 1, l.Tick(h.clk.Now()))
	snap := h.tasks.Snapshot()
	require.Len(t, snap, 1)
	delay := snap[0].FireAt.Sub(h.clk.Now())
	require.Positive(t, delay)

	h.clk.Advance(delay * 2 / 5)
	h.svc.OnUserMessage("u1", ref("c1"), h.clk.Now())
	h.clk.Advance(2 * time.Hour)

	require.Zero(t, h.sink.count())
	require.Zero(t, h.tasks.Len())
	r, _ := h.store.Get("u1")
	require.Zero(t, r.ConsecutiveSends)
	require.False(t, r.EscalationPending)
}

func TestEscalationSkipsWhileTaskPending(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)

	h.clk.Advance(2*time.Hour + time.Minute)
	require.Equal(t, 1, l.Tick(h.clk.Now()))
	require.Zero(t, l.Tick(h.clk.Now()))
	require.Zero(t, l.Tick(h.clk.Now().Add(time.Second)))
	require.Equal(t, 1, h.tasks.Pending("u1", FamilyEscalation))
}

func TestWhitelistRemovalDropsPendingSend(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	h.wl.Apply(true, []string{"u1"})
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)
	h.clk.Advance(2*time.Hour + time.Minute)
	require.Equal(t, 1, l.Tick(h.clk.Now()))

	h.wl.Apply(true, nil)
	h.clk.Advance(time.Hour)

	require.Zero(t, h.sink.count())
	_, ok := h.store.Get("u1")
	require.False(t, ok, "record evicted")
	aborted := eventsOf(ch, EventAborted)
	require.Len(t, aborted, 1)
	require.Equal(t, ReasonNotWhitelisted, aborted[0].Reason)
}

func TestNonWhitelistedActivityIgnored(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	h.wl.Apply(true, []string{"u1"})

	require.False(t, h.svc.OnUserMessage("u2", ref("c2"), t0))
	_, ok := h.store.Get("u2")
	require.False(t, ok)
}

func TestBadRoleAbortsAndRollsBack(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	h.gen.role = RoleUser
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)
	h.clk.Advance(2*time.Hour + time.Minute)
	l.Tick(h.clk.Now())
	h.clk.Advance(time.Hour)

	require.Zero(t, h.sink.count())
	r, _ := h.store.Get("u1")
	require.Zero(t, r.ConsecutiveSends)
	require.False(t, r.EscalationPending)
	require.False(t, r.Awaiting)
	aborted := eventsOf(ch, EventAborted)
	require.Len(t, aborted, 1)
	require.Equal(t, ReasonBadRole, aborted[0].Reason)
}

func TestFailuresAbortOnlyThatSend(t *testing.T) {
	for _, tc := range []struct {
		name   string
		setup  func(h *harness)
		reason string
	}{
		{"conversation missing", func(h *harness) { h.res.missing["c1"] = true }, ReasonConversationMissing},
		{"sink failure", func(h *harness) { h.sink.err = errors.New("network down") }, ReasonSendFailed},
		{"generator failure", func(h *harness) { h.gen.err = errors.New("timeout") }, ReasonGenerateFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, escalationConfig(), t0)
			ch, unsub := h.bus.Subscribe(64)
			defer unsub()
			l := h.loop(t, LoopEscalation)
			h.svc.OnUserMessage("u1", ref("c1"), t0)
			h.svc.OnUserMessage("u2", ref("c2"), t0)
			tc.setup(h)

			h.clk.Advance(2*time.Hour + time.Minute)
			require.Equal(t, 2, l.Tick(h.clk.Now()))
			h.clk.Advance(time.Hour)

			var reasons []string
			for _, e := range eventsOf(ch, EventAborted) {
				reasons = append(reasons, e.Reason)
			}
			require.Contains(t, reasons, tc.reason)
			require.Zero(t, h.tasks.Len())
		})
	}

	t.Run("other users unaffected", func(t *testing.T) {
		h := newHarness(t, escalationConfig(), t0)
		l := h.loop(t, LoopEscalation)
		h.res.missing["c1"] = true
		h.svc.OnUserMessage("u1", ref("c1"), t0)
		h.svc.OnUserMessage("u2", ref("c2"), t0)

		h.clk.Advance(2*time.Hour + time.Minute)
		l.Tick(h.clk.Now())
		h.clk.Advance(time.Hour)
		require.Zero(t, h.sink.to("c1"))
		require.Equal(t, 1, h.sink.to("c2"))
	})
}

func TestDailyGreetingOncePerDay(t *testing.T) {
	cfg := Config{Greetings: GreetingConfig{
		Enabled:  true,
		Interval: time.Minute,
		Morning:  GreetingSlot{Enabled: true, At: eligibility.FixedTime{Hour: 8}},
	}}
	start := time.Date(2024, 5, 1, 7, 59, 0, 0, time.UTC)
	h := newHarness(t, cfg, start)
	l := h.loop(t, LoopGreeting)

	// u2 is known only from a send before the restart.
	h.store.Restore(state.Snapshot{History: []state.HistoryEntry{{UserID: "u2", Conversation: ref("c2"), SentAt: start.Add(-24 * time.Hour)}}})
	h.svc.OnUserMessage("u1", ref("c1"), start)

	require.Zero(t, l.Tick(h.clk.Now()), "not due yet")
	h.clk.Advance(time.Minute)
	require.Equal(t, 2, l.Tick(h.clk.Now()))
	h.clk.Advance(0)
	require.Equal(t, 2, h.sink.count())
	require.Zero(t, l.Tick(h.clk.Now()), "marked for today")

	h.clk.Advance(24 * time.Hour)
	require.Equal(t, 2, l.Tick(h.clk.Now()), "eligible again on the next day")
	h.clk.Advance(0)
	require.Equal(t, 2, h.sink.to("c1"))
	require.Equal(t, 2, h.sink.to("c2"))
}

func TestMealSelectsShareOfUsers(t *testing.T) {
	cfg := Config{Meals: MealConfig{
		Enabled:     true,
		Interval:    10 * time.Second,
		Lunch:       MealSlot{Enabled: true, Window: eligibility.HourWindow{Start: 11, End: 14}, MaxDelay: 30 * time.Minute},
		Ratio:       0.3,
		MinSelected: 1,
	}}
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, cfg, start)
	l := h.loop(t, LoopMeal)
	for i := 0; i < 10; i++ {
		h.svc.OnUserMessage(fmt.Sprintf("u%d", i), ref(fmt.Sprintf("c%d", i)), start)
	}

	require.Equal(t, 3, l.Tick(h.clk.Now()))
	for i := 0; i < 20; i++ {
		h.clk.Advance(10 * time.Second)
		l.Tick(h.clk.Now())
	}
	h.clk.Advance(time.Hour)
	require.Equal(t, 10, h.sink.count())
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, h.sink.to(fmt.Sprintf("c%d", i)))
	}
}

func TestSharingRespectsCooldown(t *testing.T) {
	cfg := Config{Sharing: SharingConfig{
		Enabled:  true,
		Interval: 10 * time.Second,
		Policy:   eligibility.Sharing{MinInterval: 3 * time.Hour, MaxInterval: 6 * time.Hour},
		MaxDelay: 10 * time.Minute,
	}}
	h := newHarness(t, cfg, t0)
	l := h.loop(t, LoopSharing)
	const users = 200
	for i := 0; i < users; i++ {
		h.svc.OnUserMessage(fmt.Sprintf("u%d", i), ref(fmt.Sprintf("c%d", i)), t0)
	}

	first := l.Tick(h.clk.Now())
	require.Greater(t, first, users/4)
	require.Less(t, first, users*3/4)

	for i := 0; i < 5; i++ {
		l.Tick(h.clk.Now())
	}
	for i := 0; i < users; i++ {
		require.LessOrEqual(t, h.tasks.Pending(fmt.Sprintf("u%d", i), FamilySharing), 1)
	}
	h.clk.Advance(10 * time.Minute)
	require.LessOrEqual(t, h.sink.count(), users)
	require.Contains(t, h.gen.lastPrompt(), "morning")
}

func TestSharingCooldownsResetAtRollover(t *testing.T) {
	cfg := Config{Sharing: SharingConfig{
		Enabled:  true,
		Interval: 10 * time.Second,
		Policy:   eligibility.Sharing{MinInterval: 3 * time.Hour, MaxInterval: 6 * time.Hour},
		MaxDelay: 10 * time.Minute,
	}}
	late := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	h := newHarness(t, cfg, late)
	l := h.loop(t, LoopSharing)
	const users = 200
	for i := 0; i < users; i++ {
		h.svc.OnUserMessage(fmt.Sprintf("u%d", i), ref(fmt.Sprintf("c%d", i)), late)
	}

	require.Positive(t, l.Tick(late))
	var shared []string
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("u%d", i)
		if _, ok := h.store.LastShared(id); ok {
			shared = append(shared, id)
		}
	}
	require.Greater(t, len(shared), users/4)

	// 70 minutes later is inside MinInterval but on the next day
	h.clk.Advance(70 * time.Minute)
	now := h.clk.Now()
	require.NotEqual(t, late.Day(), now.Day())
	l.Tick(now)

	again := 0
	for _, id := range shared {
		if last, ok := h.store.LastShared(id); ok && last.Equal(now) {
			again++
		}
	}
	require.Greater(t, again, len(shared)/4, "cooldown cleared: first-share odds again")
	require.Less(t, again, len(shared)*3/4)
}

func TestAugmentRequestOnce(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	h.svc.OnUserMessage("u1", ref("c1"), t0)
	h.store.NoteSent("u1", ref("c1"), t0.Add(time.Hour))

	req := &Request{SystemPrompt: "persona"}
	require.False(t, h.svc.AugmentRequest("u1", req), "no reply yet")

	require.True(t, h.svc.OnUserMessage("u1", ref("c1"), t0.Add(2*time.Hour)))
	require.True(t, h.svc.AugmentRequest("u1", req))
	require.Contains(t, req.SystemPrompt, prompts.Acknowledge)
	require.Contains(t, req.SystemPrompt, "persona")

	next := &Request{SystemPrompt: "persona"}
	require.False(t, h.svc.AugmentRequest("u1", next))
	require.Equal(t, "persona", next.SystemPrompt)
}

func TestApplyWhitelistCancelsTasks(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)
	h.svc.OnUserMessage("u2", ref("c2"), t0)
	h.clk.Advance(2*time.Hour + time.Minute)
	require.Equal(t, 2, l.Tick(h.clk.Now()))

	h.wl.Apply(true, []string{"u2"})
	require.Equal(t, []string{"u1"}, h.svc.ApplyWhitelist())
	require.Zero(t, h.tasks.Pending("u1", FamilyEscalation))
	require.Equal(t, 1, h.tasks.Pending("u2", FamilyEscalation))
}

type panicPolicy struct{ ticks int }

func (p *panicPolicy) Name() string            { return "panicky" }
func (p *panicPolicy) Interval() time.Duration { return time.Second }
func (p *panicPolicy) Plan(time.Time) []Plan {
	p.ticks++
	panic("boom")
}
func (p *panicPolicy) Revalidate(Plan, time.Time) bool { return true }
func (p *panicPolicy) Prompt(Plan, time.Time) string   { return "" }
func (p *panicPolicy) Finish(Plan, Outcome, time.Time) {}

func TestLoopSurvivesTickPanicsThenGivesUp(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	pol := &panicPolicy{}
	l := &Loop{policy: pol, clk: h.clk, tasks: h.tasks, disp: nil, log: h.svc.log}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var err error
	require.Eventually(t, func() bool {
		h.clk.Advance(time.Second)
		select {
		case err = <-errCh:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, err, errTickPanics)
	require.Equal(t, maxTickPanics, pol.ticks)
}

func TestStartStopFamilies(t *testing.T) {
	cfg := escalationConfig()
	cfg.Sharing = SharingConfig{Enabled: true, Interval: 10 * time.Second, Policy: eligibility.Sharing{MinInterval: time.Hour, MaxInterval: 2 * time.Hour}}
	h := newHarness(t, cfg, t0)
	require.Equal(t, []string{LoopEscalation, LoopSharing}, h.svc.Loops())

	require.Error(t, h.svc.StartFamily(LoopEscalation), "service not started")
	require.NoError(t, h.svc.Start(context.Background()))
	require.NoError(t, h.svc.Start(context.Background()), "idempotent")
	require.Error(t, h.svc.StartFamily(LoopMeal))

	active := func(name string) int64 {
		sup := h.svc.Supervisor()
		if sup == nil {
			return 0
		}
		for _, g := range sup.Snapshot().Goroutines {
			if g.Name == "proactive."+name {
				return g.Active
			}
		}
		return 0
	}
	require.Eventually(t, func() bool { return active(LoopEscalation) == 1 && active(LoopSharing) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.svc.StopFamily(LoopSharing)
	require.Eventually(t, func() bool { return active(LoopSharing) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), active(LoopEscalation))

	require.NoError(t, h.svc.StartFamily(LoopSharing))
	require.Eventually(t, func() bool { return active(LoopSharing) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))
	require.Nil(t, h.svc.Supervisor())
}

func TestRestartAfterStopStillSchedules(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, h.svc.Stop(ctx))
	}

	require.NoError(t, h.svc.Start(context.Background()))
	stop()

	h.svc.OnUserMessage("u1", ref("c1"), t0.Add(-2*time.Hour-time.Minute))
	require.NoError(t, h.svc.Start(context.Background()))
	require.Eventually(t, func() bool { return h.tasks.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.tasks.Pending("u1", FamilyEscalation))

	stop()
	require.Zero(t, h.tasks.Pending("u1", FamilyEscalation), "stop cancels pending sends")
}

func TestStoppedEscalationReservationIsReleased(t *testing.T) {
	h := newHarness(t, escalationConfig(), t0)
	l := h.loop(t, LoopEscalation)
	h.svc.OnUserMessage("u1", ref("c1"), t0)
	h.clk.Advance(2*time.Hour + time.Minute)
	require.Equal(t, 1, l.Tick(h.clk.Now()))

	require.Equal(t, 1, h.tasks.CancelAll())
	r, _ := h.store.Get("u1")
	require.True(t, r.EscalationPending)

	l.Tick(h.clk.Now())
	r, _ = h.store.Get("u1")
	require.False(t, r.EscalationPending)
	require.Zero(t, r.ConsecutiveSends)
}
