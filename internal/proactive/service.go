// Package proactive runs the scheduler loops that decide when to message a
// user unprompted, and the deferred sends they register.
//
// Four loops share one state store and one task registry:
//
//   - escalation: nudges a user who went quiet, up to a capped number of
//     unanswered sends;
//   - greeting: fixed morning and night greetings, once per user per day;
//   - meal: lunch and dinner check-ins for a random share of users;
//   - sharing: probabilistic "thinking of you" messages.
//
// Inbound activity (OnUserMessage) cancels pending sends and resets the
// escalation counter. Each loop runs under a supervisor and restarts with
// backoff if it fails.
package proactive

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/clock"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/prompts"
	"nudgebot/internal/registry"
	"nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

// Config is the resolved scheduler configuration.
type Config struct {
	Location     *time.Location
	SystemPrompt string
	// CancelOnReply lists the families whose pending sends an inbound
	// message cancels. Empty means all families.
	CancelOnReply  []string
	RestartBackoff time.Duration

	Escalation EscalationConfig
	Greetings  GreetingConfig
	Meals      MealConfig
	Sharing    SharingConfig
}

// Deps are the collaborators the service drives.
type Deps struct {
	Store         *state.Store
	Tasks         *registry.Registry
	Generator     Generator
	Sink          Sink
	Conversations ConversationResolver
	Clock         clock.Clock
	Bus           eventbus.Bus
	Log           logx.Logger
	Rand          *rand.Rand
}

type Service struct {
	cfg   Config
	store *state.Store
	tasks *registry.Registry
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger

	loops map[string]*Loop

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	running map[string]context.CancelFunc
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Tasks == nil {
		return nil, errors.New("proactive: store and task registry are required")
	}
	if deps.Generator == nil || deps.Sink == nil || deps.Conversations == nil {
		return nil, errors.New("proactive: generator, sink and conversation resolver are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 5 * time.Second
	}

	s := &Service{
		cfg:     cfg,
		store:   deps.Store,
		tasks:   deps.Tasks,
		clk:     deps.Clock,
		bus:     deps.Bus,
		log:     deps.Log,
		loops:   map[string]*Loop{},
		running: map[string]context.CancelFunc{},
	}

	rng := newLockedRand(deps.Rand)
	disp := &dispatcher{
		store:         deps.Store,
		gen:           deps.Generator,
		sink:          deps.Sink,
		conversations: deps.Conversations,
		clk:           deps.Clock,
		loc:           cfg.Location,
		systemPrompt:  cfg.SystemPrompt,
		bus:           deps.Bus,
		log:           deps.Log.With(logx.String("comp", "proactive.send")),
	}

	add := func(enabled bool, p Policy) {
		if !enabled {
			return
		}
		s.loops[p.Name()] = &Loop{
			policy: p,
			clk:    deps.Clock,
			loc:    cfg.Location,
			tasks:  deps.Tasks,
			disp:   disp,
			bus:    deps.Bus,
			log:    deps.Log.With(logx.String("comp", "proactive.loop"), logx.String("loop", p.Name())),
		}
	}
	policyLog := func(name string) logx.Logger {
		return deps.Log.With(logx.String("comp", "proactive.policy"), logx.String("loop", name))
	}

	add(cfg.Escalation.Enabled, &escalationPolicy{
		cfg: cfg.Escalation, store: deps.Store, tasks: deps.Tasks, rng: rng, log: policyLog(LoopEscalation),
	})
	add(cfg.Greetings.Enabled, newGreetingPolicy(cfg.Greetings, deps.Store, rng, policyLog(LoopGreeting)))
	add(cfg.Meals.Enabled, newMealPolicy(cfg.Meals, deps.Store, rng, policyLog(LoopMeal)))
	add(cfg.Sharing.Enabled, &sharingPolicy{cfg: cfg.Sharing, store: deps.Store, rng: rng, log: policyLog(LoopSharing)})

	return s, nil
}

// Loops lists the configured loop names.
func (s *Service) Loops() []string {
	out := make([]string, 0, len(s.loops))
	for _, name := range []string{LoopEscalation, LoopGreeting, LoopMeal, LoopSharing} {
		if _, ok := s.loops[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Loop returns the named loop, for driving ticks directly.
func (s *Service) Loop(name string) (*Loop, bool) {
	l, ok := s.loops[name]
	return l, ok
}

// Start launches every configured loop. It is a no-op if already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "proactive.supervisor"))))
	s.mu.Unlock()

	for _, name := range s.Loops() {
		if err := s.StartFamily(name); err != nil {
			return err
		}
	}
	s.log.Info("proactive scheduler started", logx.Any("loops", s.Loops()))
	return nil
}

// StartFamily starts one loop. Starting a running loop is a no-op.
func (s *Service) StartFamily(name string) error {
	l, ok := s.loops[name]
	if !ok {
		return errors.New("proactive: unknown or disabled loop " + name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return errors.New("proactive: service not started")
	}
	if _, running := s.running[name]; running {
		return nil
	}
	fctx, cancel := context.WithCancel(s.sup.Context())
	s.running[name] = cancel

	s.sup.GoRestart("proactive."+name, func(context.Context) error {
		return l.Run(fctx)
	},
		supervisor.WithRestartBackoff(s.cfg.RestartBackoff, 12*s.cfg.RestartBackoff),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartHook(s.onLoopRestart(name)),
	)
	return nil
}

func (s *Service) onLoopRestart(loop string) supervisor.RestartHook {
	return func(_ string, restarts int, wait time.Duration, err error) {
		if s.bus == nil {
			return
		}
		s.bus.Publish(eventbus.Event{Type: EventRestarted, Data: RestartEvent{
			Loop:     loop,
			Restarts: restarts,
			Backoff:  wait,
			Error:    err.Error(),
		}})
	}
}

// StopFamily stops one loop and cancels the pending sends of its families.
func (s *Service) StopFamily(name string) {
	s.mu.Lock()
	cancel, ok := s.running[name]
	delete(s.running, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	n := s.cancelFamilies(familiesOf(name))
	s.log.Info("loop stopped", logx.String("loop", name), logx.Int("cancelled", n))
}

func (s *Service) cancelFamilies(families []string) int {
	n := 0
	for _, info := range s.tasks.Snapshot() {
		if info.Running || !matches(info.Family, families) {
			continue
		}
		if s.tasks.Cancel(info.ID) {
			n++
		}
	}
	return n
}

func familiesOf(loop string) []string {
	switch loop {
	case LoopEscalation:
		return []string{FamilyEscalation}
	case LoopGreeting:
		return []string{FamilyMorning, FamilyNight}
	case LoopMeal:
		return []string{FamilyLunch, FamilyDinner}
	case LoopSharing:
		return []string{FamilySharing}
	}
	return nil
}

func matches(f string, families []string) bool {
	for _, x := range families {
		if x == f {
			return true
		}
	}
	return false
}

// Stop stops every loop and cancels the pending sends of their families.
// Sends already running are left to finish. The task registry is shared and
// stays open; whoever owns it closes it. A stopped service can be started
// again.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for name, cancel := range s.running {
		cancel()
		delete(s.running, name)
	}
	s.mu.Unlock()

	var errs []error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	var families []string
	for _, name := range s.Loops() {
		families = append(families, familiesOf(name)...)
	}
	n := s.cancelFamilies(families)
	s.log.Info("proactive scheduler stopped", logx.Int("cancelled", n))
	return errors.Join(errs...)
}

// Supervisor exposes the loop supervisor for health output. It is nil when
// the service is not running.
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// OnUserMessage records inbound activity. Pending sends for the user are
// cancelled and the escalation counter reset. It reports whether the next
// reply should acknowledge a proactive message.
func (s *Service) OnUserMessage(userID string, ref state.ConversationRef, now time.Time) bool {
	ack, ok := s.store.RecordActivity(userID, ref, now)
	var cancelled int
	if !ok {
		cancelled = s.tasks.CancelUser(userID)
		s.log.Debug("activity ignored (not whitelisted)", logx.String("user", userID), logx.Int("cancelled", cancelled))
	} else {
		cancelled = s.tasks.CancelUser(userID, s.cfg.CancelOnReply...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventActivity, Time: now, Data: ActivityEvent{
			UserID: userID, Acknowledge: ack, Cancelled: cancelled, At: now,
		}})
	}
	return ack
}

// AugmentRequest adds the acknowledgement instruction to the next reply
// request after a user answers a proactive message. It fires once per
// reply and reports whether req was changed.
func (s *Service) AugmentRequest(userID string, req *Request) bool {
	if req == nil || !s.store.ConsumeAcknowledgement(userID) {
		return false
	}
	if strings.Contains(req.SystemPrompt, prompts.Acknowledge) {
		return false
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = prompts.Acknowledge
	} else {
		req.SystemPrompt += "\n\n" + prompts.Acknowledge
	}
	return true
}

// ApplyWhitelist evicts users the current whitelist no longer admits and
// cancels their pending sends.
func (s *Service) ApplyWhitelist() []string {
	evicted := s.store.EvictAllNotWhitelisted()
	for _, id := range evicted {
		s.tasks.CancelUser(id)
	}
	if len(evicted) > 0 {
		s.log.Info("whitelist applied", logx.Int("evicted", len(evicted)))
	}
	return evicted
}
