package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/proactive"
	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/state"
	kit "nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier: alerts disabled")
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
	ErrBadTarget = errors.New("notifier: bad conversation id")
)

// Recorder is the conversation book view the sink needs.
type Recorder interface {
	Append(ref state.ConversationRef, role, content string, now time.Time)
	Forget(ref state.ConversationRef)
}

type Option func(*Service)

// WithUndeliverable installs the transport's "chat is gone" classifier.
func WithUndeliverable(fn func(error) bool) Option {
	return func(s *Service) { s.undeliverable = fn }
}

func WithRecorder(r Recorder) Option { return func(s *Service) { s.book = r } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

type alertJob struct {
	text string
	key  string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log           logx.Logger
	sender        kit.Sender
	book          Recorder
	bus           eventbus.Bus
	undeliverable func(error) bool

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan alertJob
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ proactive.Sink = (*Service)(nil)

func New(cfg Config, sender kit.Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:        sender,
		log:           log,
		dedup:         map[string]time.Time{},
		undeliverable: func(error) bool { return false },
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 500
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// ---- proactive sink ----

// Send delivers one proactive message. It is not retried.
func (s *Service) Send(ctx context.Context, ref state.ConversationRef, text string) error {
	to, err := ParseTarget(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	lim, timeout, sender, book, bus := s.limiter, s.cfg.SendTimeout, s.sender, s.book, s.bus
	s.mu.Unlock()
	if sender == nil {
		return errors.New("notifier: no sender")
	}

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = sender.SendText(callCtx, to, text, nil)
	now := time.Now()
	if err != nil {
		if s.undeliverable(err) {
			if book != nil {
				book.Forget(ref)
			}
			s.log.Info("chat unreachable; forgotten", logx.Int64("chat", to.ChatID), logx.Err(err))
		}
		s.publish(bus, "notifier.failed", NotificationEvent{Kind: "proactive", ChatID: to.ChatID, At: now, Error: err.Error()})
		return err
	}

	if book != nil {
		book.Append(ref, proactive.RoleAssistant, text, now)
	}
	s.appendHistory(to.ChatID, text)
	s.publish(bus, "notifier.sent", NotificationEvent{Kind: "proactive", ChatID: to.ChatID, At: now})
	return nil
}

// ConversationRef builds the handle for a chat. Forum topics carry the
// thread id after a slash.
func ConversationRef(chatID int64, threadID int, group bool) state.ConversationRef {
	id := strconv.FormatInt(chatID, 10)
	if threadID != 0 {
		id += "/" + strconv.Itoa(threadID)
	}
	origin := "telegram:private"
	if group {
		origin = "telegram:group"
	}
	return state.ConversationRef{ID: id, Origin: origin}
}

// ParseTarget is the inverse of ConversationRef.
func ParseTarget(ref state.ConversationRef) (kit.ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(ref.ID, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("%w: %q", ErrBadTarget, ref.ID)
	}
	to := kit.ChatTarget{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(thread)
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("%w: %q", ErrBadTarget, ref.ID)
		}
		to.ThreadID = n
	}
	return to, nil
}

// ---- alert pipeline ----

// Start launches the alert workers. It is a no-op without an alert chat or
// when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || s.cfg.AlertChatID == 0 {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan alertJob, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("alert.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("alert worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the alert queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// SendAlert queues text for the alert chat. It never blocks.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.cfg.AlertChatID == 0 {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries, chat, bus := s.cfg.DedupWindow, s.cfg.DedupMaxEntries, s.cfg.AlertChatID, s.bus
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(chat, text)
	now := time.Now()
	if window > 0 && !s.dedupAllow(key, now, window, maxEntries) {
		s.publish(bus, "notifier.deduped", NotificationEvent{Kind: "alert", ChatID: chat, Key: key, At: now})
		return nil
	}
	select {
	case q <- alertJob{text: text, key: key}:
		return nil
	default:
		s.publish(bus, "notifier.dropped", NotificationEvent{Kind: "alert", ChatID: chat, Key: key, At: now, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan alertJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j alertJob) {
	s.mu.Lock()
	cfg, lim, sender, bus := s.cfg, s.limiter, s.sender, s.bus
	s.mu.Unlock()
	if sender == nil || j.text == "" {
		return
	}
	to := kit.ChatTarget{ChatID: cfg.AlertChatID}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, to, j.text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.appendHistory(to.ChatID, j.text)
			s.publish(bus, "notifier.sent", NotificationEvent{Kind: "alert", ChatID: to.ChatID, Key: j.key, At: time.Now()})
			return
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	// Logging here would feed the alert sink again; the bus event is enough.
	s.publish(bus, "notifier.failed", NotificationEvent{Kind: "alert", ChatID: to.ChatID, Key: j.key, At: time.Now(), Error: lastErr.Error()})
}

// Snapshot returns recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(chat int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chat, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(bus eventbus.Bus, typ string, ev NotificationEvent) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func dedupKey(chat int64, text string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|", chat)
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, now time.Time, window time.Duration, maxEntries int) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
