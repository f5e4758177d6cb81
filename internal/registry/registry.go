// Package registry owns in-flight deferred sends. Each task is tagged with a
// user and a trigger family so inbound activity can cancel it before it fires.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"nudgebot/internal/clock"
	logx "nudgebot/pkg/logx"
)

var (
	// ErrDuplicateTask means a task with the same id is still registered.
	// Callers must cancel before rescheduling.
	ErrDuplicateTask = errors.New("registry: duplicate task id")
	ErrClosed        = errors.New("registry: closed")
)

type taskState int

const (
	statePending taskState = iota
	stateRunning
)

// Task is a deferred action. Run receives a context that is cancelled only
// when the registry closes, never by a user-level cancel.
type Task struct {
	ID     string
	UserID string
	Family string
	Delay  time.Duration
	Run    func(ctx context.Context) error
}

// Handle refers to a scheduled task.
type Handle struct {
	ID     string
	FireAt time.Time
	reg    *Registry
}

// Cancel cancels the task if it has not started. It is idempotent.
func (h *Handle) Cancel() bool {
	if h == nil || h.reg == nil {
		return false
	}
	return h.reg.Cancel(h.ID)
}

type entry struct {
	task   Task
	fireAt time.Time
	timer  clock.Timer
	state  taskState
}

// Info describes a registered task.
type Info struct {
	ID      string
	UserID  string
	Family  string
	FireAt  time.Time
	Running bool
}

type Registry struct {
	clk clock.Clock
	log logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*entry
	closed  bool
	running sync.WaitGroup

	onDone func(Info, error)
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

// WithOnDone installs a hook called after every task run (err is nil on
// success). It is not called for cancelled tasks.
func WithOnDone(fn func(Info, error)) Option { return func(r *Registry) { r.onDone = fn } }

func New(clk clock.Clock, opts ...Option) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{clk: clk, ctx: ctx, cancel: cancel, tasks: map[string]*entry{}}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Schedule registers t to run after t.Delay.
func (r *Registry) Schedule(t Task) (*Handle, error) {
	if t.ID == "" || t.Run == nil {
		return nil, errors.New("registry: task id and run func required")
	}
	if t.Delay < 0 {
		t.Delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, dup := r.tasks[t.ID]; dup {
		r.log.Error("duplicate task id rejected", logx.String("task", t.ID), logx.String("user", t.UserID), logx.String("family", t.Family))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	e := &entry{task: t, fireAt: r.clk.Now().Add(t.Delay)}
	r.tasks[t.ID] = e
	// The timer may fire immediately on another goroutine; fire() takes the
	// lock we hold, so it observes a fully registered entry.
	e.timer = r.clk.AfterFunc(t.Delay, func() { r.fire(t.ID, e) })

	r.log.Debug("task scheduled",
		logx.String("task", t.ID),
		logx.String("user", t.UserID),
		logx.String("family", t.Family),
		logx.Duration("delay", t.Delay),
	)
	return &Handle{ID: t.ID, FireAt: e.fireAt, reg: r}, nil
}

func (r *Registry) fire(id string, e *entry) {
	r.mu.Lock()
	cur, ok := r.tasks[id]
	if !ok || cur != e || e.state != statePending || r.closed {
		r.mu.Unlock()
		return
	}
	e.state = stateRunning
	r.running.Add(1)
	ctx := r.ctx
	r.mu.Unlock()

	var err error
	defer func() {
		r.mu.Lock()
		if cur, ok := r.tasks[id]; ok && cur == e {
			delete(r.tasks, id)
		}
		r.mu.Unlock()
		r.running.Done()
		if r.onDone != nil {
			r.onDone(infoOf(e, false), err)
		}
	}()

	err = r.run(ctx, e)
}

func (r *Registry) run(ctx context.Context, e *entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in task %s: %v", e.task.ID, p)
			r.log.Error("task panicked", logx.String("task", e.task.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	return e.task.Run(ctx)
}

// Cancel cancels one pending task. It returns false if the task is unknown
// or already running.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return false
	}
	return r.cancelLocked(id, e)
}

func (r *Registry) cancelLocked(id string, e *entry) bool {
	if e.state != statePending {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.tasks, id)
	return true
}

// CancelUser cancels the user's pending tasks in the given families, or in
// every family when none is given. It returns the number cancelled.
func (r *Registry) CancelUser(userID string, families ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.tasks {
		if e.task.UserID != userID || !matchFamily(e.task.Family, families) {
			continue
		}
		if r.cancelLocked(id, e) {
			n++
		}
	}
	if n > 0 {
		r.log.Debug("user tasks cancelled", logx.String("user", userID), logx.Int("count", n))
	}
	return n
}

// CancelAll cancels every pending task.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.tasks {
		if r.cancelLocked(id, e) {
			n++
		}
	}
	return n
}

func matchFamily(f string, families []string) bool {
	if len(families) == 0 {
		return true
	}
	for _, x := range families {
		if x == f {
			return true
		}
	}
	return false
}

// Pending counts registered (pending or running) tasks for userID in family.
func (r *Registry) Pending(userID, family string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.tasks {
		if e.task.UserID == userID && e.task.Family == family {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Snapshot lists registered tasks ordered by fire time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, infoOf(e, e.state == stateRunning))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func infoOf(e *entry, running bool) Info {
	return Info{ID: e.task.ID, UserID: e.task.UserID, Family: e.task.Family, FireAt: e.fireAt, Running: running}
}

// Close cancels pending tasks, rejects new ones and waits for running
// actions until ctx is done. Running actions see their context cancelled
// only if the wait times out.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	n := 0
	for id, e := range r.tasks {
		if r.cancelLocked(id, e) {
			n++
		}
	}
	r.mu.Unlock()
	r.log.Debug("registry closing", logx.Int("cancelled", n))

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
