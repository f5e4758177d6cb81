package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nudgebot/internal/clock"
	"nudgebot/internal/config"
	"nudgebot/internal/conversation"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/llm"
	"nudgebot/internal/notifier"
	"nudgebot/internal/proactive"
	"nudgebot/internal/registry"
	"nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/state"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/scheduler"
	kit "nudgebot/internal/transport"
	telegram "nudgebot/internal/transport/telegram/adapter"
	"nudgebot/internal/whitelist"
	logx "nudgebot/pkg/logx"
)

const (
	updatesBuffer  = 256
	restoreTimeout = 10 * time.Second
	replyTimeout   = 90 * time.Second
	auditTimeout   = 5 * time.Second
)

type App struct {
	cfgm *config.ConfigManager
	rt   *config.Runtime
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	clk  clock.Clock
	bus  eventbus.Bus

	store storage.Store
	wl    *whitelist.List
	users *state.Store
	tasks *registry.Registry
	book  *conversation.Book
	gen   proactive.Generator

	adapter kit.Adapter
	notif   *notifier.Service
	pro     *proactive.Service
	sched   *scheduler.Service

	updates chan kit.Update
}

// parts are the externally backed collaborators; tests substitute fakes.
type parts struct {
	logs          *logx.Service
	log           logx.Logger
	adapter       kit.Adapter
	gen           proactive.Generator
	undeliverable func(error) bool
	clk           clock.Clock
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(rt.Telegram, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rt.Logging)
	gen, err := llm.New(rt.LLM, log.With(logx.String("comp", "llm")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	return build(cfgm, rt, parts{
		logs:          logSvc,
		log:           log,
		adapter:       ad,
		gen:           gen,
		undeliverable: telegram.Undeliverable,
		clk:           clock.New(),
	})
}

func build(cfgm *config.ConfigManager, rt *config.Runtime, p parts) (*App, error) {
	if p.clk == nil {
		p.clk = clock.New()
	}
	log := p.log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	wl := whitelist.New(rt.WhitelistEnabled, rt.WhitelistIDs)
	users := state.NewStore(wl)

	store, err := storage.Open(rt.Storage, p.log)
	if err != nil {
		return nil, err
	}
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		snap, err := store.LoadState(ctx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("restore state: %w", err)
		}
		users.Restore(snap)
		log.Info("state restored",
			logx.String("driver", rt.Storage.Driver),
			logx.Int("users", users.Len()),
			logx.Int("history", len(snap.History)),
			logx.Time("saved_at", snap.SavedAt),
		)
	}

	taskLog := p.log.With(logx.String("comp", "registry"))
	tasks := registry.New(p.clk,
		registry.WithLogger(taskLog),
		registry.WithOnDone(func(info registry.Info, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				taskLog.Debug("task finished with error",
					logx.String("task", info.ID), logx.String("family", info.Family), logx.Err(err))
			}
		}),
	)
	book := conversation.New(rt.Conversation)

	undeliverable := p.undeliverable
	if undeliverable == nil {
		undeliverable = func(error) bool { return false }
	}
	notif := notifier.New(rt.Notifier, p.adapter, p.log.With(logx.String("comp", "notifier")),
		notifier.WithUndeliverable(undeliverable),
		notifier.WithRecorder(book),
		notifier.WithBus(bus),
	)
	if p.logs != nil {
		p.logs.SetAlertSender(notif)
	}

	pro, err := proactive.New(rt.Proactive, proactive.Deps{
		Store:         users,
		Tasks:         tasks,
		Generator:     p.gen,
		Sink:          notif,
		Conversations: book,
		Clock:         p.clk,
		Bus:           bus,
		Log:           p.log,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		rt:      rt,
		log:     log,
		logs:    p.logs,
		clk:     p.clk,
		bus:     bus,
		store:   store,
		wl:      wl,
		users:   users,
		tasks:   tasks,
		book:    book,
		gen:     p.gen,
		adapter: p.adapter,
		notif:   notif,
		pro:     pro,
		sched:   scheduler.New(rt.Housekeeping, p.log.With(logx.String("comp", "housekeeping")), bus),
		updates: make(chan kit.Update, updatesBuffer),
	}
	if err := a.registerHousekeeping(); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Proactive exposes the scheduler service.
func (a *App) Proactive() *proactive.Service { return a.pro }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "app.supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.notif.Start(runCtx)

	if a.store != nil {
		a.sup.Go0("audit", func(c context.Context) {
			eventbus.Listen(c, a.bus, 256, a.audit, proactive.EventSent, proactive.EventAborted)
		})
	}
	if a.log.Enabled(logx.LevelDebug) {
		a.sup.Go0("eventbus.log", func(c context.Context) {
			eventbus.Listen(c, a.bus, 128, func(e eventbus.Event) {
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			})
		})
	}

	if err := a.pro.Start(runCtx); err != nil {
		return err
	}
	a.sched.Start(runCtx)
	if a.store != nil {
		// persist the restored state once the loops are up
		if err := a.save(runCtx); err != nil {
			a.log.Warn("startup save failed", logx.Err(err))
		}
	}

	a.startReplyWorkers()

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Any("loops", a.pro.Loops()),
		logx.Bool("storage", a.store != nil),
		logx.Bool("whitelist", a.wl.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.logRuntimeStats()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "proactive", 3*time.Second, a.pro.Stop)
	a.step(ctx, "registry", 3*time.Second, a.tasks.Close)
	a.step(ctx, "housekeeping", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.store != nil {
		a.step(ctx, "state.save", 3*time.Second, a.save)
	}
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

// logRuntimeStats reports restarts and panics of every supervised component.
func (a *App) logRuntimeStats() {
	sups := map[string]*supervisor.Supervisor{
		"app":       a.sup,
		"proactive": a.pro.Supervisor(),
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *supervisor.Supervisor }); ok {
		sups["telegram.adapter"] = sp.Supervisor()
	}
	for name, sup := range sups {
		if sup == nil {
			continue
		}
		snap := sup.Snapshot()
		var restarts, panics uint64
		for _, g := range snap.Goroutines {
			restarts += g.Restarts
			panics += g.Panics
		}
		a.log.Info("runtime stats",
			logx.String("supervisor", name),
			logx.Int64("active", snap.Counters.Active),
			logx.Uint64("started", snap.Counters.Started),
			logx.Uint64("restarts", restarts),
			logx.Uint64("panics", panics),
			logx.String("first_error", snap.FirstError),
		)
	}
}
