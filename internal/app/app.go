package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/config"
	"nightpilot/internal/cooldown"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/executor"
	"nightpilot/internal/job"
	"nightpilot/internal/notify"
	rtsup "nightpilot/internal/runtime/supervisor"
	"nightpilot/internal/storage"
	"nightpilot/internal/task/engine"
	"nightpilot/internal/task/scheduler"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

// ShutdownGrace bounds how long Stop waits for in-flight chains.
var ShutdownGrace = 30 * time.Second

// App wires every component from one config file and owns their lifecycle.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gate   *cooldown.Gate
	exec   *executor.Executor
	usage  *usage.Collector
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notify.Service
}

// New loads the config (a missing file means defaults), opens the store,
// seeds system_config and builds the components. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	seed, _ := mapSystemSeed(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = store.SeedSystemConfig(ctx, seed)
	cancel()
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	pats, _ := mapCooldownPatterns(cfg)
	gate := cooldown.NewGate(pats, log, cooldown.WithBus(bus))

	ec, _ := mapExecutorConfig(cfg, seed)
	ex, err := executor.New(ec, gate, log)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	col := usage.NewCollector(mapUsageConfig(cfg, seed), store, log)
	eng := engine.New(mapEngineConfig(cfg, seed), log, bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:  store,
		Engine: eng,
		Runner: ex,
		Gate:   gate,
		Usage:  col,
		Bus:    bus,
		Log:    log,
	})

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notify.New(ncfg, log, bus)
	if ncfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramSink(ncfg.Telegram)
		if err != nil {
			log.Warn("telegram notifications disabled", logx.Err(err))
		} else {
			notif.SetSink(tg)
		}
	}

	return &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		gate:   gate,
		exec:   ex,
		usage:  col,
		engine: eng,
		sched:  sched,
		notif:  notif,
	}, nil
}

func (a *App) Store() storage.Store          { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Gate() *cooldown.Gate          { return a.gate }
func (a *App) Logger() logx.Logger           { return a.log }

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

// Start runs the engine, the notifier, the scheduler loop and the config
// watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// The engine outlives the supervisor on shutdown so in-flight chains can
	// finish; Stop drains it explicitly.
	a.engine.Start(context.WithoutCancel(ctx))
	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// debug only: ticks make these frequent
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// reload applies a validated config. Storage changes need a restart; the
// system_config seeds are ignored because the table owns those values.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if pats, err := mapCooldownPatterns(next); err == nil {
		a.gate.SetPatterns(pats)
	}

	sys, err := a.store.GetSystemConfig(ctx)
	if err != nil {
		a.log.Warn("system config unavailable; using file seeds", logx.Err(err))
		sys, _ = mapSystemSeed(next)
	}
	if ec, err := mapExecutorConfig(next, sys); err == nil {
		if err := a.exec.Apply(ec); err != nil {
			a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
		}
	}
	a.usage.Apply(mapUsageConfig(next, sys))
	if sc, err := mapSchedulerConfig(next); err == nil {
		a.sched.Apply(sc)
	}

	if ncfg, err := mapNotifierConfig(next); err == nil {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if ncfg.Telegram.Token != "" {
			if tg, err := notify.NewTelegramSink(ncfg.Telegram); err == nil {
				a.notif.SetSink(tg)
			}
		}
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.sup.Context())
		}
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunOnce executes a single job outside the scheduler loop and returns its
// newest result. Used by the CLI; the cron loop is never started.
func (a *App) RunOnce(ctx context.Context, id job.ID) (job.ExecutionResult, error) {
	a.engine.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = a.engine.Stop(stopCtx)
		cancel()
	}()
	sys, err := a.store.GetSystemConfig(ctx)
	if err != nil {
		return job.ExecutionResult{}, err
	}
	a.exec.SetDefaultTimeout(sys.DefaultJobTimeout)
	a.usage.SetEnabled(sys.EnableUsageTracking)

	if err := a.sched.RunNow(ctx, id); err != nil {
		return job.ExecutionResult{}, err
	}
	if err := a.sched.WaitIdle(ctx); err != nil {
		// Cancelled mid-run: the chain writes a cancelled result on its way out.
		a.sched.Cancel(id)
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		_ = a.engine.WaitIdle(waitCtx)
		cancel()
	}
	res, err := a.store.ListResults(context.WithoutCancel(ctx), id, 1)
	if err != nil {
		return job.ExecutionResult{}, err
	}
	if len(res) == 0 {
		return job.ExecutionResult{}, errors.Newf("job %d produced no result", id)
	}
	return res[0], nil
}

// Close releases the store and log sinks of an App that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	a.logs.Close()
	return err
}

// Stop shuts down in dependency order: scheduler loop (no new dispatch),
// engine (in-flight chains finish or are cancelled at the deadline),
// notifier, store. Each step is bounded so one component cannot stall exit.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = errors.CombineErrors(errs, errors.Wrap(err, name))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Chains still running at the deadline are cancelled and record cancelled results.
	step("taskengine", ShutdownGrace, a.engine.Stop)
	// Cancelled chains still write their terminal records.
	step("taskengine.flush", 5*time.Second, a.engine.WaitIdle)
	a.sup.Cancel()
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return errs
}
