package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/internal/job"
	"nightpilot/internal/retry"
	rtsup "nightpilot/internal/runtime/supervisor"
	"nightpilot/pkg/logx"
)

const (
	defaultTick    = "30s"
	defaultCleanup = "24h"
)

func New(cfg Config, d Deps, opts ...Option) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Tick) == "" {
		cfg.Tick = defaultTick
	}
	if strings.TrimSpace(cfg.Cleanup) == "" {
		cfg.Cleanup = defaultCleanup
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.TerminalWriteTimeout <= 0 {
		cfg.TerminalWriteTimeout = 10 * time.Second
	}
	s := &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		now:         time.Now,
		store:       d.Store,
		engine:      d.Engine,
		runner:      d.Runner,
		gate:        d.Gate,
		usage:       d.Usage,
		bus:         d.Bus,
		enabled:     true,
		lastEnqWarn: map[job.ID]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Apply swaps the loop config. A changed trigger or timezone restarts cron.
func (s *Service) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Tick) == "" {
		cfg.Tick = defaultTick
	}
	if strings.TrimSpace(cfg.Cleanup) == "" {
		cfg.Cleanup = defaultCleanup
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.TerminalWriteTimeout <= 0 {
		cfg.TerminalWriteTimeout = 10 * time.Second
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.loc = s.loadLocation(cfg.Timezone)
	c := s.c
	restart := c != nil && (prev.Tick != cfg.Tick || prev.Cleanup != cfg.Cleanup || prev.Timezone != cfg.Timezone)
	s.mu.Unlock()
	if !restart {
		return
	}

	// A running tick may need s.mu, so wait for cron outside the lock.
	<-c.Stop().Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != c {
		return
	}
	s.c = nil
	if err := s.startCronLocked(); err != nil {
		s.log.Error("trigger restart failed; scheduler idle until next reload", logx.Err(err))
		return
	}
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.String("tick", s.cfg.Tick))
}

// Start recovers interrupted processes, then starts the tick and cleanup triggers.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	n, err := s.store.RecoverInterrupted(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("recovered interrupted processes", logx.Int("count", n))
	}

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	if err := s.startCronLocked(); err != nil {
		s.sup.Cancel()
		s.sup = nil
		return err
	}
	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.String("tick", s.cfg.Tick),
		logx.String("cleanup", s.cfg.Cleanup),
	)
	return nil
}

// Stop halts dispatching. In-flight work belongs to the engine, which the
// caller drains separately.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler goroutines still running at stop deadline", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Enabled reports the scheduler_enabled flag seen by the last tick.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Service) startCronLocked() error {
	tick, err := ParseTrigger(s.cfg.Tick)
	if err != nil {
		return err
	}
	cleanup, err := ParseTrigger(s.cfg.Cleanup)
	if err != nil {
		return err
	}
	ctx := s.sup.Context()
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.tickID = c.Schedule(tick.Schedule, cron.FuncJob(func() { s.Tick(ctx) }))
	s.cleanupID = c.Schedule(cleanup.Schedule, cron.FuncJob(func() { s.RunCleanup(ctx) }))
	c.Start()
	s.c = c
	return nil
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) policy() retry.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Retry
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
