package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/config"
	"nightpilot/internal/cooldown"
	"nightpilot/internal/executor"
	"nightpilot/internal/job"
	"nightpilot/internal/notify"
	"nightpilot/internal/retry"
	"nightpilot/internal/storage"
	"nightpilot/internal/task/engine"
	"nightpilot/internal/task/scheduler"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "memory":
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// mapSystemSeed overlays the file's seed values on the table defaults.
func mapSystemSeed(cfg *config.Config) (storage.SystemConfig, error) {
	sc := storage.DefaultSystemConfig()
	s := cfg.Scheduler
	if s.Enabled != nil {
		sc.SchedulerEnabled = *s.Enabled
	}
	if s.EnableUsageTracking != nil {
		sc.EnableUsageTracking = *s.EnableUsageTracking
	}
	if s.MaxConcurrentJobs < 0 {
		return sc, errors.New("scheduler.max_concurrent_jobs must be >= 0")
	}
	if s.MaxConcurrentJobs > 0 {
		sc.MaxConcurrentJobs = s.MaxConcurrentJobs
	}
	if s.CleanupRetentionDays < 0 {
		return sc, errors.New("scheduler.cleanup_retention_days must be >= 0")
	}
	if s.CleanupRetentionDays > 0 {
		sc.CleanupRetentionDays = s.CleanupRetentionDays
	}
	d, err := config.ParseDurationOrDefault("scheduler.default_job_timeout", s.DefaultJobTimeout, sc.DefaultJobTimeout)
	if err != nil {
		return sc, err
	}
	sc.DefaultJobTimeout = d
	return sc, nil
}

func mapEngineConfig(cfg *config.Config, seed storage.SystemConfig) engine.Config {
	return engine.Config{MaxConcurrent: seed.MaxConcurrentJobs, HistorySize: cfg.Scheduler.HistorySize}
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	rc := cfg.Retry
	p := retry.DefaultPolicy()
	if rc.MaxRetries != nil {
		if *rc.MaxRetries < 0 {
			return p, errors.New("retry.max_retries must be >= 0")
		}
		p.MaxRetries = *rc.MaxRetries
	}
	var err error
	if p.Base, err = config.ParseDurationOrDefault("retry.base_delay", rc.BaseDelay, p.Base); err != nil {
		return p, err
	}
	if p.MaxDelay, err = config.ParseDurationOrDefault("retry.max_delay", rc.MaxDelay, p.MaxDelay); err != nil {
		return p, err
	}
	switch s := retry.Strategy(strings.ToLower(strings.TrimSpace(rc.Strategy))); s {
	case "":
	case retry.Exponential, retry.Linear, retry.Fixed:
		p.Strategy = s
	default:
		return p, errors.Newf("retry.strategy: unknown %q", rc.Strategy)
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return p, errors.New("retry.jitter must be within [0,1]")
	}
	p.Jitter = rc.Jitter
	return p, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	for _, f := range []struct{ path, raw string }{{"scheduler.tick", s.Tick}, {"scheduler.cleanup", s.Cleanup}} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		if _, err := scheduler.ParseTrigger(f.raw); err != nil {
			return scheduler.Config{}, errors.Wrap(err, f.path)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	tw, err := config.ParseDurationField("scheduler.terminal_write_timeout", s.TerminalWriteTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	pol, err := mapRetryPolicy(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Tick:                 s.Tick,
		Cleanup:              s.Cleanup,
		Timezone:             s.Timezone,
		Retry:                pol,
		TerminalWriteTimeout: tw,
	}, nil
}

func mapExecutorConfig(cfg *config.Config, seed storage.SystemConfig) (executor.Config, error) {
	ec := cfg.Executor
	out := executor.DefaultConfig()
	if c := strings.TrimSpace(ec.Command); c != "" {
		out.Command = c
	}
	if ec.OutputFormatFlag != "" {
		out.OutputFormatFlag = ec.OutputFormatFlag
	}
	if ec.SkipPermsFlag != "" {
		out.SkipPermsFlag = ec.SkipPermsFlag
	}
	kg, err := config.ParseDurationOrDefault("executor.kill_grace", ec.KillGrace, out.KillGrace)
	if err != nil {
		return out, err
	}
	out.KillGrace = kg
	ht, err := config.ParseDurationOrDefault("executor.hook_timeout", ec.HookTimeout, out.HookTimeout)
	if err != nil {
		return out, err
	}
	out.HookTimeout = ht
	if ec.MaxOutputBytes < 0 {
		return out, errors.New("executor.max_output_bytes must be >= 0")
	}
	if ec.MaxOutputBytes > 0 {
		out.MaxOutputBytes = ec.MaxOutputBytes
	}
	if ec.ErrorPatterns != nil {
		out.ErrorPatterns = ec.ErrorPatterns
	}
	if ec.InheritEnv != nil {
		out.InheritEnv = *ec.InheritEnv
	}
	out.DefaultTimeout = seed.DefaultJobTimeout
	return out, nil
}

// mapCooldownPatterns falls back to the built-in table when none are configured.
func mapCooldownPatterns(cfg *config.Config) ([]cooldown.Pattern, error) {
	if len(cfg.Cooldown.Patterns) == 0 {
		return cooldown.DefaultPatterns(), nil
	}
	pcs := make([]cooldown.PatternConfig, 0, len(cfg.Cooldown.Patterns))
	for _, p := range cfg.Cooldown.Patterns {
		pcs = append(pcs, cooldown.PatternConfig{Name: p.Name, Regex: p.Regex, Unit: p.Unit, Fixed: p.Fixed})
	}
	pats, err := cooldown.CompilePatterns(pcs)
	if err != nil {
		return nil, errors.Wrap(err, "cooldown.patterns")
	}
	return pats, nil
}

func mapUsageConfig(cfg *config.Config, seed storage.SystemConfig) usage.Config {
	uc := usage.Config{
		Enabled:      seed.EnableUsageTracking,
		DefaultModel: cfg.Usage.DefaultModel,
		Prices:       usage.DefaultPrices(),
	}
	for model, p := range cfg.Usage.Prices {
		uc.Prices[strings.ToLower(model)] = usage.Price{Input: p.Input, Output: p.Output}
	}
	return uc
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	if n == nil {
		// Omitted section: log channel only, with pipeline defaults.
		return notify.Config{Enabled: true}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notify.Config{}, errors.New("notifier: counts must be >= 0")
	}
	out := notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		Telegram: notify.TelegramConfig{
			Token:    strings.TrimSpace(n.Telegram.Token),
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		},
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 5*time.Minute); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return out, err
	}
	if out.Telegram.Token != "" && out.Telegram.ChatID == 0 {
		return out, errors.New("notifier.telegram.chat_id is required with a token")
	}
	return out, nil
}

// validate runs every mapping so a bad hot reload is rejected as a whole.
func validate(cfg *config.Config) error {
	if !logx.ValidLevel(cfg.Logging.Level) {
		return job.Validationf("use debug, info, warn or error", "logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", logx.FormatConsole, logx.FormatJSON:
	default:
		return job.Validationf("use console or json", "logging.format: unknown format %q", cfg.Logging.Format)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	seed, err := mapSystemSeed(cfg)
	if err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	ec, err := mapExecutorConfig(cfg, seed)
	if err != nil {
		return err
	}
	if _, err := executor.New(ec, nil, logx.Nop()); err != nil {
		return errors.Wrap(err, "executor")
	}
	if _, err := mapCooldownPatterns(cfg); err != nil {
		return err
	}
	_, err = mapNotifierConfig(cfg)
	return err
}
