package config

// Config is the daemon's file configuration. Runtime tunables that operators
// change while the daemon runs (enabled flag, concurrency ceiling, default
// timeout, retention, usage tracking) seed the system_config table once; the
// table wins afterwards.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Retry     RetryConfig     `json:"retry"`
	Cooldown  CooldownConfig  `json:"cooldown"`
	Usage     UsageConfig     `json:"usage"`

	// If the whole section is omitted, notifications go to the log only.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./nightpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the tick loop.
//
// Tick and Cleanup accept a cron spec ("*/1 * * * *"), "every:<duration>",
// a Go duration ("30s") or HH:MM. The seed fields are written to
// system_config only when the key has no row yet.
type SchedulerConfig struct {
	Tick     string `json:"tick,omitempty"`     // default "30s"
	Cleanup  string `json:"cleanup,omitempty"`  // default "24h"
	Timezone string `json:"timezone,omitempty"` // IANA name, default local

	// TerminalWriteTimeout bounds result writes after cancellation.
	TerminalWriteTimeout string `json:"terminal_write_timeout,omitempty"`
	HistorySize          int    `json:"history_size,omitempty"`

	// system_config seeds
	Enabled              *bool  `json:"enabled,omitempty"`
	MaxConcurrentJobs    int    `json:"max_concurrent_jobs,omitempty"`
	DefaultJobTimeout    string `json:"default_job_timeout,omitempty"`
	CleanupRetentionDays int    `json:"cleanup_retention_days,omitempty"`
	EnableUsageTracking  *bool  `json:"enable_usage_tracking,omitempty"`
}

type ExecutorConfig struct {
	Command          string   `json:"command,omitempty"` // default "claude -p"
	OutputFormatFlag string   `json:"output_format_flag,omitempty"`
	SkipPermsFlag    string   `json:"skip_permissions_flag,omitempty"`
	KillGrace        string   `json:"kill_grace,omitempty"`
	HookTimeout      string   `json:"hook_timeout,omitempty"`
	MaxOutputBytes   int      `json:"max_output_bytes,omitempty"`
	ErrorPatterns    []string `json:"error_patterns,omitempty"`
	InheritEnv       *bool    `json:"inherit_env,omitempty"`
}

// RetryConfig is the global retry policy; jobs override it per field.
type RetryConfig struct {
	MaxRetries *int    `json:"max_retries,omitempty"`
	BaseDelay  string  `json:"base_delay,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Strategy   string  `json:"strategy,omitempty"` // exponential | linear | fixed
	Jitter     float64 `json:"jitter,omitempty"`
}

// CooldownConfig replaces the built-in detection table when Patterns is set.
type CooldownConfig struct {
	Patterns []CooldownPattern `json:"patterns,omitempty"`
}

type CooldownPattern struct {
	Name  string `json:"name"`
	Regex string `json:"regex"`
	Unit  string `json:"unit"`
	Fixed string `json:"fixed,omitempty"`
}

type UsageConfig struct {
	DefaultModel string                `json:"default_model,omitempty"`
	Prices       map[string]PriceEntry `json:"prices,omitempty"`
}

// PriceEntry is USD per million tokens.
type PriceEntry struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled         bool           `json:"enabled"`
	Workers         int            `json:"workers,omitempty"`
	QueueSize       int            `json:"queue_size,omitempty"`
	RatePerSec      int            `json:"rate_per_sec,omitempty"`
	RetryMax        int            `json:"retry_max,omitempty"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty"`
	SendTimeout     string         `json:"send_timeout,omitempty"`
	Telegram        TelegramTarget `json:"telegram"`
}

type TelegramTarget struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "nightpilot.db"},
	}
}
