package storage

import (
	"strconv"
	"strings"
	"time"

	"nightpilot/internal/job"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// ListFilter narrows ListJobs. Zero fields match everything.
type ListFilter struct {
	Status   job.Status
	Type     job.Type
	ParentID job.ID
	Limit    int
}

// ProcessUpdate moves a process to a new status.
type ProcessUpdate struct {
	ID       string
	Status   job.ProcessStatus
	EndedAt  time.Time
	ExitCode *int
	Output   string
	Error    string
}

// Completion is the terminal write of an execution chain: the last process,
// its result and the job counters, committed together.
type Completion struct {
	Process ProcessUpdate
	Result  job.ExecutionResult
	Actor   string
}

type UsageFilter struct {
	JobID job.ID
	Since time.Time
	Limit int
}

type UsageSummary struct {
	Records      int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// system_config keys.
const (
	KeySchedulerEnabled     = "scheduler_enabled"
	KeyMaxConcurrentJobs    = "max_concurrent_jobs"
	KeyDefaultJobTimeout    = "default_job_timeout"
	KeyCleanupRetentionDays = "cleanup_retention_days"
	KeyEnableUsageTracking  = "enable_usage_tracking"
)

// SystemConfig is the typed view of the system_config table.
type SystemConfig struct {
	SchedulerEnabled     bool
	MaxConcurrentJobs    int
	DefaultJobTimeout    time.Duration
	CleanupRetentionDays int
	EnableUsageTracking  bool
}

func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		SchedulerEnabled:     true,
		MaxConcurrentJobs:    5,
		DefaultJobTimeout:    time.Hour,
		CleanupRetentionDays: 30,
		EnableUsageTracking:  true,
	}
}

// Entries renders the config as table rows. Timeouts are stored in seconds.
func (c SystemConfig) Entries() map[string]string {
	return map[string]string{
		KeySchedulerEnabled:     strconv.FormatBool(c.SchedulerEnabled),
		KeyMaxConcurrentJobs:    strconv.Itoa(c.MaxConcurrentJobs),
		KeyDefaultJobTimeout:    strconv.FormatInt(int64(c.DefaultJobTimeout/time.Second), 10),
		KeyCleanupRetentionDays: strconv.Itoa(c.CleanupRetentionDays),
		KeyEnableUsageTracking:  strconv.FormatBool(c.EnableUsageTracking),
	}
}

// set applies one row. Unknown keys are rejected so typos surface.
func (c *SystemConfig) set(key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case KeySchedulerEnabled, KeyEnableUsageTracking:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return job.Validationf("use true or false", "%s: invalid bool %q", key, value)
		}
		if key == KeySchedulerEnabled {
			c.SchedulerEnabled = b
		} else {
			c.EnableUsageTracking = b
		}
	case KeyMaxConcurrentJobs, KeyCleanupRetentionDays, KeyDefaultJobTimeout:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return job.Validationf("use a non-negative integer", "%s: invalid value %q", key, value)
		}
		switch key {
		case KeyMaxConcurrentJobs:
			if n == 0 {
				return job.Validationf("use at least 1", "%s must be positive", key)
			}
			c.MaxConcurrentJobs = n
		case KeyCleanupRetentionDays:
			c.CleanupRetentionDays = n
		default:
			if n == 0 {
				return job.Validationf("use seconds, e.g. 3600", "%s must be positive", key)
			}
			c.DefaultJobTimeout = time.Duration(n) * time.Second
		}
	default:
		return job.Validationf("", "unknown system_config key %q", key)
	}
	return nil
}
