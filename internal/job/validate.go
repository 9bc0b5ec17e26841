package job

import (
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

const (
	MaxNameLen = 200
	maxRetries = 100
)

var knownStrategies = map[string]bool{"": true, "exponential": true, "linear": true, "fixed": true}

// Validate checks the invariants a job must satisfy before it is persisted.
// Referential checks (parent exists, prompt exists, no cycles) are the store's job.
func Validate(j Job) error {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return Validationf("give the job a short name", "job name required")
	}
	if len(name) > MaxNameLen {
		return Validationf("", "job name longer than %d characters", MaxNameLen)
	}

	switch j.Status {
	case StatusActive, StatusPaused, StatusDisabled:
	default:
		return Validationf("use active, paused or disabled", "invalid job status %q", j.Status)
	}

	switch j.Type {
	case TypeScheduled:
		if strings.TrimSpace(j.CronExpr) == "" {
			return Validationf("scheduled jobs need a cron expression", "cron expression required for scheduled job")
		}
	case TypeOneOff:
	case TypeChild:
		if !j.HasParent() {
			return Validationf("set parent_job_id", "child job requires a parent")
		}
	default:
		return Validationf("use scheduled, one_off or child", "invalid job type %q", j.Type)
	}
	if j.HasParent() && j.Type != TypeChild {
		return Validationf("only child jobs can have a parent", "job type %q cannot have a parent", j.Type)
	}
	if j.ParentID != 0 && j.ParentID == j.ID {
		return Validationf("", "job cannot be its own parent")
	}

	if strings.TrimSpace(j.CronExpr) != "" {
		if _, err := ParseCron(j.CronExpr); err != nil {
			return err
		}
	}

	if j.PromptID == 0 && strings.TrimSpace(j.PromptContent) == "" {
		return Validationf("set prompt_id or inline prompt content", "job has no prompt")
	}

	if err := validateOptions(j); err != nil {
		return err
	}
	return nil
}

func validateOptions(j Job) error {
	rc := j.RetryConfig
	if rc.MaxRetries != nil && (*rc.MaxRetries < 0 || *rc.MaxRetries > maxRetries) {
		return Validationf("", "max_retries must be between 0 and %d", maxRetries)
	}
	if rc.BaseDelayMS < 0 || rc.MaxDelayMS < 0 {
		return Validationf("", "retry delays must not be negative")
	}
	if rc.MaxDelayMS > 0 && rc.BaseDelayMS > rc.MaxDelayMS {
		return Validationf("", "base_delay_ms exceeds max_delay_ms")
	}
	if !knownStrategies[rc.Strategy] {
		return Validationf("use exponential, linear or fixed", "unknown retry strategy %q", rc.Strategy)
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return Validationf("", "jitter must be within [0,1]")
	}
	if j.ExecutionOptions.TimeoutSeconds < 0 || j.TimeoutConfig.TimeoutSeconds < 0 || j.TimeoutConfig.KillGraceSeconds < 0 {
		return Validationf("", "timeouts must not be negative")
	}
	for stage, c := range map[string]string{
		"setup_command":   j.ExecutionOptions.SetupCommand,
		"cleanup_command": j.ExecutionOptions.CleanupCommand,
	} {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if _, err := shellquote.Split(c); err != nil {
			return Validationf("check the quoting", "%s: %v", stage, err)
		}
	}
	for _, ch := range j.NotificationConfig.Channels {
		switch ch {
		case "log", "telegram":
		default:
			return Validationf("use log or telegram", "unknown notification channel %q", ch)
		}
	}
	return nil
}
