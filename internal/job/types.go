package job

import (
	"encoding/json"
	"time"
)

// ID identifies a job. Ids are assigned by the store in insertion order.
type ID int64

type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
)

type Type string

const (
	TypeScheduled Type = "scheduled"
	TypeOneOff    Type = "one_off"
	TypeChild     Type = "child"
)

type ProcessType string

const (
	ProcessSetup      ProcessType = "setup"
	ProcessExecution  ProcessType = "execution"
	ProcessCleanup    ProcessType = "cleanup"
	ProcessValidation ProcessType = "validation"
)

type ProcessStatus string

const (
	ProcessQueued    ProcessStatus = "queued"
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessCancelled ProcessStatus = "cancelled"
	ProcessRetrying  ProcessStatus = "retrying"
)

// Active reports whether the process still holds the job's execution slot.
func (s ProcessStatus) Active() bool { return s == ProcessQueued || s == ProcessRunning }

type ResultStatus string

const (
	ResultSuccess   ResultStatus = "success"
	ResultFailed    ResultStatus = "failed"
	ResultTimeout   ResultStatus = "timeout"
	ResultCancelled ResultStatus = "cancelled"
)

// ExecutionOptions is the per-job tool invocation blob.
type ExecutionOptions struct {
	Args             []string          `json:"args,omitempty"`
	OutputFormat     string            `json:"output_format,omitempty"`
	SkipPermissions  bool              `json:"skip_permissions,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	// SetupCommand runs once before the first attempt; CleanupCommand after
	// the chain ends. Both are split with shell quoting rules, not run by a shell.
	SetupCommand   string `json:"setup_command,omitempty"`
	CleanupCommand string `json:"cleanup_command,omitempty"`
}

// RetryConfig overrides the global retry policy for one job.
// A nil MaxRetries means "use the default"; an explicit 0 disables retries.
type RetryConfig struct {
	MaxRetries  *int    `json:"max_retries,omitempty"`
	BaseDelayMS int64   `json:"base_delay_ms,omitempty"`
	MaxDelayMS  int64   `json:"max_delay_ms,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

type NotificationConfig struct {
	OnSuccess bool     `json:"on_success,omitempty"`
	OnFailure bool     `json:"on_failure,omitempty"`
	Channels  []string `json:"channels,omitempty"`
}

type TimeoutConfig struct {
	TimeoutSeconds   int `json:"timeout_seconds,omitempty"`
	KillGraceSeconds int `json:"kill_grace_seconds,omitempty"`
}

// Job is a persistent schedulable unit of work.
type Job struct {
	ID            ID
	Name          string
	Description   string
	PromptID      int64
	PromptContent string
	CronExpr      string
	Status        Status
	Type          Type
	Priority      int
	ParentID      ID

	ExecutionCount int64
	FailureCount   int64
	LastRunAt      time.Time
	NextRunAt      time.Time
	LastSuccessAt  time.Time
	LastFailureAt  time.Time
	LastError      string

	ExecutionOptions   ExecutionOptions
	RetryConfig        RetryConfig
	NotificationConfig NotificationConfig
	TimeoutConfig      TimeoutConfig

	Tags     []string
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
	Version   int64
}

// HasParent reports whether the job is attached to a parent.
func (j Job) HasParent() bool { return j.ParentID != 0 }

// Schedulable reports whether the tick loop may dispatch the job by itself.
// Children only run through their parent's fan-out.
func (j Job) Schedulable() bool { return j.Status == StatusActive && j.Type != TypeChild }

// ExecutionProcess is one attempt (or setup/cleanup step) for a job.
type ExecutionProcess struct {
	ID         string
	JobID      ID
	Type       ProcessType
	Status     ProcessStatus
	RetryCount int
	StartedAt  time.Time
	EndedAt    time.Time
	ExitCode   *int
	Output     string
	Error      string
	CreatedAt  time.Time
}

// ExecutionResult is the terminal outcome of one execution chain.
type ExecutionResult struct {
	ID           int64
	JobID        ID
	ProcessID    string
	Status       ResultStatus
	Output       string
	ErrorMessage string
	Duration     time.Duration
	TokensUsed   int64
	CostUSD      float64
	CreatedAt    time.Time
}

// UsageRecord is a usage/cost row. JobID becomes 0 when the job is deleted.
type UsageRecord struct {
	ID           int64
	JobID        ID
	ProcessID    string
	SessionID    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
	Duration     time.Duration
	Estimated    bool
	RecordedAt   time.Time
}

// Prompt is a reusable content definition referenced by jobs.
type Prompt struct {
	ID        int64
	Title     string
	Content   string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EncodeBlob renders an option blob for storage; empty values encode as "{}".
func EncodeBlob(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeBlob parses a stored option blob. Blank input leaves dst untouched.
func DecodeBlob(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
