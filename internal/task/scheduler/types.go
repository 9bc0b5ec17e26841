package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/executor"
	"nightpilot/internal/job"
	"nightpilot/internal/retry"
	rtsup "nightpilot/internal/runtime/supervisor"
	"nightpilot/internal/storage"
	"nightpilot/internal/task/engine"
	"nightpilot/pkg/logx"
)

// Config controls the coordinating loop. Runtime tunables (enabled flag,
// concurrency ceiling, default timeout) live in system_config instead.
type Config struct {
	// Tick and Cleanup accept a cron spec, a Go duration or HH:MM.
	Tick     string
	Cleanup  string
	Timezone string // IANA TZ used for cron evaluation
	Retry    retry.Policy
	// TerminalWriteTimeout bounds result writes that must survive cancellation.
	TerminalWriteTimeout time.Duration
}

// Store is the slice of the JobStore the scheduler needs.
type Store interface {
	GetJob(ctx context.Context, id job.ID) (job.Job, error)
	ListSchedulable(ctx context.Context) ([]job.Job, error)
	ListChildren(ctx context.Context, parent job.ID) ([]job.Job, error)
	GetPrompt(ctx context.Context, id int64) (job.Prompt, error)
	MarkDispatched(ctx context.Context, id job.ID, at, next time.Time) error
	DeferJob(ctx context.Context, id job.ID, until time.Time) error

	BeginProcess(ctx context.Context, jobID job.ID, typ job.ProcessType, retryCount int) (job.ExecutionProcess, error)
	StartProcess(ctx context.Context, id string, at time.Time) error
	FinishProcess(ctx context.Context, u storage.ProcessUpdate) error
	CompleteExecution(ctx context.Context, c storage.Completion) (job.ExecutionResult, error)
	RecoverInterrupted(ctx context.Context, at time.Time) (int, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	GetSystemConfig(ctx context.Context) (storage.SystemConfig, error)
}

// Runner executes one attempt and the setup and cleanup hooks around a chain.
type Runner interface {
	Run(ctx context.Context, req executor.Request) executor.Outcome
	RunHook(ctx context.Context, req executor.HookRequest) executor.Outcome
	SetDefaultTimeout(d time.Duration)
}

// Gate is the read side of the cooldown state.
type Gate interface {
	Check() cooldown.State
}

// UsageRecorder persists per-attempt usage.
type UsageRecorder interface {
	Record(ctx context.Context, jobID job.ID, processID string, out executor.Outcome) (job.UsageRecord, error)
	SetEnabled(on bool)
}

// Deps are the collaborators the scheduler orchestrates. Usage and Bus are optional.
type Deps struct {
	Store  Store
	Engine *engine.Service
	Runner Runner
	Gate   Gate
	Usage  UsageRecorder
	Bus    eventbus.Bus
	Log    logx.Logger
}

type Option func(*Service)

// WithClock replaces time.Now for due computation and timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// TickReport summarises one evaluation pass.
type TickReport struct {
	At         time.Time
	Disabled   bool
	Evaluated  int
	Due        int
	Dispatched []job.ID
	Deferred   []job.ID
	// Waiting are due jobs left for a later tick by the concurrency ceiling.
	Waiting []job.ID
	// Busy are due jobs skipped because an attempt is still active.
	Busy []job.ID
	Err  error
}

// JobEvent is the payload of job.* events on the bus.
type JobEvent struct {
	JobID        job.ID                 `json:"job_id"`
	Name         string                 `json:"name"`
	Trigger      string                 `json:"trigger,omitempty"`
	ProcessID    string                 `json:"process_id,omitempty"`
	ResultID     int64                  `json:"result_id,omitempty"`
	Status       job.ResultStatus       `json:"status,omitempty"`
	Attempts     int                    `json:"attempts,omitempty"`
	Duration     time.Duration          `json:"duration,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Until        time.Time              `json:"until,omitempty"`
	Notification job.NotificationConfig `json:"notification"`
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	LastTick TickReport
	Ticks    uint64
	Tick     EntryInfo
	Cleanup  EntryInfo
	Engine   engine.Snapshot
	Cooldown cooldown.State
	Workers  rtsup.Snapshot
}

type EntryInfo struct {
	Spec string
	Next time.Time
	Prev time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	loc *time.Location
	now func() time.Time

	store  Store
	engine *engine.Service
	runner Runner
	gate   Gate
	usage  UsageRecorder
	bus    eventbus.Bus

	c         *cron.Cron
	tickID    cron.EntryID
	cleanupID cron.EntryID
	sup       *rtsup.Supervisor

	enabled  bool
	ticks    uint64
	lastTick TickReport
	// pending counts fan-outs that have not finished submitting.
	pending atomic.Int64

	// Enqueue error throttling: key is job id.
	enqMu       sync.Mutex
	lastEnqWarn map[job.ID]time.Time
}
