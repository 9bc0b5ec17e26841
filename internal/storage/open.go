package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// Store is the persistence API used by the scheduler, CLI and tests.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id job.ID) (job.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]job.Job, error)
	ListSchedulable(ctx context.Context) ([]job.Job, error)
	ListChildren(ctx context.Context, parent job.ID) ([]job.Job, error)
	UpdateJob(ctx context.Context, j *job.Job) error
	SetJobStatus(ctx context.Context, id job.ID, status job.Status, actor string) error
	DeleteJob(ctx context.Context, id job.ID) error
	MarkDispatched(ctx context.Context, id job.ID, at, next time.Time) error
	DeferJob(ctx context.Context, id job.ID, until time.Time) error

	BeginProcess(ctx context.Context, jobID job.ID, typ job.ProcessType, retryCount int) (job.ExecutionProcess, error)
	StartProcess(ctx context.Context, id string, at time.Time) error
	FinishProcess(ctx context.Context, u ProcessUpdate) error
	CompleteExecution(ctx context.Context, c Completion) (job.ExecutionResult, error)
	ListProcesses(ctx context.Context, jobID job.ID) ([]job.ExecutionProcess, error)
	ListResults(ctx context.Context, jobID job.ID, limit int) ([]job.ExecutionResult, error)
	RecoverInterrupted(ctx context.Context, at time.Time) (int, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	RecordUsage(ctx context.Context, u *job.UsageRecord) error
	ListUsage(ctx context.Context, f UsageFilter) ([]job.UsageRecord, error)
	SummarizeUsage(ctx context.Context, since time.Time) (UsageSummary, error)

	CreatePrompt(ctx context.Context, p *job.Prompt) error
	GetPrompt(ctx context.Context, id int64) (job.Prompt, error)
	ListPrompts(ctx context.Context) ([]job.Prompt, error)
	DeletePrompt(ctx context.Context, id int64) error

	GetSystemConfig(ctx context.Context) (SystemConfig, error)
	SeedSystemConfig(ctx context.Context, c SystemConfig) error
	SetSystemConfig(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the configured store and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, job.Validationf("set storage.path", "sqlite path is required")
		}
		return openSQLite(cfg, log)
	case "memory":
		cfg.Path = ":memory:"
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
