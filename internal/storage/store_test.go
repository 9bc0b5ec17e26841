package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nightpilot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newJob(name string) *job.Job {
	return &job.Job{
		Name:          name,
		PromptContent: "do the thing",
		CronExpr:      "*/5 * * * *",
		Type:          job.TypeScheduled,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	three := 3
	in := newJob("report")
	in.Priority = 7
	in.Tags = []string{"nightly"}
	in.RetryConfig = job.RetryConfig{MaxRetries: &three, BaseDelayMS: 500}
	in.ExecutionOptions = job.ExecutionOptions{OutputFormat: "json", TimeoutSeconds: 90}
	in.CreatedBy = "cli"
	require.NoError(t, st.CreateJob(ctx, in))
	require.NotZero(t, in.ID)
	require.Equal(t, int64(1), in.Version)
	require.Equal(t, job.StatusActive, in.Status)

	got, err := st.GetJob(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, "report", got.Name)
	require.Equal(t, 7, got.Priority)
	require.Equal(t, []string{"nightly"}, got.Tags)
	require.NotNil(t, got.RetryConfig.MaxRetries)
	require.Equal(t, 3, *got.RetryConfig.MaxRetries)
	require.Equal(t, "json", got.ExecutionOptions.OutputFormat)
	require.Equal(t, 90, got.ExecutionOptions.TimeoutSeconds)
	require.True(t, got.NextRunAt.IsZero())
	require.Equal(t, "cli", got.CreatedBy)

	_, err = st.GetJob(ctx, 9999)
	require.True(t, job.IsNotFound(err))
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	noPrompt := newJob("x")
	noPrompt.PromptContent = ""
	require.True(t, job.IsValidation(st.CreateJob(ctx, noPrompt)))

	orphan := newJob("child")
	orphan.Type = job.TypeChild
	orphan.ParentID = 42
	require.True(t, job.IsValidation(st.CreateJob(ctx, orphan)))

	missingPrompt := newJob("ref")
	missingPrompt.PromptContent = ""
	missingPrompt.PromptID = 12
	require.True(t, job.IsValidation(st.CreateJob(ctx, missingPrompt)))
}

func TestUpdateJobOptimisticVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	j := newJob("a")
	require.NoError(t, st.CreateJob(ctx, j))

	stale := *j
	j.Priority = 5
	require.NoError(t, st.UpdateJob(ctx, j))
	require.Equal(t, int64(2), j.Version)

	stale.Priority = 9
	err := st.UpdateJob(ctx, &stale)
	require.True(t, errors.Is(err, job.ErrConflict), "got %v", err)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.Priority)
}

func TestParentCycleRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	root := newJob("root")
	require.NoError(t, st.CreateJob(ctx, root))

	b := newJob("b")
	b.Type, b.ParentID, b.CronExpr = job.TypeChild, root.ID, ""
	require.NoError(t, st.CreateJob(ctx, b))

	c := newJob("c")
	c.Type, c.ParentID, c.CronExpr = job.TypeChild, b.ID, ""
	require.NoError(t, st.CreateJob(ctx, c))

	b.ParentID = c.ID
	err := st.UpdateJob(ctx, b)
	require.True(t, job.IsValidation(err), "got %v", err)
}

func TestDeleteJobCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	parent := newJob("parent")
	require.NoError(t, st.CreateJob(ctx, parent))
	child := newJob("child")
	child.Type, child.ParentID, child.CronExpr = job.TypeChild, parent.ID, ""
	require.NoError(t, st.CreateJob(ctx, child))

	p, err := st.BeginProcess(ctx, parent.ID, job.ProcessExecution, 0)
	require.NoError(t, err)
	_, err = st.CompleteExecution(ctx, Completion{
		Process: ProcessUpdate{ID: p.ID, Status: job.ProcessCompleted},
		Result:  job.ExecutionResult{JobID: parent.ID, Status: job.ResultSuccess},
	})
	require.NoError(t, err)
	require.NoError(t, st.RecordUsage(ctx, &job.UsageRecord{JobID: parent.ID, ProcessID: p.ID, InputTokens: 10, OutputTokens: 5}))

	require.NoError(t, st.DeleteJob(ctx, parent.ID))

	_, err = st.GetJob(ctx, child.ID)
	require.True(t, job.IsNotFound(err))
	procs, err := st.ListProcesses(ctx, parent.ID)
	require.NoError(t, err)
	require.Empty(t, procs)
	results, err := st.ListResults(ctx, parent.ID, 10)
	require.NoError(t, err)
	require.Empty(t, results)

	usage, err := st.ListUsage(ctx, UsageFilter{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Zero(t, usage[0].JobID)
	require.Equal(t, int64(15), usage[0].TotalTokens)

	require.True(t, job.IsNotFound(st.DeleteJob(ctx, parent.ID)))
}

func TestBeginProcessIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	j := newJob("solo")
	require.NoError(t, st.CreateJob(ctx, j))

	first, err := st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
	require.NoError(t, err)
	require.NoError(t, st.StartProcess(ctx, first.ID, time.Now()))

	_, err = st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
	require.True(t, errors.Is(err, job.ErrBusy), "got %v", err)

	code := 1
	require.NoError(t, st.FinishProcess(ctx, ProcessUpdate{ID: first.ID, Status: job.ProcessRetrying, ExitCode: &code, Error: "exit 1"}))

	second, err := st.BeginProcess(ctx, j.ID, job.ProcessExecution, 1)
	require.NoError(t, err)
	require.Equal(t, 1, second.RetryCount)

	procs, err := st.ListProcesses(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	require.Equal(t, job.ProcessRetrying, procs[0].Status)
	require.NotNil(t, procs[0].ExitCode)
	require.Equal(t, 1, *procs[0].ExitCode)
	require.Equal(t, job.ProcessQueued, procs[1].Status)

	_, err = st.BeginProcess(ctx, 777, job.ProcessExecution, 0)
	require.True(t, job.IsNotFound(err), "got %v", err)
}

func TestCompleteExecutionCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	j := newJob("counted")
	require.NoError(t, st.CreateJob(ctx, j))

	complete := func(status job.ResultStatus, msg string) {
		t.Helper()
		p, err := st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
		require.NoError(t, err)
		ps := job.ProcessCompleted
		if status != job.ResultSuccess {
			ps = job.ProcessFailed
		}
		_, err = st.CompleteExecution(ctx, Completion{
			Process: ProcessUpdate{ID: p.ID, Status: ps, Error: msg},
			Result:  job.ExecutionResult{JobID: j.ID, Status: status, ErrorMessage: msg},
		})
		require.NoError(t, err)
	}

	complete(job.ResultFailed, "boom")
	complete(job.ResultSuccess, "")
	complete(job.ResultCancelled, "shutdown")

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.ExecutionCount)
	require.Equal(t, int64(1), got.FailureCount)
	require.False(t, got.LastFailureAt.IsZero())
	require.False(t, got.LastSuccessAt.IsZero())
	require.Equal(t, job.StatusActive, got.Status)

	results, err := st.ListResults(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, job.ResultCancelled, results[0].Status)
}

func TestOneOffDisabledAfterRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	j := newJob("once")
	j.Type, j.CronExpr = job.TypeOneOff, ""
	require.NoError(t, st.CreateJob(ctx, j))

	p, err := st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
	require.NoError(t, err)
	_, err = st.CompleteExecution(ctx, Completion{
		Process: ProcessUpdate{ID: p.ID, Status: job.ProcessCompleted},
		Result:  job.ExecutionResult{JobID: j.ID, Status: job.ResultSuccess},
	})
	require.NoError(t, err)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDisabled, got.Status)

	sched, err := st.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Empty(t, sched)
}

func TestDeferredChildIsSchedulable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	parent := newJob("parent")
	require.NoError(t, st.CreateJob(ctx, parent))
	child := newJob("child")
	child.Type, child.ParentID, child.CronExpr = job.TypeChild, parent.ID, ""
	require.NoError(t, st.CreateJob(ctx, child))

	ids := func() []job.ID {
		jobs, err := st.ListSchedulable(ctx)
		require.NoError(t, err)
		var out []job.ID
		for _, j := range jobs {
			out = append(out, j.ID)
		}
		return out
	}
	require.Equal(t, []job.ID{parent.ID}, ids())

	until := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, st.DeferJob(ctx, child.ID, until))
	require.Equal(t, []job.ID{parent.ID, child.ID}, ids())

	// Dispatching the resumed child clears next_run_at again.
	require.NoError(t, st.MarkDispatched(ctx, child.ID, until, time.Time{}))
	require.Equal(t, []job.ID{parent.ID}, ids())
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	j := newJob("crashy")
	require.NoError(t, st.CreateJob(ctx, j))
	p, err := st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
	require.NoError(t, err)
	require.NoError(t, st.StartProcess(ctx, p.ID, time.Now()))

	n, err := st.RecoverInterrupted(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	procs, err := st.ListProcesses(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.ProcessCancelled, procs[0].Status)
	results, err := st.ListResults(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, job.ResultCancelled, results[0].Status)

	n, err = st.RecoverInterrupted(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeferJobOnlyMovesForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	j := newJob("deferred")
	j.NextRunAt = base
	require.NoError(t, st.CreateJob(ctx, j))

	require.NoError(t, st.DeferJob(ctx, j.ID, base.Add(-time.Minute)))
	got, _ := st.GetJob(ctx, j.ID)
	require.True(t, got.NextRunAt.Equal(base), "next=%v", got.NextRunAt)

	require.NoError(t, st.DeferJob(ctx, j.ID, base.Add(150*time.Second)))
	got, _ = st.GetJob(ctx, j.ID)
	require.True(t, got.NextRunAt.Equal(base.Add(150*time.Second)), "next=%v", got.NextRunAt)

	require.True(t, job.IsNotFound(st.DeferJob(ctx, 404, base)))
}

func TestCleanupKeepsRecentAndActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	sq := st.(*sqliteStore)

	j := newJob("old")
	require.NoError(t, st.CreateJob(ctx, j))

	old := time.Now().Add(-40 * 24 * time.Hour)
	sq.now = func() time.Time { return old }
	p, err := st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
	require.NoError(t, err)
	_, err = st.CompleteExecution(ctx, Completion{
		Process: ProcessUpdate{ID: p.ID, Status: job.ProcessCompleted},
		Result:  job.ExecutionResult{JobID: j.ID, Status: job.ResultSuccess},
	})
	require.NoError(t, err)
	sq.now = time.Now

	_, err = st.BeginProcess(ctx, j.ID, job.ProcessExecution, 0)
	require.NoError(t, err)

	n, err := st.Cleanup(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	procs, err := st.ListProcesses(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, job.ProcessQueued, procs[0].Status)
	results, err := st.ListResults(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSystemConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	cfg, err := st.GetSystemConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultSystemConfig(), cfg)

	seed := DefaultSystemConfig()
	seed.MaxConcurrentJobs = 2
	require.NoError(t, st.SeedSystemConfig(ctx, seed))
	require.NoError(t, st.SetSystemConfig(ctx, KeyDefaultJobTimeout, "120"))

	seed.MaxConcurrentJobs = 9
	require.NoError(t, st.SeedSystemConfig(ctx, seed))

	cfg, err = st.GetSystemConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MaxConcurrentJobs)
	require.Equal(t, 2*time.Minute, cfg.DefaultJobTimeout)

	require.True(t, job.IsValidation(st.SetSystemConfig(ctx, KeyMaxConcurrentJobs, "0")))
	require.True(t, job.IsValidation(st.SetSystemConfig(ctx, "nope", "1")))
}

func TestPrompts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	p := &job.Prompt{Title: "triage", Content: "triage open issues", Tags: []string{"ops"}}
	require.NoError(t, st.CreatePrompt(ctx, p))

	j := newJob("uses prompt")
	j.PromptContent = ""
	j.PromptID = p.ID
	require.NoError(t, st.CreateJob(ctx, j))

	require.True(t, job.IsValidation(st.DeletePrompt(ctx, p.ID)))
	require.NoError(t, st.DeleteJob(ctx, j.ID))
	require.NoError(t, st.DeletePrompt(ctx, p.ID))
	_, err := st.GetPrompt(ctx, p.ID)
	require.True(t, job.IsNotFound(err))
}

func TestSummarizeUsage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.RecordUsage(ctx, &job.UsageRecord{InputTokens: 100, OutputTokens: 20, CostUSD: 0.5}))
	require.NoError(t, st.RecordUsage(ctx, &job.UsageRecord{InputTokens: 1, OutputTokens: 2, CostUSD: 0.25, Estimated: true}))

	sum, err := st.SummarizeUsage(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), sum.Records)
	require.Equal(t, int64(123), sum.TotalTokens)
	require.InDelta(t, 0.75, sum.CostUSD, 1e-9)
}
