package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/executor"
	"nightpilot/internal/job"
	"nightpilot/internal/retry"
	"nightpilot/internal/storage"
	"nightpilot/internal/task/engine"
	"nightpilot/pkg/logx"
)

func (s *Service) task(j job.Job, trigger string) engine.Task {
	return engine.Task{
		JobID: j.ID,
		Name:  j.Name,
		Run:   func(ctx context.Context) error { return s.runChain(ctx, j.ID, trigger) },
	}
}

// chain is the state of one execution chain: the initial attempt and its retries.
type chain struct {
	job      job.Job
	trigger  string
	started  time.Time
	attempts int
	tokens   int64
	cost     float64
	// hooked is set once the setup hook or an attempt has run, so cleanup is owed.
	hooked bool
	log    logx.Logger
}

// runChain runs attempts until the retry policy reaches a terminal decision.
// Execution failures end up in process/result rows; only store failures are
// returned.
func (s *Service) runChain(ctx context.Context, id job.ID, trigger string) error {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	ch := &chain{
		job:     j,
		trigger: trigger,
		started: s.now(),
		log:     s.log.With(logx.Int64("job_id", int64(j.ID)), logx.String("job", j.Name), logx.String("trigger", trigger)),
	}

	err = s.runAttempts(ctx, ch)
	if ch.hooked && strings.TrimSpace(j.ExecutionOptions.CleanupCommand) != "" {
		s.runCleanup(ctx, ch)
	}
	return err
}

func (s *Service) runAttempts(ctx context.Context, ch *chain) error {
	j := ch.job
	content, cerr := s.resolveContent(ctx, j)
	if cerr != nil && !job.IsValidation(cerr) && !job.IsNotFound(cerr) {
		return cerr
	}
	policy := s.policy().ForJob(j.RetryConfig)

	for retryCount := 0; ; retryCount++ {
		typ := job.ProcessExecution
		if cerr != nil {
			typ = job.ProcessValidation
		} else if st := s.gate.Check(); st.IsCooling {
			// The tool is never started while the gate is cooling, whether
			// this is the first attempt or a retry that waited out a backoff.
			return s.deferChain(ctx, ch, st, retryCount)
		}
		if retryCount == 0 && cerr == nil && strings.TrimSpace(j.ExecutionOptions.SetupCommand) != "" {
			if done, err := s.runSetup(ctx, ch); done || err != nil {
				return err
			}
		}

		proc, err := s.store.BeginProcess(ctx, j.ID, typ, retryCount)
		if err != nil {
			if errors.Is(err, job.ErrBusy) {
				ch.log.Warn("attempt skipped: job has an active process")
				return nil
			}
			return err
		}
		ch.attempts++
		if err := s.store.StartProcess(ctx, proc.ID, s.now()); err != nil {
			return s.abandon(ctx, ch, proc, err)
		}

		var out executor.Outcome
		if cerr != nil {
			now := time.Now()
			out = executor.Outcome{
				Status: job.ResultFailed, Class: retry.ClassPermanent, Stage: "validation",
				Err: cerr, Started: now, Finished: now,
			}
		} else {
			ch.hooked = true
			out = s.runner.Run(ctx, executor.Request{
				JobID:     j.ID,
				ProcessID: proc.ID,
				Content:   content,
				Options:   j.ExecutionOptions,
				Timeouts:  j.TimeoutConfig,
			})
		}
		s.recordUsage(ctx, ch, proc.ID, out)

		d := policy.Decide(out.Class, retryCount, out.Err)
		if d.Action != retry.ActionRetry {
			return s.finish(ctx, ch, proc, out, d)
		}

		if err := s.store.FinishProcess(ctx, processUpdate(proc.ID, job.ProcessRetrying, out)); err != nil {
			return err
		}
		ch.log.Info("attempt failed, retrying",
			logx.Int("retry", retryCount+1),
			logx.Duration("delay", d.Delay),
			logx.String("reason", d.Reason),
			logx.String("err", out.ErrorMessage()),
		)
		s.publish(eventbus.JobRetrying, JobEvent{
			JobID: j.ID, Name: j.Name, Trigger: ch.trigger, ProcessID: proc.ID,
			Attempts: ch.attempts, Error: out.ErrorMessage(), Notification: j.NotificationConfig,
		})
		if !sleepCtx(ctx, d.Delay) {
			return s.cancelBeforeRetry(ctx, ch, retryCount+1)
		}
	}
}

// deferChain postpones the job while the gate is cooling. Before the first
// attempt nothing has been recorded, so only next_run_at moves, as on the
// tick path. A retry closes the chain with a deferred (cancelled) result on a
// fresh process that never runs the tool.
func (s *Service) deferChain(ctx context.Context, ch *chain, st cooldown.State, retryCount int) error {
	j := ch.job
	if retryCount == 0 {
		until := deferUntil(st, s.now())
		wctx, cancel := s.terminalContext(ctx)
		defer cancel()
		if err := s.store.DeferJob(wctx, j.ID, until); err != nil {
			ch.log.Error("defer failed", logx.Err(err))
			return err
		}
		ch.log.Info("job deferred before start: cooldown active", logx.Time("until", until), logx.String("pattern", st.Pattern))
		s.publish(eventbus.JobDeferred, JobEvent{
			JobID: j.ID, Name: j.Name, Trigger: ch.trigger, Until: until,
			Error: "cooldown active: " + st.Message, Notification: j.NotificationConfig,
		})
		return nil
	}

	wctx, cancel := s.terminalContext(ctx)
	defer cancel()
	proc, err := s.store.BeginProcess(wctx, j.ID, job.ProcessExecution, retryCount)
	if err != nil {
		return err
	}
	now := time.Now()
	out := executor.Outcome{
		Status: job.ResultCancelled, Class: retry.ClassCooldown, Cooldown: st,
		Stage: "execution", Started: now, Finished: now,
	}
	return s.finish(ctx, ch, proc, out, retry.Decision{Action: retry.ActionDefer, Reason: "cooldown"})
}

// runSetup runs the job's setup hook as its own process. done reports that
// the chain already ended: a failed or cancelled setup is terminal and
// never retried.
func (s *Service) runSetup(ctx context.Context, ch *chain) (done bool, err error) {
	j := ch.job
	proc, err := s.store.BeginProcess(ctx, j.ID, job.ProcessSetup, 0)
	if err != nil {
		if errors.Is(err, job.ErrBusy) {
			ch.log.Warn("setup skipped: job has an active process")
			return true, nil
		}
		return true, err
	}
	if err := s.store.StartProcess(ctx, proc.ID, s.now()); err != nil {
		return true, s.abandon(ctx, ch, proc, err)
	}
	ch.hooked = true
	out := s.runner.RunHook(ctx, executor.HookRequest{
		JobID:     j.ID,
		ProcessID: proc.ID,
		Stage:     "setup",
		Command:   j.ExecutionOptions.SetupCommand,
		Options:   j.ExecutionOptions,
	})

	switch out.Status {
	case job.ResultSuccess:
		if err := s.store.FinishProcess(ctx, processUpdate(proc.ID, job.ProcessCompleted, out)); err != nil {
			return true, err
		}
		ch.log.Debug("setup done", logx.Duration("took", out.Duration()))
		return false, nil
	case job.ResultCancelled:
		ch.attempts++
		return true, s.finish(ctx, ch, proc, out, retry.Decision{Action: retry.ActionCancel, Reason: "cancelled"})
	default:
		ch.attempts++
		return true, s.finish(ctx, ch, proc, out, retry.Decision{Action: retry.ActionFail, Reason: "setup failed"})
	}
}

// runCleanup runs the cleanup hook after the terminal record. It survives
// chain cancellation; a failure is logged and kept on its process only.
func (s *Service) runCleanup(ctx context.Context, ch *chain) {
	ctx = context.WithoutCancel(ctx)
	j := ch.job
	proc, err := s.store.BeginProcess(ctx, j.ID, job.ProcessCleanup, 0)
	if err != nil {
		ch.log.Warn("cleanup skipped", logx.Err(err))
		return
	}
	if err := s.store.StartProcess(ctx, proc.ID, s.now()); err != nil {
		_ = s.abandon(ctx, ch, proc, err)
		return
	}
	out := s.runner.RunHook(ctx, executor.HookRequest{
		JobID:     j.ID,
		ProcessID: proc.ID,
		Stage:     "cleanup",
		Command:   j.ExecutionOptions.CleanupCommand,
		Options:   j.ExecutionOptions,
	})
	status := job.ProcessCompleted
	if out.Status != job.ResultSuccess {
		status = job.ProcessFailed
		ch.log.Warn("cleanup failed", logx.String("err", logx.Truncate(out.ErrorMessage(), 300)))
	}
	if err := s.store.FinishProcess(ctx, processUpdate(proc.ID, status, out)); err != nil {
		ch.log.Error("cleanup not recorded", logx.Err(err))
	}
}

// finish writes the terminal process, result and counters.
func (s *Service) finish(ctx context.Context, ch *chain, proc job.ExecutionProcess, out executor.Outcome, d retry.Decision) error {
	j := ch.job
	var (
		pstatus job.ProcessStatus
		rstatus job.ResultStatus
		event   string
	)
	msg := out.ErrorMessage()
	switch d.Action {
	case retry.ActionComplete:
		pstatus, rstatus, event = job.ProcessCompleted, job.ResultSuccess, eventbus.JobCompleted
	case retry.ActionCancel:
		pstatus, rstatus, event = job.ProcessCancelled, job.ResultCancelled, eventbus.JobCancelled
	case retry.ActionDefer:
		pstatus, rstatus, event = job.ProcessCancelled, job.ResultCancelled, eventbus.JobDeferred
		msg = "cooldown active: " + out.Cooldown.Message
	default:
		pstatus, rstatus, event = job.ProcessFailed, job.ResultFailed, eventbus.JobFailed
		// A lone timed-out attempt keeps its own status; an exhausted chain is a failure.
		if out.Status == job.ResultTimeout && ch.attempts == 1 {
			rstatus = job.ResultTimeout
		}
		if d.Reason != "" && msg != "" && ch.attempts > 1 {
			msg = d.Reason + ": " + msg
		}
	}

	// The chain may have been cancelled; the terminal record must still land.
	wctx, cancel := s.terminalContext(ctx)
	defer cancel()

	u := processUpdate(proc.ID, pstatus, out)
	u.Error = msg
	res, err := s.store.CompleteExecution(wctx, storage.Completion{
		Process: u,
		Result: job.ExecutionResult{
			JobID:        j.ID,
			ProcessID:    proc.ID,
			Status:       rstatus,
			Output:       out.Output,
			ErrorMessage: msg,
			Duration:     s.now().Sub(ch.started),
			TokensUsed:   ch.tokens,
			CostUSD:      ch.cost,
			CreatedAt:    s.now(),
		},
		Actor: "scheduler",
	})
	if err != nil {
		ch.log.Error("result not recorded", logx.Err(err))
		return err
	}

	ev := JobEvent{
		JobID: j.ID, Name: j.Name, Trigger: ch.trigger, ProcessID: proc.ID, ResultID: res.ID,
		Status: rstatus, Attempts: ch.attempts, Duration: res.Duration, Error: msg,
		Notification: j.NotificationConfig,
	}

	switch d.Action {
	case retry.ActionDefer:
		until := deferUntil(out.Cooldown, s.now())
		if err := s.store.DeferJob(wctx, j.ID, until); err != nil {
			ch.log.Error("defer failed", logx.Err(err))
			return err
		}
		ev.Until = until
		ch.log.Info("job deferred: cooldown active", logx.Time("until", until), logx.String("pattern", out.Cooldown.Pattern))
	case retry.ActionComplete:
		ch.log.Info("job completed", logx.Int("attempts", ch.attempts), logx.Duration("dur", res.Duration))
	case retry.ActionCancel:
		ch.log.Info("job cancelled", logx.String("err", msg))
	default:
		ch.log.Warn("job failed",
			logx.String("status", string(rstatus)),
			logx.String("stage", out.Stage),
			logx.Int("attempts", ch.attempts),
			logx.String("err", logx.Truncate(msg, 300)),
		)
	}
	s.publish(event, ev)

	if d.Action == retry.ActionComplete {
		s.fanOutAsync(j)
	}
	return nil
}

// cancelBeforeRetry records a cancelled result when the chain is stopped
// while waiting between attempts. The previous attempt is already closed as
// retrying, so the result hangs off a fresh, immediately cancelled process.
func (s *Service) cancelBeforeRetry(ctx context.Context, ch *chain, retryCount int) error {
	wctx, cancel := s.terminalContext(ctx)
	defer cancel()
	proc, err := s.store.BeginProcess(wctx, ch.job.ID, job.ProcessExecution, retryCount)
	if err != nil {
		return err
	}
	now := time.Now()
	out := executor.Outcome{Status: job.ResultCancelled, Class: retry.ClassCancelled, Err: ctx.Err(), Started: now, Finished: now}
	return s.finish(ctx, ch, proc, out, retry.Decision{Action: retry.ActionCancel, Reason: "cancelled"})
}

// abandon closes a process whose bookkeeping failed before the tool ran.
func (s *Service) abandon(ctx context.Context, ch *chain, proc job.ExecutionProcess, cause error) error {
	wctx, cancel := s.terminalContext(ctx)
	defer cancel()
	ferr := s.store.FinishProcess(wctx, storage.ProcessUpdate{
		ID: proc.ID, Status: job.ProcessFailed, EndedAt: s.now(), Error: cause.Error(),
	})
	if ferr != nil {
		ch.log.Error("process left active", logx.String("process_id", proc.ID), logx.Err(ferr))
	}
	return cause
}

func (s *Service) resolveContent(ctx context.Context, j job.Job) (string, error) {
	if c := strings.TrimSpace(j.PromptContent); c != "" {
		return j.PromptContent, nil
	}
	if j.PromptID == 0 {
		return "", job.Validationf("set prompt_id or prompt_content", "job %d has no prompt", j.ID)
	}
	p, err := s.store.GetPrompt(ctx, j.PromptID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Content) == "" {
		return "", job.Validationf("", "prompt %d is empty", p.ID)
	}
	return p.Content, nil
}

func (s *Service) recordUsage(ctx context.Context, ch *chain, processID string, out executor.Outcome) {
	if s.usage == nil {
		return
	}
	wctx, cancel := s.terminalContext(ctx)
	defer cancel()
	rec, err := s.usage.Record(wctx, ch.job.ID, processID, out)
	if err != nil {
		return
	}
	ch.tokens += rec.TotalTokens
	ch.cost += rec.CostUSD
}

func (s *Service) terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	d := s.cfg.TerminalWriteTimeout
	s.mu.Unlock()
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func processUpdate(id string, status job.ProcessStatus, out executor.Outcome) storage.ProcessUpdate {
	ended := out.Finished
	if ended.IsZero() {
		ended = time.Now()
	}
	return storage.ProcessUpdate{
		ID:       id,
		Status:   status,
		EndedAt:  ended,
		ExitCode: out.ExitCode,
		Output:   out.Output,
		Error:    out.ErrorMessage(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
