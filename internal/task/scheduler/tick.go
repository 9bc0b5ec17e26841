package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/internal/storage"
	"nightpilot/internal/task/engine"
	"nightpilot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type dueJob struct {
	job job.Job
	at  time.Time
}

// Tick evaluates every schedulable job once and dispatches the due ones.
// Store failures are logged and reported; the loop carries on next tick.
func (s *Service) Tick(ctx context.Context) TickReport {
	now := s.now()
	rep := TickReport{At: now}
	defer s.noteTick(&rep)

	sc, err := s.store.GetSystemConfig(ctx)
	if err != nil {
		return s.tickFailed(rep, "read system config", err)
	}
	s.applySystem(sc)
	if !sc.SchedulerEnabled {
		rep.Disabled = true
		return rep
	}

	jobs, err := s.store.ListSchedulable(ctx)
	if err != nil {
		return s.tickFailed(rep, "list jobs", err)
	}
	rep.Evaluated = len(jobs)

	loc := s.location()
	var due []dueJob
	for _, j := range jobs {
		at, err := dueTime(j, loc)
		if err != nil {
			// Validation keeps bad expressions out; this is a row edited behind our back.
			s.log.Warn("job skipped: next run not computable", logx.Int64("job_id", int64(j.ID)), logx.Err(err))
			continue
		}
		if at.IsZero() || at.After(now) {
			continue
		}
		if s.engine.IsRunning(j.ID) {
			rep.Busy = append(rep.Busy, j.ID)
			continue
		}
		due = append(due, dueJob{job: j, at: at})
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return rep
	}

	if st := s.gate.Check(); st.IsCooling {
		until := deferUntil(st, now)
		for _, d := range due {
			if err := s.store.DeferJob(ctx, d.job.ID, until); err != nil {
				s.log.Error("defer failed", logx.Int64("job_id", int64(d.job.ID)), logx.Err(err))
				rep.Err = errors.CombineErrors(rep.Err, err)
				continue
			}
			rep.Deferred = append(rep.Deferred, d.job.ID)
			s.publish(eventbus.JobDeferred, JobEvent{
				JobID: d.job.ID, Name: d.job.Name, Trigger: "tick", Until: until,
				Error: "cooldown active: " + st.Message, Notification: d.job.NotificationConfig,
			})
		}
		s.log.Info("jobs deferred: cooldown active",
			logx.Int("count", len(rep.Deferred)),
			logx.Time("until", until),
			logx.String("pattern", st.Pattern),
		)
		return rep
	}

	sortDue(due)
	for i, d := range due {
		if s.engine.Available() == 0 {
			for _, rest := range due[i:] {
				rep.Waiting = append(rep.Waiting, rest.job.ID)
			}
			break
		}
		ok, err := s.dispatch(ctx, d.job, now)
		if err != nil {
			rep.Err = errors.CombineErrors(rep.Err, err)
		}
		if ok {
			rep.Dispatched = append(rep.Dispatched, d.job.ID)
		} else if errors.Is(err, engine.ErrSaturated) {
			rep.Waiting = append(rep.Waiting, d.job.ID)
		}
	}
	if len(rep.Dispatched) > 0 || len(rep.Waiting) > 0 {
		s.log.Debug("tick dispatched",
			logx.Int("due", rep.Due),
			logx.Int("dispatched", len(rep.Dispatched)),
			logx.Int("waiting", len(rep.Waiting)),
		)
	}
	return rep
}

// dispatch records the run and hands the chain to the engine. The record
// goes first so a fast cooldown deferral from the chain is not overwritten;
// it is rolled back when the engine refuses the task.
func (s *Service) dispatch(ctx context.Context, j job.Job, now time.Time) (bool, error) {
	follow, err := followingRun(j, now, s.location())
	if err != nil {
		return false, err
	}
	if err := s.store.MarkDispatched(ctx, j.ID, now, follow); err != nil {
		s.log.Error("mark dispatched failed", logx.Int64("job_id", int64(j.ID)), logx.Err(err))
		return false, err
	}
	if err := s.engine.Enqueue(s.task(j, "tick")); err != nil {
		s.reportEnqueueError(j.ID, j.Name, err)
		prev := j.NextRunAt
		if prev.IsZero() {
			prev = now
		}
		if rerr := s.store.MarkDispatched(ctx, j.ID, j.LastRunAt, prev); rerr != nil {
			s.log.Error("dispatch rollback failed", logx.Int64("job_id", int64(j.ID)), logx.Err(rerr))
		}
		return false, err
	}
	s.publish(eventbus.JobDispatched, JobEvent{JobID: j.ID, Name: j.Name, Trigger: "tick", Notification: j.NotificationConfig})
	return true, nil
}

func (s *Service) applySystem(sc storage.SystemConfig) {
	s.mu.Lock()
	s.enabled = sc.SchedulerEnabled
	s.mu.Unlock()
	s.engine.SetLimit(sc.MaxConcurrentJobs)
	if s.runner != nil {
		s.runner.SetDefaultTimeout(sc.DefaultJobTimeout)
	}
	if s.usage != nil {
		s.usage.SetEnabled(sc.EnableUsageTracking)
	}
}

func (s *Service) tickFailed(rep TickReport, op string, err error) TickReport {
	s.log.Error("tick failed", logx.String("op", op), logx.Err(err))
	rep.Err = err
	return rep
}

func (s *Service) noteTick(rep *TickReport) {
	s.mu.Lock()
	s.ticks++
	s.lastTick = *rep
	s.mu.Unlock()
}

// dueTime is the persisted next_run_at, else the first fire time after the
// later of last run and creation. Missed fires collapse into one due run.
// A one-off that already ran has no further due time.
func dueTime(j job.Job, loc *time.Location) (time.Time, error) {
	if !j.NextRunAt.IsZero() {
		return j.NextRunAt, nil
	}
	if j.Type == job.TypeOneOff && !j.LastRunAt.IsZero() {
		return time.Time{}, nil
	}
	from := j.CreatedAt
	if j.LastRunAt.After(from) {
		from = j.LastRunAt
	}
	return j.NextRun(from, loc)
}

// followingRun is the next_run_at written at dispatch.
func followingRun(j job.Job, now time.Time, loc *time.Location) (time.Time, error) {
	if j.Type == job.TypeOneOff {
		return time.Time{}, nil
	}
	return j.NextRun(now, loc)
}

// deferUntil is at least now + seconds_remaining.
func deferUntil(st cooldown.State, now time.Time) time.Time {
	until := now.Add(time.Duration(st.SecondsRemaining) * time.Second)
	if st.NextAvailable.After(until) {
		until = st.NextAvailable
	}
	return until
}

// sortDue orders by priority desc, due time asc, then id.
func sortDue(due []dueJob) {
	sort.SliceStable(due, func(a, b int) bool {
		x, y := due[a], due[b]
		if x.job.Priority != y.job.Priority {
			return x.job.Priority > y.job.Priority
		}
		if !x.at.Equal(y.at) {
			return x.at.Before(y.at)
		}
		return x.job.ID < y.job.ID
	})
}

func (s *Service) reportEnqueueError(id job.ID, name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips can happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("dispatch skipped", logx.Int64("job_id", int64(id)), logx.String("job", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	s.log.Warn("job failed to enqueue", logx.Int64("job_id", int64(id)), logx.String("job", name), logx.Err(err))
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
