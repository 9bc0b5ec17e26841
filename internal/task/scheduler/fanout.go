package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/internal/task/engine"
	"nightpilot/pkg/logx"
)

// RunNow dispatches a job immediately, outside its schedule. Child jobs
// may be run this way. The schedule (next_run_at) is left untouched, so a
// manual run is refused with job.ErrCooling while the gate is cooling.
func (s *Service) RunNow(ctx context.Context, id job.ID) error {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if st := s.gate.Check(); st.IsCooling {
		err := errors.Newf("run job %d: cooldown active for %ds", id, st.SecondsRemaining)
		return errors.Mark(errors.WithHint(err, "wait for the cooldown to pass"), job.ErrCooling)
	}
	if err := s.engine.Enqueue(s.task(j, "manual")); err != nil {
		return errors.Wrapf(err, "run job %d", id)
	}
	s.publish(eventbus.JobDispatched, JobEvent{JobID: j.ID, Name: j.Name, Trigger: "manual", Notification: j.NotificationConfig})
	return nil
}

// Cancel stops the in-flight chain of a job. It reports whether one was running.
func (s *Service) Cancel(id job.ID) bool {
	ok := s.engine.Cancel(id)
	if ok {
		s.log.Info("cancel requested", logx.Int64("job_id", int64(id)))
	}
	return ok
}

// FanOut dispatches the active children of parent in priority order,
// waiting for free slots. A child that is still running is skipped. While
// the gate is cooling a child is deferred instead: it gets a next_run_at
// and the tick resumes it once the cooldown has passed.
func (s *Service) FanOut(ctx context.Context, parent job.ID) (int, error) {
	children, err := s.store.ListChildren(ctx, parent)
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	// Serialized admission: the higher-priority child takes the next free slot.
	g.SetLimit(1)
	dispatched := make([]bool, len(children))
	for i, c := range children {
		g.Go(func() error {
			if st := s.gate.Check(); st.IsCooling {
				return s.deferChild(gctx, c, st)
			}
			err := s.engine.Submit(gctx, s.task(c, "fanout"))
			switch {
			case errors.Is(err, engine.ErrOverlapSkip):
				s.log.Debug("child skipped: still running", logx.Int64("job_id", int64(c.ID)))
				return nil
			case err != nil:
				return errors.Wrapf(err, "dispatch child %d", c.ID)
			}
			dispatched[i] = true
			if err := s.store.MarkDispatched(gctx, c.ID, s.now(), time.Time{}); err != nil {
				s.log.Warn("child run not recorded", logx.Int64("job_id", int64(c.ID)), logx.Err(err))
			}
			s.publish(eventbus.JobDispatched, JobEvent{
				JobID: c.ID, Name: c.Name, Trigger: "fanout", Notification: c.NotificationConfig,
			})
			return nil
		})
	}
	err = g.Wait()
	n := 0
	for _, ok := range dispatched {
		if ok {
			n++
		}
	}
	return n, err
}

func (s *Service) deferChild(ctx context.Context, c job.Job, st cooldown.State) error {
	until := deferUntil(st, s.now())
	if err := s.store.DeferJob(ctx, c.ID, until); err != nil {
		return errors.Wrapf(err, "defer child %d", c.ID)
	}
	s.log.Info("child deferred: cooldown active", logx.Int64("job_id", int64(c.ID)), logx.Time("until", until))
	s.publish(eventbus.JobDeferred, JobEvent{
		JobID: c.ID, Name: c.Name, Trigger: "fanout", Until: until,
		Error: "cooldown active: " + st.Message, Notification: c.NotificationConfig,
	})
	return nil
}

// fanOutAsync runs FanOut after a parent success. It must not block the
// parent's slot: with a ceiling of one the child could never start.
func (s *Service) fanOutAsync(parent job.Job) {
	s.pending.Add(1)
	run := func(ctx context.Context) {
		defer s.pending.Add(-1)
		n, err := s.FanOut(ctx, parent.ID)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("fan-out failed", logx.Int64("parent_id", int64(parent.ID)), logx.Err(err))
			return
		}
		if n > 0 {
			s.log.Info("children dispatched", logx.Int64("parent_id", int64(parent.ID)), logx.Int("count", n))
		}
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Go0("fanout", run)
		return
	}
	go run(context.Background())
}

// WaitIdle blocks until no chain is running and no fan-out is pending.
func (s *Service) WaitIdle(ctx context.Context) error {
	for {
		if err := s.engine.WaitIdle(ctx); err != nil {
			return err
		}
		if s.pending.Load() == 0 && len(s.engine.Running()) == 0 {
			return nil
		}
		t := time.NewTimer(10 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
