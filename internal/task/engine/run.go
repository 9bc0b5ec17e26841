package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/eventbus"
	"nightpilot/pkg/logx"
)

func (s *Service) exec(ctx context.Context, e *runEntry) {
	defer s.release(e)
	t := e.task
	start := e.started
	log := s.log.With(logx.String("task", t.Name), logx.Int64("job_id", int64(t.JobID)))

	log.Debug("task.started")
	s.publish(eventbus.TaskStarted, TaskEvent{ID: t.ID, JobID: t.JobID, Name: t.Name, Started: start})

	var err error
	func() {
		// One bad task must not kill the pool.
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = t.Run(ctx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, JobID: t.JobID, Name: t.Name, Started: start, Duration: dur}
	ev := TaskEvent{ID: t.ID, JobID: t.JobID, Name: t.Name, Started: start, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur))
	} else if dur >= 750*time.Millisecond {
		log.Info("task.completed", logx.Duration("dur", dur))
	} else {
		log.Debug("task.completed", logx.Duration("dur", dur))
	}
	s.publish(eventbus.TaskFinished, ev)
	s.record(item)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
