package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/internal/task/scheduler"
	"nightpilot/pkg/logx"
)

func (s *Service) consume(ctx context.Context, quit <-chan struct{}) {
	ch, unsub := s.bus.Subscribe(256, "job.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := e.Data.(scheduler.JobEvent)
			if !ok {
				continue
			}
			for _, m := range Messages(e.Type, ev) {
				s.deliver(ctx, m)
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, m Message) {
	err := s.Notify(ctx, m)
	switch {
	case err == nil, errors.Is(err, ErrDisabled), errors.Is(err, ErrStopped):
	case errors.Is(err, ErrNoSink):
		s.wmu.Lock()
		first := !s.warned[m.Channel]
		s.warned[m.Channel] = true
		s.wmu.Unlock()
		if first {
			s.log.Warn("notification channel not configured", logx.String("channel", m.Channel), logx.Int64("job_id", int64(m.JobID)))
		}
	default:
		s.log.Warn("notification dropped", logx.String("channel", m.Channel), logx.Err(err))
	}
}

// Messages applies a job's notification_config to one lifecycle event and
// renders a message per channel. Events the job did not opt into yield none.
func Messages(typ string, ev scheduler.JobEvent) []Message {
	nc := ev.Notification
	var (
		prio int
		text string
	)
	switch typ {
	case eventbus.JobCompleted:
		if !nc.OnSuccess {
			return nil
		}
		text = fmt.Sprintf("✅ %s completed (attempts %d, %s)", label(ev), ev.Attempts, ev.Duration.Round(time.Millisecond))
	case eventbus.JobFailed:
		if !nc.OnFailure {
			return nil
		}
		prio = 7
		text = fmt.Sprintf("%s %s after %d attempt(s): %s", label(ev), statusWord(ev.Status), ev.Attempts, logx.Truncate(ev.Error, 500))
	case eventbus.JobDeferred:
		if !nc.OnFailure {
			return nil
		}
		prio = 5
		text = fmt.Sprintf("%s deferred until %s: %s", label(ev), ev.Until.Format(time.RFC3339), ev.Error)
	case eventbus.JobCancelled:
		if !nc.OnFailure {
			return nil
		}
		prio = 5
		text = fmt.Sprintf("%s cancelled", label(ev))
	default:
		return nil
	}

	out := make([]Message, 0, len(nc.Channels))
	for _, c := range channels(nc) {
		out = append(out, Message{Channel: c, Priority: prio, JobID: ev.JobID, Event: typ, Text: text})
	}
	return out
}

func channels(nc job.NotificationConfig) []string {
	if len(nc.Channels) == 0 {
		return []string{ChannelLog}
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(nc.Channels))
	for _, c := range nc.Channels {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func label(ev scheduler.JobEvent) string {
	if ev.Name == "" {
		return fmt.Sprintf("job #%d", ev.JobID)
	}
	return fmt.Sprintf("job %q (#%d)", ev.Name, ev.JobID)
}

func statusWord(st job.ResultStatus) string {
	if st == job.ResultTimeout {
		return "timed out"
	}
	return "failed"
}
