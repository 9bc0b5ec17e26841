package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/internal/task/scheduler"
	"nightpilot/pkg/logx"
)

type recSink struct {
	name  string
	mu    sync.Mutex
	got   []Message
	fails int
}

func (r *recSink) Name() string { return r.name }

func (r *recSink) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("send failed")
	}
	r.got = append(r.got, m)
	return nil
}

func (r *recSink) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, bus eventbus.Bus, sinks ...Sink) *Service {
	t.Helper()
	s := New(testConfig(), logx.Nop(), bus, sinks...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestMessagesHonourPolicy(t *testing.T) {
	t.Parallel()
	ev := scheduler.JobEvent{JobID: 7, Name: "nightly", Attempts: 2, Status: job.ResultFailed, Error: "exit status 1"}

	require.Empty(t, Messages(eventbus.JobCompleted, ev))
	require.Empty(t, Messages(eventbus.JobFailed, ev))
	require.Empty(t, Messages(eventbus.JobDispatched, ev))

	ev.Notification = job.NotificationConfig{OnFailure: true, Channels: []string{"Telegram", "log", "telegram"}}
	msgs := Messages(eventbus.JobFailed, ev)
	require.Len(t, msgs, 2)
	require.Equal(t, ChannelTelegram, msgs[0].Channel)
	require.Equal(t, ChannelLog, msgs[1].Channel)
	require.Equal(t, 7, msgs[0].Priority)
	require.Contains(t, msgs[0].Text, `job "nightly" (#7) failed after 2 attempt(s)`)
	require.Empty(t, Messages(eventbus.JobCompleted, ev))

	ev.Notification = job.NotificationConfig{OnSuccess: true}
	msgs = Messages(eventbus.JobCompleted, ev)
	require.Len(t, msgs, 1)
	require.Equal(t, ChannelLog, msgs[0].Channel)

	ev.Status = job.ResultTimeout
	ev.Notification = job.NotificationConfig{OnFailure: true}
	require.Contains(t, Messages(eventbus.JobFailed, ev)[0].Text, "timed out")
}

func TestNotifyRetriesThenDelivers(t *testing.T) {
	sk := &recSink{name: ChannelTelegram, fails: 2}
	s := startService(t, nil, sk)

	require.NoError(t, s.Notify(context.Background(), Message{Channel: ChannelTelegram, Text: "hello"}))
	require.Eventually(t, func() bool { return len(sk.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, s.Snapshot(), 1)
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	sk := &recSink{name: ChannelTelegram}
	s := startService(t, nil, sk)
	ctx := context.Background()

	m := Message{Channel: ChannelTelegram, JobID: 1, Text: "same"}
	require.NoError(t, s.Notify(ctx, m))
	require.NoError(t, s.Notify(ctx, m))
	require.NoError(t, s.Notify(ctx, Message{Channel: ChannelTelegram, JobID: 1, Text: "different"}))
	require.Eventually(t, func() bool { return len(sk.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, sk.messages(), 2)
}

func TestNotifyRejects(t *testing.T) {
	off := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, off.Notify(context.Background(), Message{Channel: ChannelLog, Text: "x"}), ErrDisabled)

	s := startService(t, nil)
	require.ErrorIs(t, s.Notify(context.Background(), Message{Channel: ChannelTelegram, Text: "x"}), ErrNoSink)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	require.ErrorIs(t, s.Notify(context.Background(), Message{Channel: ChannelLog, Text: "x"}), ErrStopped)
}

func TestBusEventsReachSink(t *testing.T) {
	bus := eventbus.New()
	sk := &recSink{name: ChannelTelegram}
	startService(t, bus, sk)

	// The consumer subscribes asynchronously; publish until it is listening.
	ev := scheduler.JobEvent{
		JobID: 3, Name: "report", Attempts: 1,
		Notification: job.NotificationConfig{OnSuccess: true, Channels: []string{ChannelTelegram}},
	}
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Data: ev})
		return len(sk.messages()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	got := sk.messages()[0]
	require.Equal(t, job.ID(3), got.JobID)
	require.Equal(t, eventbus.JobCompleted, got.Event)
}

func TestTelegramSinkRequiresTarget(t *testing.T) {
	t.Parallel()
	_, err := NewTelegramSink(TelegramConfig{})
	require.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)
}
