package notify

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"nightpilot/pkg/logx"
)

// Sink delivers a rendered message to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type LogSink struct{ log logx.Logger }

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("comp", "notify"))}
}

func (s *LogSink) Name() string { return ChannelLog }

func (s *LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{logx.String("event", m.Event), logx.String("text", m.Text)}
	if m.JobID > 0 {
		fields = append(fields, logx.Int64("job_id", int64(m.JobID)))
	}
	if m.Priority >= 7 {
		s.log.Warn("notification", fields...)
		return nil
	}
	s.log.Info("notification", fields...)
	return nil
}

// TelegramSink sends to a fixed chat (and optional forum thread) through the
// Bot API. The bot runs offline: it never polls for updates.
type TelegramSink struct {
	bot    *tele.Bot
	chat   tele.ChatID
	thread int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &TelegramSink{bot: b, chat: tele.ChatID(cfg.ChatID), thread: cfg.ThreadID}, nil
}

func (s *TelegramSink) Name() string { return ChannelTelegram }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, prefixForPriority(m.Priority)+m.Text, &tele.SendOptions{
		ThreadID:              s.thread,
		DisableWebPagePreview: true,
	})
	return err
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
