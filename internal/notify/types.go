package notify

import (
	"time"

	"nightpilot/internal/job"
)

// Channel names accepted in a job's notification_config.
const (
	ChannelLog      = "log"
	ChannelTelegram = "telegram"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical messages (same channel, job and text).
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration

	Telegram TelegramConfig
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Message is one notification addressed to a single channel.
type Message struct {
	Channel  string
	Priority int
	JobID    job.ID
	Event    string
	Text     string
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	JobID   job.ID    `json:"job_id,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
