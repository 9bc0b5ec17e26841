package engine

import (
	"context"
	"time"

	"nightpilot/internal/job"
)

// Config controls the execution pool.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneously running tasks.
	MaxConcurrent int
	HistorySize   int
}

// Task is one unit of work bound to a job. At most one task per JobID
// runs at a time.
type Task struct {
	ID    string
	JobID job.ID
	Name  string
	Run   func(ctx context.Context) error
}

type HistoryItem struct {
	ID       string
	JobID    job.ID
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	JobID    job.ID        `json:"job_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type RunningItem struct {
	ID      string    `json:"id"`
	JobID   job.ID    `json:"job_id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Stopping bool
	Limit    int
	InFlight int
	Jobs     []RunningItem

	Started  uint64
	Failed   uint64
	Rejected uint64

	History []HistoryItem
}
