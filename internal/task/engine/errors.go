package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrOverlapSkip = errors.New("task skipped: job already running")
	ErrSaturated   = errors.New("task engine at concurrency ceiling")
)
