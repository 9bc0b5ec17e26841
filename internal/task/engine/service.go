package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	rtsup "nightpilot/internal/runtime/supervisor"
	"nightpilot/pkg/logx"
)

const defaultMaxConcurrent = 5

// Service is a bounded execution pool. It never queues: a task either
// gets a slot immediately (Enqueue) or waits for one (Submit).
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	limit   int
	running map[job.ID]*runEntry
	// changed is closed and replaced whenever a slot frees or the limit moves.
	changed chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	started  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

type runEntry struct {
	task    Task
	started time.Time
	cancel  context.CancelFunc
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "engine")),
		bus:     bus,
		limit:   cfg.MaxConcurrent,
		running: map[job.ID]*runEntry{},
		changed: make(chan struct{}),
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// a failing task must not take the pool down
		rtsup.WithCancelOnError(false),
	)
	s.log.Info("task engine started", logx.Int("max_concurrent", s.limit))
}

// Stop rejects new work and waits for in-flight tasks. When ctx expires
// first, running tasks are cancelled and Stop returns ctx.Err().
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	sup := s.sup
	s.mu.Unlock()

	err := s.WaitIdle(ctx)
	if err != nil {
		s.log.Warn("task engine stop timed out, cancelling running tasks", logx.Err(err))
		sup.Cancel()
	}
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		if s.sup == sup {
			s.sup = nil
			s.stopCh = nil
			s.stopping = false
		}
		s.mu.Unlock()
	}()
	if err == nil {
		s.log.Info("task engine stopped")
	}
	return err
}

// SetLimit changes the concurrency ceiling. Running tasks are not affected.
func (s *Service) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	if n != s.limit {
		s.log.Info("concurrency limit changed", logx.Int("from", s.limit), logx.Int("to", n))
		s.limit = n
		s.notifyLocked()
	}
	s.mu.Unlock()
}

func (s *Service) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Available reports how many more tasks could start right now.
func (s *Service) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil || s.stopping {
		return 0
	}
	return max(0, s.limit-len(s.running))
}

func (s *Service) IsRunning(id job.ID) bool {
	s.mu.Lock()
	_, ok := s.running[id]
	s.mu.Unlock()
	return ok
}

// Running returns the IDs of jobs with a task in flight.
func (s *Service) Running() []job.ID {
	s.mu.Lock()
	ids := make([]job.ID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Enqueue starts t if a slot is free. It never blocks.
func (s *Service) Enqueue(t Task) error {
	t, err := s.prepare(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.admitLocked(t); err != nil {
		s.rejected.Add(1)
		return err
	}
	return nil
}

// Submit starts t, waiting for a free slot until ctx is done or the
// engine stops. A job already in flight is rejected immediately.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := s.prepare(t)
	if err != nil {
		return err
	}
	for {
		s.mu.Lock()
		wait, err := s.admitLocked(t)
		stopCh := s.stopCh
		s.mu.Unlock()
		if !errors.Is(err, ErrSaturated) {
			if err != nil {
				s.rejected.Add(1)
			}
			return err
		}
		select {
		case <-wait:
		case <-stopCh:
			return ErrStopping
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel cancels the running task of a job. It reports whether one was found.
func (s *Service) Cancel(id job.ID) bool {
	s.mu.Lock()
	e, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// WaitIdle blocks until no task is running.
func (s *Service) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		n := len(s.running)
		ch := s.changed
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:  s.stopCh != nil && !s.stopping,
		Stopping: s.stopping,
		Limit:    s.limit,
		InFlight: len(s.running),
	}
	for _, e := range s.running {
		snap.Jobs = append(snap.Jobs, RunningItem{ID: e.task.ID, JobID: e.task.JobID, Name: e.task.Name, Started: e.started})
	}
	s.mu.Unlock()
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].JobID < snap.Jobs[j].JobID })

	snap.Started = s.started.Load()
	snap.Failed = s.failed.Load()
	snap.Rejected = s.rejected.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) prepare(t Task) (Task, error) {
	if t.Run == nil {
		return t, errors.New("task Run is nil")
	}
	if t.JobID <= 0 {
		return t, errors.New("task JobID is required")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		t.Name = fmt.Sprintf("job-%d", t.JobID)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", time.Now().UnixNano(), s.idSeq.Add(1))
	}
	return t, nil
}

// admitLocked launches t or explains why it cannot. On ErrSaturated the
// returned channel is closed when capacity may have changed.
func (s *Service) admitLocked(t Task) (<-chan struct{}, error) {
	switch {
	case s.stopCh == nil:
		return nil, ErrStopped
	case s.stopping:
		return nil, ErrStopping
	}
	if _, busy := s.running[t.JobID]; busy {
		s.log.Debug("task skipped due to overlap", logx.Int64("job_id", int64(t.JobID)), logx.String("task", t.Name))
		return nil, ErrOverlapSkip
	}
	if len(s.running) >= s.limit {
		return s.changed, ErrSaturated
	}

	ctx, cancel := context.WithCancel(s.sup.Context())
	e := &runEntry{task: t, started: time.Now(), cancel: cancel}
	s.running[t.JobID] = e
	s.started.Add(1)
	s.sup.Go0("task."+t.Name, func(context.Context) { s.exec(ctx, e) })
	return nil, nil
}

func (s *Service) release(e *runEntry) {
	e.cancel()
	s.mu.Lock()
	if cur := s.running[e.task.JobID]; cur == e {
		delete(s.running, e.task.JobID)
	}
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Service) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
