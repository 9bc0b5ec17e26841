package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/pkg/logx"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.enabled,
		Timezone: s.loc.String(),
		LastTick: s.lastTick,
		Ticks:    s.ticks,
	}
	c, sup := s.c, s.sup
	tickID, cleanupID := s.tickID, s.cleanupID
	tickSpec, cleanupSpec := s.cfg.Tick, s.cfg.Cleanup
	s.mu.Unlock()

	snap.Tick = entryInfo(c, tickID, tickSpec)
	snap.Cleanup = entryInfo(c, cleanupID, cleanupSpec)
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	if s.gate != nil {
		snap.Cooldown = s.gate.Check()
	}
	if sup != nil {
		snap.Workers = sup.Snapshot()
	}
	return snap
}

func entryInfo(c *cron.Cron, id cron.EntryID, spec string) EntryInfo {
	info := EntryInfo{Spec: spec}
	if c != nil && id != 0 {
		e := c.Entry(id)
		info.Next, info.Prev = e.Next, e.Prev
	}
	return info
}

// RunCleanup deletes terminal history older than cleanup_retention_days.
// A retention of zero or less keeps everything.
func (s *Service) RunCleanup(ctx context.Context) (int64, error) {
	sc, err := s.store.GetSystemConfig(ctx)
	if err != nil {
		s.log.Error("cleanup failed", logx.String("op", "read system config"), logx.Err(err))
		return 0, err
	}
	if sc.CleanupRetentionDays <= 0 {
		return 0, nil
	}
	before := s.now().Add(-time.Duration(sc.CleanupRetentionDays) * 24 * time.Hour)
	n, err := s.store.Cleanup(ctx, before)
	if err != nil {
		s.log.Error("cleanup failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("history cleaned up", logx.Int64("rows", n), logx.Time("before", before))
	}
	return n, nil
}
