package usage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"nightpilot/internal/executor"
	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// Price is USD per million tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// DefaultPrices is the fallback table used when the tool reports tokens but no cost.
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"opus":   {Input: 15, Output: 75},
		"sonnet": {Input: 3, Output: 15},
		"haiku":  {Input: 0.8, Output: 4},
	}
}

// Recorder persists usage rows.
type Recorder interface {
	RecordUsage(ctx context.Context, u *job.UsageRecord) error
}

type Config struct {
	Enabled      bool
	DefaultModel string
	Prices       map[string]Price
}

// Collector turns executor outcomes into usage rows.
type Collector struct {
	mu  sync.RWMutex
	cfg Config

	rec Recorder
	log logx.Logger
}

func NewCollector(cfg Config, rec Recorder, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{rec: rec, log: log.With(logx.String("comp", "usage"))}
	c.Apply(cfg)
	return c
}

func (c *Collector) Apply(cfg Config) {
	if len(cfg.Prices) == 0 {
		cfg.Prices = DefaultPrices()
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// SetEnabled follows the enable_usage_tracking system setting.
func (c *Collector) SetEnabled(on bool) {
	c.mu.Lock()
	c.cfg.Enabled = on
	c.mu.Unlock()
}

func (c *Collector) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Enabled
}

// Record stores one usage row for an attempt that spawned the tool. The
// returned record is the zero value when nothing was recorded. A failure to
// persist is logged and returned; it never changes the attempt's outcome.
func (c *Collector) Record(ctx context.Context, jobID job.ID, processID string, out executor.Outcome) (job.UsageRecord, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()
	if !cfg.Enabled || !out.Spawned || c.rec == nil {
		return job.UsageRecord{}, nil
	}

	rep, ok := Parse(out.Output)
	rec := job.UsageRecord{
		JobID:     jobID,
		ProcessID: processID,
		Duration:  out.Duration(),
	}
	if ok {
		rec.SessionID = rep.SessionID
		rec.Model = rep.Model
		rec.InputTokens = rep.InputTokens + rep.CacheTokens
		rec.OutputTokens = rep.OutputTokens
		rec.TotalTokens = rep.TotalTokens()
		rec.CostUSD = rep.CostUSD
		if rep.Duration > 0 {
			rec.Duration = rep.Duration
		}
		if !rep.HasCost {
			rec.CostUSD, rec.Estimated = estimate(cfg, rep), true
		}
	} else {
		rec.Estimated = true
	}
	if rec.Model == "" {
		rec.Model = cfg.DefaultModel
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}

	if err := c.rec.RecordUsage(ctx, &rec); err != nil {
		c.log.Warn("usage not recorded", logx.Int64("job_id", int64(jobID)), logx.Err(err))
		return job.UsageRecord{}, err
	}
	return rec, nil
}

// estimate prices a report by the longest table key that occurs in the
// model name, so "sonnet-4" wins over "sonnet" whatever the map order.
func estimate(cfg Config, rep Report) float64 {
	model := strings.ToLower(rep.Model)
	if model == "" {
		model = strings.ToLower(cfg.DefaultModel)
	}
	names := make([]string, 0, len(cfg.Prices))
	for name := range cfg.Prices {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		if strings.Contains(model, strings.ToLower(name)) {
			p := cfg.Prices[name]
			return (float64(rep.InputTokens+rep.CacheTokens)*p.Input + float64(rep.OutputTokens)*p.Output) / 1e6
		}
	}
	return 0
}
