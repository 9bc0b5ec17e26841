package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nightpilot/internal/config"
	"nightpilot/internal/job"
	"nightpilot/internal/retry"
	"nightpilot/internal/storage"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
logging:
  level: error
storage:
  driver: sqlite
  path: %s
scheduler:
  tick: 1h
  max_concurrent_jobs: 2
executor:
  command: sh -c
  kill_grace: 100ms
retry:
  max_retries: 0
%s`, filepath.Join(dir, "nightpilot.db"), extra)
	p := filepath.Join(dir, "nightpilot.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestMapConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	seed, err := mapSystemSeed(cfg)
	require.NoError(t, err)
	require.Equal(t, storage.DefaultSystemConfig(), seed)

	off := false
	cfg.Scheduler.Enabled = &off
	cfg.Scheduler.MaxConcurrentJobs = 9
	cfg.Scheduler.DefaultJobTimeout = "10m"
	seed, err = mapSystemSeed(cfg)
	require.NoError(t, err)
	require.False(t, seed.SchedulerEnabled)
	require.Equal(t, 9, seed.MaxConcurrentJobs)
	require.Equal(t, 10*time.Minute, seed.DefaultJobTimeout)

	pol, err := mapRetryPolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, retry.DefaultPolicy(), pol)

	pats, err := mapCooldownPatterns(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, pats)

	ncfg, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	require.True(t, ncfg.Enabled)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	neg := -1
	badPattern := []config.CooldownPattern{{Name: "x", Regex: "(", Unit: "seconds"}}
	noChat := config.TelegramTarget{Token: "1:a"}
	cases := map[string]func(*config.Config){
		"log level":       func(c *config.Config) { c.Logging.Level = "loud" },
		"log format":      func(c *config.Config) { c.Logging.Format = "xml" },
		"storage driver":  func(c *config.Config) { c.Storage.Driver = "postgres" },
		"storage path":    func(c *config.Config) { c.Storage.Path = "" },
		"tick":            func(c *config.Config) { c.Scheduler.Tick = "soon" },
		"timezone":        func(c *config.Config) { c.Scheduler.Timezone = "Mars/Base" },
		"timeout":         func(c *config.Config) { c.Scheduler.DefaultJobTimeout = "-5s" },
		"retries":         func(c *config.Config) { c.Retry.MaxRetries = &neg },
		"strategy":        func(c *config.Config) { c.Retry.Strategy = "random" },
		"command":         func(c *config.Config) { c.Executor.Command = `claude "-p` },
		"error pattern":   func(c *config.Config) { c.Executor.ErrorPatterns = []string{"("} },
		"cooldown regex":  func(c *config.Config) { c.Cooldown.Patterns = badPattern },
		"telegram target": func(c *config.Config) { c.Notifier = &config.NotifierConfig{Telegram: noChat} },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			mut(cfg)
			require.Error(t, validate(cfg))
		})
	}
	require.NoError(t, validate(config.Default()))
}

func TestRunOnce(t *testing.T) {
	a, err := New(writeConfig(t, ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	sys, err := a.Store().GetSystemConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sys.MaxConcurrentJobs)

	ok := &job.Job{Name: "ok", PromptContent: "echo done", CronExpr: "0 3 * * *"}
	require.NoError(t, a.Store().CreateJob(ctx, ok))
	res, err := a.RunOnce(ctx, ok.ID)
	require.NoError(t, err)
	require.Equal(t, job.ResultSuccess, res.Status)
	require.Contains(t, res.Output, "done")

	bad := &job.Job{Name: "bad", PromptContent: "exit 3", CronExpr: "0 3 * * *"}
	require.NoError(t, a.Store().CreateJob(ctx, bad))
	res, err = a.RunOnce(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, job.ResultFailed, res.Status)

	_, err = a.RunOnce(ctx, 999)
	require.True(t, job.IsNotFound(err))
}

func TestStartReloadStop(t *testing.T) {
	a, err := New(writeConfig(t, ""))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.True(t, a.Scheduler().Enabled())

	next := config.Default()
	next.Cooldown.Patterns = []config.CooldownPattern{{Name: "hold", Regex: `hold for (\d+) seconds`, Unit: "seconds"}}
	a.reload(ctx, a.cfgm.Get(), next)
	st := a.Gate().Observe("server busy, hold for 40 seconds")
	require.True(t, st.IsCooling)
	require.Equal(t, "hold", st.Pattern)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}
