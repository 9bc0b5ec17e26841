package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const yamlConfig = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /var/lib/nightpilot/jobs.db
scheduler:
  tick: 15s
  timezone: Europe/Berlin
  max_concurrent_jobs: 3
  enabled: false
retry:
  max_retries: 0
  strategy: linear
cooldown:
  patterns:
    - name: slow_down
      regex: 'slow down for (\d+) seconds'
      unit: seconds
usage:
  prices:
    sonnet: {input: 3, output: 15}
notifier:
  enabled: true
  telegram:
    token: "123:abc"
    chat_id: -1001
`

const tomlConfig = `
[logging]
level = "warn"

[scheduler]
tick = "every:1m"
default_job_timeout = "30m"

[executor]
command = "claude -p --verbose"
error_patterns = ['"is_error"\s*:\s*true', 'fatal:']

[[cooldown.patterns]]
name = "hold"
regex = 'hold (\d+)m'
unit = "minutes"

[usage.prices.opus]
input = 15.0
output = 75.0
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "nightpilot.yaml", yamlConfig)).Parse()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/var/lib/nightpilot/jobs.db", cfg.Storage.Path)
	require.Equal(t, "15s", cfg.Scheduler.Tick)
	require.Equal(t, 3, cfg.Scheduler.MaxConcurrentJobs)
	require.NotNil(t, cfg.Scheduler.Enabled)
	require.False(t, *cfg.Scheduler.Enabled)
	require.NotNil(t, cfg.Retry.MaxRetries)
	require.Zero(t, *cfg.Retry.MaxRetries)
	require.Len(t, cfg.Cooldown.Patterns, 1)
	require.Equal(t, `slow down for (\d+) seconds`, cfg.Cooldown.Patterns[0].Regex)
	require.Equal(t, PriceEntry{Input: 3, Output: 15}, cfg.Usage.Prices["sonnet"])
	require.NotNil(t, cfg.Notifier)
	require.Equal(t, int64(-1001), cfg.Notifier.Telegram.ChatID)
}

func TestParseTOML(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "nightpilot.toml", tomlConfig)).Parse()
	require.NoError(t, err)

	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "every:1m", cfg.Scheduler.Tick)
	require.Equal(t, "30m", cfg.Scheduler.DefaultJobTimeout)
	require.Equal(t, []string{`"is_error"\s*:\s*true`, "fatal:"}, cfg.Executor.ErrorPatterns)
	require.Equal(t, []CooldownPattern{{Name: "hold", Regex: `hold (\d+)m`, Unit: "minutes"}}, cfg.Cooldown.Patterns)
	require.Equal(t, PriceEntry{Input: 15, Output: 75}, cfg.Usage.Prices["opus"])
	// Untouched sections keep defaults.
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Nil(t, cfg.Notifier)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown key", "c.json", `{"scheduler": {"workers": 4}}`},
		{"unknown yaml key", "c.yaml", "plugins: {}\n"},
		{"trailing data", "c.json", `{"logging": {}} {"logging": {}}`},
		{"bad toml", "c.toml", "[scheduler\ntick = 1"},
		{"wrong type", "c.json", `{"scheduler": {"max_concurrent_jobs": "many"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, tc.file, tc.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := m.LoadOrDefault()
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Same(t, cfg, m.Get())

	_, err = m.Load()
	require.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = ParseDurationField("scheduler.tick", "-1s")
	require.ErrorContains(t, err, "scheduler.tick")
	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	sections, _ := SummarizeConfigChange(a, b)
	require.Empty(t, sections)

	b.Logging.Level = "debug"
	b.Cooldown.Patterns = []CooldownPattern{{Name: "x", Regex: "x", Unit: "seconds"}}
	b.Notifier = &NotifierConfig{Enabled: true, Telegram: TelegramTarget{Token: "secret"}}
	sections, attrs := SummarizeConfigChange(a, b)
	require.Equal(t, []string{"logging", "cooldown", "notifier"}, sections)
	require.NotEmpty(t, attrs)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "nightpilot.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.MaxConcurrentJobs < 0 {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// The watcher starts asynchronously; rewrite until a publish arrives.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"logging": {"level": "debug"}}`), 0o600)
		select {
		case got = <-sub:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "debug", got.Logging.Level)
	require.Equal(t, "debug", m.Get().Logging.Level)

	// Rejected by the validator: committed config stays.
	require.NoError(t, os.WriteFile(p, []byte(`{"scheduler": {"max_concurrent_jobs": -1}}`), 0o600))
	select {
	case c := <-sub:
		t.Fatalf("unexpected publish: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
	require.Equal(t, "debug", m.Get().Logging.Level)
}
