package job

import (
	"testing"
	"time"
)

func validJob() Job {
	return Job{
		Name:          "nightly report",
		PromptContent: "summarize today's commits",
		CronExpr:      "0 2 * * *",
		Status:        StatusActive,
		Type:          TypeScheduled,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	cases := []struct {
		name    string
		mutate  func(j *Job)
		wantErr bool
	}{
		{"ok", func(j *Job) {}, false},
		{"six field cron", func(j *Job) { j.CronExpr = "30 0 2 * * *" }, false},
		{"descriptor", func(j *Job) { j.CronExpr = "@every 15m" }, false},
		{"missing name", func(j *Job) { j.Name = " " }, true},
		{"bad cron", func(j *Job) { j.CronExpr = "61 * * * *" }, true},
		{"four fields", func(j *Job) { j.CronExpr = "* * * *" }, true},
		{"scheduled without cron", func(j *Job) { j.CronExpr = "" }, true},
		{"one-off without cron", func(j *Job) { j.Type = TypeOneOff; j.CronExpr = "" }, false},
		{"missing prompt", func(j *Job) { j.PromptContent = "" }, true},
		{"prompt reference", func(j *Job) { j.PromptContent = ""; j.PromptID = 4 }, false},
		{"child without parent", func(j *Job) { j.Type = TypeChild }, true},
		{"child with parent", func(j *Job) { j.Type = TypeChild; j.ParentID = 1; j.CronExpr = "" }, false},
		{"scheduled with parent", func(j *Job) { j.ParentID = 1 }, true},
		{"bad status", func(j *Job) { j.Status = "running" }, true},
		{"negative retries", func(j *Job) { j.RetryConfig.MaxRetries = &neg }, true},
		{"unknown strategy", func(j *Job) { j.RetryConfig.Strategy = "random" }, true},
		{"unknown channel", func(j *Job) { j.NotificationConfig.Channels = []string{"email"} }, true},
		{"hooks", func(j *Job) { j.ExecutionOptions.SetupCommand = "git pull --ff-only" }, false},
		{"unterminated setup quote", func(j *Job) { j.ExecutionOptions.SetupCommand = `make "prep` }, true},
		{"unterminated cleanup quote", func(j *Job) { j.ExecutionOptions.CleanupCommand = "rm -rf 'tmp" }, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			j := validJob()
			tc.mutate(&j)
			err := Validate(j)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

	j := validJob()
	j.CronExpr = "*/5 * * * *"
	next, err := j.NextRun(from, time.UTC)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%v want %v", next, want)
	}

	j.Type = TypeOneOff
	j.CronExpr = ""
	next, _ = j.NextRun(from, time.UTC)
	if !next.Equal(from) {
		t.Fatalf("one-off without cron should fire at once, got %v", next)
	}

	j.Type = TypeChild
	next, _ = j.NextRun(from, time.UTC)
	if !next.IsZero() {
		t.Fatalf("child without cron should never fire, got %v", next)
	}
}

func TestValidationHint(t *testing.T) {
	t.Parallel()

	_, err := ParseCron("")
	if err == nil || Hint(err) == "" {
		t.Fatalf("expected hinted error, got %v", err)
	}
}
