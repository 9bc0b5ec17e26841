package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"nightpilot/internal/job"
)

// Trigger is a parsed loop trigger (tick or cleanup).
//
// Supported forms:
//   - Interval duration: "30s", "2h30m"
//   - Interval HH:MM: "00:05" (5 minutes), "24:00" (a day)
//   - Cron: "*/1 * * * *", "@daily", "@every 45s"
//
// "cron:" and "every:" prefixes force one interpretation.
type Trigger struct {
	Spec     string
	Every    time.Duration
	Schedule cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseTrigger(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, errors.New("trigger required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronTrigger(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalTrigger(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronTrigger(s)
	}
	return intervalTrigger(s)
}

func cronTrigger(expr string) (Trigger, error) {
	if expr == "" {
		return Trigger{}, errors.New("cron trigger required after 'cron:'")
	}
	sched, err := job.CronParser().Parse(expr)
	if err != nil {
		return Trigger{}, errors.Wrapf(err, "invalid trigger %q", expr)
	}
	t := Trigger{Spec: expr, Schedule: sched}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		t.Every = every.Delay
	}
	return t, nil
}

func intervalTrigger(v string) (Trigger, error) {
	d, err := parseInterval(v)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{Spec: "@every " + d.String(), Every: d, Schedule: cron.Every(d)}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, errors.Newf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, errors.New("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Newf("invalid trigger %q (use cron like '*/1 * * * *', HH:MM like '00:05', or duration like '30s')", v)
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}
