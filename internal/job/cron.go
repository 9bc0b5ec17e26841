package job

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional accepts both 5-field and 6-field (leading seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronParser exposes the shared parser so cron.Cron instances use the same dialect.
func CronParser() cron.Parser { return cronParser }

// ParseCron parses a cron expression.
//
// Supported forms:
//   - 5 fields: "*/5 * * * *"
//   - 6 fields with seconds: "0 30 2 * * MON-FRI"
//   - descriptors: "@hourly", "@every 15m"
//
// An optional "cron:" prefix is accepted.
func ParseCron(raw string) (cron.Schedule, error) {
	expr := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(expr), "cron:") {
		expr = strings.TrimSpace(expr[len("cron:"):])
	}
	if expr == "" {
		return nil, Validationf("use a cron expression like '*/5 * * * *'", "cron expression required")
	}
	if !strings.HasPrefix(expr, "@") {
		if n := len(strings.Fields(expr)); n != 5 && n != 6 {
			return nil, Validationf("cron expressions have 5 fields (minute first) or 6 (seconds first)",
				"invalid cron expression %q: %d fields", raw, n)
		}
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, Validationf("use a cron expression like '*/5 * * * *'", "invalid cron expression %q: %v", raw, err)
	}
	return sched, nil
}

// NextRun computes the first fire time strictly after from, evaluated in loc.
//
// One-off jobs without an expression fire as soon as possible (at from).
// Child jobs without an expression never fire on their own (zero time).
func (j Job) NextRun(from time.Time, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(j.CronExpr) == "" {
		if j.Type == TypeOneOff {
			return from, nil
		}
		return time.Time{}, nil
	}
	sched, err := ParseCron(j.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(from.In(loc)), nil
}
