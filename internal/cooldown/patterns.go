package cooldown

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Unit tells a pattern how to turn its captures into a wait.
type Unit string

const (
	UnitSeconds  Unit = "seconds"  // capture 1 is a number of seconds
	UnitMinutes  Unit = "minutes"  // capture 1 is a number of minutes
	UnitHours    Unit = "hours"    // capture 1 is a number of hours
	UnitNumUnit  Unit = "num_unit" // capture 1 is a number, capture 2 a unit word
	UnitDuration Unit = "duration" // capture 1 is a compound like "2m30s" or "1h 5m"
	UnitClock    Unit = "clock"    // capture 1 is a wall-clock time like "4:30 PM"
	UnitEpoch    Unit = "epoch"    // capture 1 is a unix timestamp in seconds
	UnitFixed    Unit = "fixed"    // no capture; wait is Pattern.Fixed
)

// clockHorizon bounds how far ahead a "reset at <clock>" message is trusted.
const clockHorizon = 6 * time.Hour

// Pattern is one row of the ordered detection table.
type Pattern struct {
	Name   string
	Regexp *regexp.Regexp
	Unit   Unit
	Fixed  time.Duration
}

// PatternConfig is the configurable form of a Pattern.
type PatternConfig struct {
	Name  string `json:"name"`
	Regex string `json:"regex"`
	Unit  string `json:"unit"`
	Fixed string `json:"fixed,omitempty"`
}

// Match is a successful detection.
type Match struct {
	Pattern string
	Wait    time.Duration
	// Reset is the absolute reset time when the message carried one.
	Reset time.Time
	Text  string
}

// DefaultPatterns returns the built-in table, most specific first.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "usage_limit_epoch", Regexp: regexp.MustCompile(`(?i)usage\s+limit\s+reached\|(\d{9,11})`), Unit: UnitEpoch},
		{Name: "usage_limit_reset", Regexp: regexp.MustCompile(`(?i)usage\s+limit\s+reached.*?resets?\s+(?:at\s+)?(\d{1,2}(?::\d{2})?\s*(?:[ap]\.?m\.?)?)`), Unit: UnitClock},
		{Name: "try_again_unit", Regexp: regexp.MustCompile(`(?i)(?:try\s+again|retry)\s+in\s+(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?)\b`), Unit: UnitNumUnit},
		{Name: "try_again_duration", Regexp: regexp.MustCompile(`(?i)(?:try\s+again|retry)\s+in\s+(\d+\s*[hms](?:\s*\d+\s*[hms]){0,2})\b`), Unit: UnitDuration},
		{Name: "cooldown_seconds", Regexp: regexp.MustCompile(`(?i)cooldown[:\s]+(\d+)s\b`), Unit: UnitSeconds},
		{Name: "wait_seconds", Regexp: regexp.MustCompile(`(?i)wait\s+(\d+)\s+seconds?`), Unit: UnitSeconds},
		{Name: "seconds_remaining", Regexp: regexp.MustCompile(`(?i)(\d+)\s+seconds?\s+remaining`), Unit: UnitSeconds},
		{Name: "rate_limit_unit", Regexp: regexp.MustCompile(`(?i)rate\s+limit.*?(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?)\b`), Unit: UnitNumUnit},
		{Name: "quota_exhausted", Regexp: regexp.MustCompile(`(?i)(?:api\s+quota\s+exceeded|monthly\s+limit\s+reached|billing\s+quota\s+exceeded|insufficient\s+credits)`), Unit: UnitFixed, Fixed: time.Hour},
		{Name: "cooldown_generic", Regexp: regexp.MustCompile(`(?i)cooldown\D{0,20}?(\d+)`), Unit: UnitSeconds},
	}
}

// CompilePatterns builds a table from configuration. Order is preserved.
func CompilePatterns(cfgs []PatternConfig) ([]Pattern, error) {
	out := make([]Pattern, 0, len(cfgs))
	for i, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = "pattern_" + strconv.Itoa(i)
		}
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return nil, errors.Wrapf(err, "cooldown pattern %s", name)
		}
		p := Pattern{Name: name, Regexp: re, Unit: Unit(strings.ToLower(strings.TrimSpace(c.Unit)))}
		switch p.Unit {
		case UnitSeconds, UnitMinutes, UnitHours, UnitDuration, UnitClock, UnitEpoch:
			if re.NumSubexp() < 1 {
				return nil, errors.Newf("cooldown pattern %s: unit %s needs a capture group", name, p.Unit)
			}
		case UnitNumUnit:
			if re.NumSubexp() < 2 {
				return nil, errors.Newf("cooldown pattern %s: unit %s needs two capture groups", name, p.Unit)
			}
		case UnitFixed:
			d, err := time.ParseDuration(strings.TrimSpace(c.Fixed))
			if err != nil || d <= 0 {
				return nil, errors.Newf("cooldown pattern %s: fixed must be a positive duration", name)
			}
			p.Fixed = d
		default:
			return nil, errors.Newf("cooldown pattern %s: unknown unit %q", name, c.Unit)
		}
		out = append(out, p)
	}
	return out, nil
}

// Detect runs the table in order against output and returns the first
// pattern that yields a positive wait. A pattern that matches but cannot be
// parsed falls through to the next one.
func Detect(patterns []Pattern, output string, now time.Time) (Match, bool) {
	if strings.TrimSpace(output) == "" {
		return Match{}, false
	}
	for _, p := range patterns {
		if p.Regexp == nil {
			continue
		}
		m := p.Regexp.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		wait, reset, ok := p.resolve(m, now)
		if !ok || wait <= 0 {
			continue
		}
		return Match{Pattern: p.Name, Wait: wait, Reset: reset, Text: m[0]}, true
	}
	return Match{}, false
}

func (p Pattern) resolve(m []string, now time.Time) (time.Duration, time.Time, bool) {
	group := func(i int) string {
		if i < len(m) {
			return strings.TrimSpace(m[i])
		}
		return ""
	}
	switch p.Unit {
	case UnitSeconds, UnitMinutes, UnitHours:
		n, err := strconv.ParseInt(group(1), 10, 64)
		if err != nil {
			return 0, time.Time{}, false
		}
		return time.Duration(n) * unitScale(string(p.Unit)), time.Time{}, true
	case UnitNumUnit:
		n, err := strconv.ParseInt(group(1), 10, 64)
		scale := unitScale(group(2))
		if err != nil || scale == 0 {
			return 0, time.Time{}, false
		}
		return time.Duration(n) * scale, time.Time{}, true
	case UnitDuration:
		d, err := time.ParseDuration(strings.Join(strings.Fields(strings.ToLower(group(1))), ""))
		if err != nil {
			return 0, time.Time{}, false
		}
		return d, time.Time{}, true
	case UnitEpoch:
		sec, err := strconv.ParseInt(group(1), 10, 64)
		if err != nil {
			return 0, time.Time{}, false
		}
		reset := time.Unix(sec, 0)
		return reset.Sub(now), reset, true
	case UnitClock:
		reset, ok := nextClock(group(1), now)
		if !ok || reset.Sub(now) > clockHorizon {
			return 0, time.Time{}, false
		}
		return reset.Sub(now), reset, true
	case UnitFixed:
		return p.Fixed, time.Time{}, true
	}
	return 0, time.Time{}, false
}

func unitScale(word string) time.Duration {
	w := strings.ToLower(word)
	switch {
	case strings.HasPrefix(w, "s"):
		return time.Second
	case strings.HasPrefix(w, "m"):
		return time.Minute
	case strings.HasPrefix(w, "h"):
		return time.Hour
	}
	return 0
}

var reClock = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*([ap])?\.?m?\.?$`)

// nextClock resolves "4:30 PM", "16:30" or "5am" to the next such instant
// in now's location.
func nextClock(raw string, now time.Time) (time.Time, bool) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return time.Time{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch strings.ToLower(m[3]) {
	case "a":
		if hour == 12 {
			hour = 0
		}
	case "p":
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}
