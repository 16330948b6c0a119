package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// trigger is a parsed cadence: either a fixed interval or a cron schedule.
type trigger struct {
	raw   string
	every time.Duration
	cron  cron.Schedule
}

// parseTrigger accepts:
//   - "" (default interval)
//   - a Go duration, optionally prefixed "interval:" ("60s", "interval:2m")
//   - a cron expression, optionally prefixed "cron:" ("*/1 * * * *", "@hourly")
func parseTrigger(raw string, parser cron.Parser) (trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return trigger{raw: raw, every: defaultInterval}, nil
	}

	if rest, ok := strings.CutPrefix(s, "interval:"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return trigger{}, fmt.Errorf("invalid interval %q", raw)
		}
		return trigger{raw: raw, every: d}, nil
	}
	if rest, ok := strings.CutPrefix(s, "cron:"); ok {
		sched, err := parser.Parse(strings.TrimSpace(rest))
		if err != nil {
			return trigger{}, fmt.Errorf("invalid cron spec %q: %w", raw, err)
		}
		return trigger{raw: raw, cron: sched}, nil
	}

	// Unprefixed: try a duration first, then cron.
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return trigger{}, fmt.Errorf("interval must be > 0, got %q", raw)
		}
		return trigger{raw: raw, every: d}, nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return trigger{}, fmt.Errorf("schedule %q is neither a duration nor a cron spec: %w", raw, err)
	}
	return trigger{raw: raw, cron: sched}, nil
}

// next returns the wait until the following fire.
func (t trigger) next(now time.Time) time.Duration {
	if t.cron != nil {
		d := t.cron.Next(now).Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return t.every
}
