package config

import (
	"fmt"
	"time"
)

// ParseDurationField parses an optional duration string from a config field.
// Empty means zero (the component picks its default).
func ParseDurationField(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative: %q", field, raw)
	}
	return d, nil
}
