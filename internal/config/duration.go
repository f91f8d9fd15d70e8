package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration string and falls back to defaultValue when empty.
// Negative durations are rejected; zero is allowed and means "unset" to callers
// that have their own fallback.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", candidate)
	}
	return d, nil
}

// IntervalOrDefault is DurationOrDefault for ticker and poll periods, which
// must be positive.
func IntervalOrDefault(value string, defaultValue string) (time.Duration, error) {
	d, err := DurationOrDefault(value, defaultValue)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("interval %q must be positive", strings.TrimSpace(value))
	}
	return d, nil
}
