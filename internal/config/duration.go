package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields travel through JSON as Go duration strings so operators
// can write "150ms" or "2m" instead of nanosecond integers. The typed
// accessors below parse them once, apply defaults, and reject negatives.

const (
	defaultPollTimeout = 10 * time.Second
)

// PollTimeout returns telegram.poll_timeout, defaulting when unset.
func (c *Config) PollTimeout() (time.Duration, error) {
	d, err := parseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return defaultPollTimeout, nil
	}
	return d, nil
}

// BusyTimeout returns storage.busy_timeout; zero means the driver default.
func (c *Config) BusyTimeout() (time.Duration, error) {
	return parseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
}

// MinSendGap returns notifications.min_send_gap; zero lets the dispatcher
// pick its own floor.
func (c *Config) MinSendGap() (time.Duration, error) {
	return parseDurationField("notifications.min_send_gap", c.Notifications.MinSendGap)
}

// SendTimeout returns notifications.send_timeout; zero lets the dispatcher
// pick its own default.
func (c *Config) SendTimeout() (time.Duration, error) {
	return parseDurationField("notifications.send_timeout", c.Notifications.SendTimeout)
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
