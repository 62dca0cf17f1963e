// Package config loads and watches the paywatch configuration file.
//
// Both YAML and JSON are accepted; YAML is coerced to JSON so a single strict
// decoder (DisallowUnknownFields) covers both formats.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"paywatch/pkg/logx"
)

type Config struct {
	Log      logx.Config    `json:"log"`
	Database DatabaseConfig `json:"database"`
	Telegram TelegramConfig `json:"telegram"`
	Pipeline PipelineConfig `json:"pipeline"`
	Report   ReportConfig   `json:"report"`
}

type DatabaseConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"` // duration string, e.g. "5s"
}

type TelegramConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec"`
}

type PipelineConfig struct {
	// Schedule is a standard 5-field cron spec evaluated in the local timezone.
	Schedule string `json:"schedule"`
	Workers  int    `json:"workers"`
}

type ReportConfig struct {
	// BaseURL is the interactive dashboard the report deep link points at.
	BaseURL string `json:"base_url"`
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if strings.TrimSpace(c.Pipeline.Schedule) == "" {
		return errors.New("pipeline.schedule is required")
	}
	if c.Pipeline.Workers < 0 {
		return errors.New("pipeline.workers must be >= 0")
	}
	if _, err := ParseDurationField("database.busy_timeout", c.Database.BusyTimeout); err != nil {
		return err
	}
	return nil
}

// BusyTimeoutDuration returns the parsed SQLite busy timeout (0 means default).
func (c *Config) BusyTimeoutDuration() time.Duration {
	d, err := ParseDurationField("database.busy_timeout", c.Database.BusyTimeout)
	if err != nil {
		return 0
	}
	return d
}

func ParseDurationField(path, raw string) (time.Duration, error) {
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
