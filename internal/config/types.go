package config

import (
	"fmt"

	"crosspost/internal/platform"
	"crosspost/internal/publish"
	"crosspost/internal/scheduler"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

// Config is the full daemon configuration.
//
// Files may be JSON or YAML; both are decoded strictly (unknown fields are
// rejected). All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Publish   PublishConfig    `json:"publish,omitempty"`
	Platforms []PlatformConfig `json:"platforms"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crosspost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the tick loop.
//
// Schedule accepts a Go duration ("60s") or a cron expression
// ("*/1 * * * *"); cron expressions run in Timezone.
type SchedulerConfig struct {
	Enabled            bool   `json:"enabled"`
	Schedule           string `json:"schedule,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	Workers            int    `json:"workers,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	DefaultMaxAttempts int    `json:"default_max_attempts,omitempty"`
	MinRetryDelay      string `json:"min_retry_delay,omitempty"`
}

// PublishConfig controls per-platform publish behavior.
type PublishConfig struct {
	PlatformTimeout string `json:"platform_timeout,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
}

// PlatformConfig declares one platform target.
//
// Credentials should come from the environment via token_env; a literal
// token field is accepted but discouraged.
type PlatformConfig struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
}

// ---- Mapping into component configs ----

func (c *Config) Logx() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) Store() (store.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
		// The retry ceiling is a scheduler knob in the file, but creation
		// applies it, so the store carries it too.
		DefaultMaxAttempts: c.Scheduler.DefaultMaxAttempts,
	}, nil
}

func (c *Config) Sched() (scheduler.Config, error) {
	minDelay, err := ParseDurationField("scheduler.min_retry_delay", c.Scheduler.MinRetryDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:            c.Scheduler.Enabled,
		Schedule:           c.Scheduler.Schedule,
		Timezone:           c.Scheduler.Timezone,
		Workers:            c.Scheduler.Workers,
		BatchSize:          c.Scheduler.BatchSize,
		DefaultMaxAttempts: c.Scheduler.DefaultMaxAttempts,
		MinRetryDelay:      minDelay,
	}, nil
}

func (c *Config) Pub() (publish.Config, error) {
	timeout, err := ParseDurationField("publish.platform_timeout", c.Publish.PlatformTimeout)
	if err != nil {
		return publish.Config{}, err
	}
	return publish.Config{
		PlatformTimeout: timeout,
		RatePerSec:      c.Publish.RatePerSec,
	}, nil
}

func (c *Config) PlatformList() []platform.Config {
	out := make([]platform.Config, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		out = append(out, platform.Config{
			Type:     p.Type,
			Name:     p.Name,
			URL:      p.URL,
			TokenEnv: p.TokenEnv,
			Token:    p.Token,
			ChatID:   p.ChatID,
		})
	}
	return out
}

// Validate checks everything that can be checked without I/O.
// Used both at startup and by the reload watcher before committing.
func (c *Config) Validate() error {
	if _, err := c.Store(); err != nil {
		return err
	}
	if _, err := c.Sched(); err != nil {
		return err
	}
	if _, err := c.Pub(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platforms[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("platforms[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "webhook":
			if p.URL == "" {
				return fmt.Errorf("platforms[%d] (%s): url is required for webhook", i, p.Name)
			}
		case "telegram":
			if p.ChatID == 0 {
				return fmt.Errorf("platforms[%d] (%s): chat_id is required for telegram", i, p.Name)
			}
		default:
			return fmt.Errorf("platforms[%d] (%s): unknown type %q", i, p.Name, p.Type)
		}
	}
	return nil
}
