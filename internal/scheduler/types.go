package scheduler

import (
	"time"
)

// Config controls the scheduler loop.
//
// Schedule accepts either a Go duration ("60s", "2m") or a cron expression
// ("*/1 * * * *", optionally prefixed "cron:"). Cron expressions are
// evaluated in Timezone.
type Config struct {
	Enabled  bool
	Schedule string
	Timezone string

	// Workers bounds concurrent per-post processing within one tick.
	Workers int
	// BatchSize caps due posts fetched per tick; the rest wait for the
	// next tick (backpressure, not loss).
	BatchSize int
	// DefaultMaxAttempts is applied to posts created without a ceiling.
	DefaultMaxAttempts int
	// MinRetryDelay, when > 0, keeps a failed post out of the due query
	// until this much time has passed since its last attempt.
	MinRetryDelay time.Duration
}

const (
	defaultWorkers   = 4
	defaultBatchSize = 50
	defaultInterval  = 60 * time.Second
)

// TickSummary is what one scheduler tick did, for observability.
type TickSummary struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Processed    int `json:"processed"`
	Published    int `json:"published"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	Materialized int `json:"materialized"`
	// Skipped counts claims lost to another worker. Normal in
	// multi-instance deployments, suspicious otherwise.
	Skipped int `json:"skipped"`
	// Errors counts storage/materialization failures that will surface
	// again on a later tick.
	Errors int `json:"errors"`
}
