package scheduler

import (
	"time"

	"crosspost/internal/model"
	"crosspost/internal/publish"
)

// Decision is the retry policy's verdict for one publish attempt.
type Decision struct {
	NextStatus model.Status
	Attempts   int
	LastError  string
	// PublishedAt is set exactly once, when NextStatus is published.
	PublishedAt *time.Time
}

// Decide maps a publish outcome onto the post's next state.
//
// Rules:
//   - overall success: published.
//   - any non-retryable platform failure: failed immediately, regardless
//     of remaining attempts (the one documented exception to
//     "failed implies attempts == maxAttempts").
//   - retryable failure with attempts remaining: back to scheduled.
//   - attempts exhausted: failed.
//
// Pure decision function; the caller persists it. Calling it with a nil
// post is a programming error and panics.
func Decide(p *model.ScheduledPost, out publish.Outcome, now time.Time) Decision {
	if p == nil {
		panic("scheduler: Decide called with nil post")
	}

	attempts := p.Attempts + 1
	if attempts > p.MaxAttempts {
		attempts = p.MaxAttempts
	}

	if out.OverallSuccess {
		t := now
		return Decision{NextStatus: model.StatusPublished, Attempts: attempts, PublishedAt: &t}
	}

	lastErr := out.FirstError()
	if lastErr == "" {
		lastErr = "publish failed"
	}

	if out.NonRetryable() {
		return Decision{NextStatus: model.StatusFailed, Attempts: attempts, LastError: lastErr}
	}
	if attempts < p.MaxAttempts {
		return Decision{NextStatus: model.StatusScheduled, Attempts: attempts, LastError: lastErr}
	}
	return Decision{NextStatus: model.StatusFailed, Attempts: attempts, LastError: lastErr}
}
