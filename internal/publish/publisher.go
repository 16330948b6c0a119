// Package publish fans a scheduled post out to its target platforms and
// aggregates per-platform results into a single outcome.
package publish

import (
	"context"

	"crosspost/internal/model"
)

// Result is the outcome of one platform publish on one attempt.
//
// Ordinary failures (network errors, rejected content) are reported here,
// never as a Go error: that keeps the aggregation logic from being bypassed
// by unexpected control flow.
type Result struct {
	Platform       string `json:"platform"`
	Success        bool   `json:"success"`
	ExternalPostID string `json:"external_post_id,omitempty"`
	URL            string `json:"url,omitempty"`
	Err            string `json:"error,omitempty"`
	// Retryable classifies the failure: false means the platform rejected
	// the content permanently (policy violation etc.) and retrying is
	// pointless.
	Retryable bool `json:"retryable,omitempty"`
	// Skipped marks platforms that already succeeded on an earlier attempt
	// and were not re-published.
	Skipped bool `json:"skipped,omitempty"`
}

// Outcome aggregates the per-platform results of one publish attempt.
type Outcome struct {
	Results        []Result
	OverallSuccess bool
}

// NonRetryable reports whether any failed platform rejected permanently.
// One permanent rejection fails the whole post regardless of remaining
// attempts: the content will never be accepted.
func (o Outcome) NonRetryable() bool {
	for _, r := range o.Results {
		if !r.Success && !r.Retryable {
			return true
		}
	}
	return false
}

// FirstError returns the first failure message, or "".
func (o Outcome) FirstError() string {
	for _, r := range o.Results {
		if !r.Success && r.Err != "" {
			return r.Platform + ": " + r.Err
		}
	}
	return ""
}

// Succeeded returns the results of newly succeeded (non-skipped) platforms.
func (o Outcome) Succeeded() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.Success && !r.Skipped {
			out = append(out, r)
		}
	}
	return out
}

// Publisher performs the actual network call to one platform.
//
// Implementations must honor ctx (the orchestrator applies a per-platform
// timeout) and report ordinary failures through the returned Result.
type Publisher interface {
	Publish(ctx context.Context, content model.PostContent) Result
}

// Registry resolves a platform name to its publisher capability.
type Registry interface {
	Publisher(platform string) (Publisher, bool)
}

// RegistryFunc adapts a lookup function to the Registry interface.
type RegistryFunc func(platform string) (Publisher, bool)

func (f RegistryFunc) Publisher(platform string) (Publisher, bool) { return f(platform) }

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, content model.PostContent) Result

func (f PublisherFunc) Publish(ctx context.Context, content model.PostContent) Result {
	return f(ctx, content)
}
