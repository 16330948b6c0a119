package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a ScheduledPost.
//
// Transitions:
//
//	scheduled -> publishing  (claimed by a scheduler tick)
//	publishing -> published  (every targeted platform succeeded)
//	publishing -> scheduled  (retryable failure, attempts remain)
//	publishing -> failed     (attempts exhausted or non-retryable failure)
//	scheduled -> cancelled   (user action)
//
// published, failed and cancelled are terminal.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is valid from s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPublishing, StatusPublished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PostContent is the payload handed to platform publishers.
// The engine passes it through opaquely; only Platforms is inspected
// (to know which publishers to invoke).
type PostContent struct {
	Text      string   `json:"text"`
	Platforms []string `json:"platforms"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

// Clone returns a deep copy so materialized successors never share slices
// with their predecessor.
func (c PostContent) Clone() PostContent {
	cp := c
	cp.Platforms = append([]string(nil), c.Platforms...)
	cp.MediaURLs = append([]string(nil), c.MediaURLs...)
	cp.Hashtags = append([]string(nil), c.Hashtags...)
	cp.Mentions = append([]string(nil), c.Mentions...)
	return cp
}

// Frequency is a recurrence cadence.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// Recurrence describes how to compute the next occurrence of a repeating
// schedule. It is a value object: immutable once the post is created and
// copied verbatim into each materialized successor.
type Recurrence struct {
	Frequency Frequency `json:"frequency"`
	Interval  int       `json:"interval"`
	// DaysOfWeek uses 0=Sunday..6=Saturday (weekly only).
	DaysOfWeek []int `json:"days_of_week,omitempty"`
	// DayOfMonth is 1..31 (monthly only); months shorter than the target
	// day clamp to their last day.
	DayOfMonth int `json:"day_of_month,omitempty"`
}

// Clone returns a deep copy of r, or nil if r is nil.
func (r *Recurrence) Clone() *Recurrence {
	if r == nil {
		return nil
	}
	cp := *r
	cp.DaysOfWeek = append([]int(nil), r.DaysOfWeek...)
	return &cp
}

// Schedule is when (and how often) a post should be published.
// All recurrence arithmetic runs in the declared IANA timezone, never in
// the server's local zone.
type Schedule struct {
	PublishAt  time.Time   `json:"publish_at"`
	Timezone   string      `json:"timezone"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
}

// ScheduledPost is the unit of work: one post, one (possibly recurring)
// delivery time, one or more target platforms.
type ScheduledPost struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	Content  PostContent `json:"content"`
	Schedule Schedule    `json:"schedule"`

	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`

	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`

	// Populated incrementally as individual platform publishes succeed.
	// On retry, platforms already present here are not re-published.
	PlatformPostIDs map[string]string `json:"platform_post_ids,omitempty"`
	PublishURLs     map[string]string `json:"publish_urls,omitempty"`

	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of p. Store implementations hand out clones so
// callers can never mutate the canonical record in place.
func (p *ScheduledPost) Clone() *ScheduledPost {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Content = p.Content.Clone()
	cp.Schedule.Recurrence = p.Schedule.Recurrence.Clone()
	cp.PlatformPostIDs = cloneStringMap(p.PlatformPostIDs)
	cp.PublishURLs = cloneStringMap(p.PublishURLs)
	cp.Tags = append([]string(nil), p.Tags...)
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		cp.PublishedAt = &t
	}
	return &cp
}

// Recurring reports whether a successful publish should spawn a successor.
func (p *ScheduledPost) Recurring() bool {
	return p != nil && p.Schedule.Recurrence != nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// NormalizePlatforms trims and lowercases platform names, dropping empties
// and duplicates while preserving order.
func NormalizePlatforms(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
