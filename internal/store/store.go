package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/model"
	"crosspost/internal/recurrence"
	logx "crosspost/pkg/logx"
)

var (
	// ErrNotFound means the post id does not exist.
	ErrNotFound = errors.New("post not found")
	// ErrConflict means a conditional update lost a status race
	// (e.g. cancelling a post that was already claimed).
	ErrConflict = errors.New("post status conflict")
)

// DefaultMaxAttempts is applied when a post is created without a retry ceiling.
const DefaultMaxAttempts = 3

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process backend (no durability)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// DefaultMaxAttempts is the retry ceiling applied to posts created
	// without one. <1 falls back to DefaultMaxAttempts (the constant).
	DefaultMaxAttempts int
}

// ListFilter narrows ListForOwner results.
// By default published posts are excluded; set IncludePublished (or an
// explicit Status) to see them.
type ListFilter struct {
	Status           model.Status
	IncludePublished bool
	Limit            int
}

// DueQuery selects posts eligible for a scheduler tick.
//
// Limit caps per-tick work: remaining due posts are picked up on the next
// tick rather than starving other tenants. MinRetryDelay, when set,
// excludes posts whose last attempt is too recent.
type DueQuery struct {
	Now           time.Time
	Limit         int
	MinRetryDelay time.Duration
}

// Patch is a partial update. Nil fields are left untouched; the maps are
// merged key-by-key into the existing values. ExpectStatus, when set, makes
// the whole update conditional: a mismatch returns ErrConflict and writes
// nothing.
type Patch struct {
	Status        *model.Status
	Attempts      *int
	LastError     *string
	LastAttemptAt *time.Time
	PublishedAt   *time.Time

	PlatformPostIDs map[string]string
	PublishURLs     map[string]string

	Tags  *[]string
	Notes *string

	ExpectStatus *model.Status
}

// Store is the persistence API the scheduling engine is written against.
//
// All mutation goes through Create/Update/Claim/Cancel; implementations
// hand out deep copies so callers never share the canonical record.
type Store interface {
	// Create validates the schedule, assigns an id and bookkeeping
	// timestamps, and persists the post. The assigned id is returned.
	Create(ctx context.Context, p *model.ScheduledPost) (string, error)
	Get(ctx context.Context, id string) (*model.ScheduledPost, error)
	Update(ctx context.Context, id string, patch Patch) error
	Delete(ctx context.Context, id string) error

	ListForOwner(ctx context.Context, ownerID string, f ListFilter) ([]*model.ScheduledPost, error)
	// Due returns scheduled posts with publish_at <= q.Now, oldest first,
	// bounded to q.Limit.
	Due(ctx context.Context, q DueQuery) ([]*model.ScheduledPost, error)

	// Claim atomically moves a post from scheduled to publishing.
	// claimed=false with a nil error means another worker got there first
	// (or the post is gone); callers skip, they do not fail.
	Claim(ctx context.Context, id string, now time.Time) (claimed bool, err error)
	// Cancel moves a scheduled post to cancelled. ErrConflict if the post
	// was already claimed or finished.
	Cancel(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return newMemory(cfg.DefaultMaxAttempts), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// prepareCreate normalizes and validates a new post in place.
// Shared by all backends so creation semantics never drift between them.
// defMax is the backend's configured retry ceiling for posts created
// without one; <1 falls back to the package default.
func prepareCreate(p *model.ScheduledPost, now time.Time, defMax int) error {
	if p == nil {
		return errors.New("nil post")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	p.Content.Platforms = model.NormalizePlatforms(p.Content.Platforms)
	if len(p.Content.Platforms) == 0 {
		return errors.New("post targets no platforms")
	}
	if err := recurrence.Validate(p.Schedule); err != nil {
		return fmt.Errorf("schedule rejected: %w", err)
	}
	if p.Schedule.PublishAt.IsZero() {
		return errors.New("publish_at is required")
	}
	if p.Status == "" {
		p.Status = model.StatusScheduled
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	if p.MaxAttempts < 1 {
		if defMax < 1 {
			defMax = DefaultMaxAttempts
		}
		p.MaxAttempts = defMax
	}
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// applyPatch merges a patch into a post copy. The caller is responsible for
// the ExpectStatus guard; this only mutates fields.
func applyPatch(p *model.ScheduledPost, patch Patch, now time.Time) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Attempts != nil {
		p.Attempts = *patch.Attempts
	}
	if patch.LastError != nil {
		p.LastError = *patch.LastError
	}
	if patch.LastAttemptAt != nil {
		t := *patch.LastAttemptAt
		p.LastAttemptAt = &t
	}
	if patch.PublishedAt != nil {
		t := *patch.PublishedAt
		p.PublishedAt = &t
	}
	if len(patch.PlatformPostIDs) > 0 {
		if p.PlatformPostIDs == nil {
			p.PlatformPostIDs = map[string]string{}
		}
		for k, v := range patch.PlatformPostIDs {
			p.PlatformPostIDs[k] = v
		}
	}
	if len(patch.PublishURLs) > 0 {
		if p.PublishURLs == nil {
			p.PublishURLs = map[string]string{}
		}
		for k, v := range patch.PublishURLs {
			p.PublishURLs[k] = v
		}
	}
	if patch.Tags != nil {
		p.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	p.UpdatedAt = now
}
