package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"crosspost/internal/model"
)

// memStore keeps everything in a map. Conditional updates are trivially
// atomic under the single mutex, which is exactly what the engine's
// claim/cancel discipline needs.
type memStore struct {
	defMax int

	mu    sync.RWMutex
	posts map[string]*model.ScheduledPost
}

// NewMemory returns an empty in-process store with default settings.
func NewMemory() Store {
	return newMemory(0)
}

func newMemory(defMax int) Store {
	return &memStore{defMax: defMax, posts: map[string]*model.ScheduledPost{}}
}

func (s *memStore) Create(ctx context.Context, p *model.ScheduledPost) (string, error) {
	_ = ctx
	cp := p.Clone()
	if err := prepareCreate(cp, time.Now(), s.defMax); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.posts[cp.ID] = cp
	s.mu.Unlock()
	// Reflect assigned fields back to the caller's copy.
	p.ID = cp.ID
	p.Status = cp.Status
	p.MaxAttempts = cp.MaxAttempts
	p.CreatedAt = cp.CreatedAt
	p.UpdatedAt = cp.UpdatedAt
	return cp.ID, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*model.ScheduledPost, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memStore) Update(ctx context.Context, id string, patch Patch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if patch.ExpectStatus != nil && p.Status != *patch.ExpectStatus {
		return ErrConflict
	}
	applyPatch(p, patch, time.Now())
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *memStore) ListForOwner(ctx context.Context, ownerID string, f ListFilter) ([]*model.ScheduledPost, error) {
	_ = ctx
	s.mu.RLock()
	var out []*model.ScheduledPost
	for _, p := range s.posts {
		if p.OwnerID != ownerID {
			continue
		}
		if f.Status != "" {
			if p.Status != f.Status {
				continue
			}
		} else if !f.IncludePublished && p.Status == model.StatusPublished {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Schedule.PublishAt.Before(out[j].Schedule.PublishAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) Due(ctx context.Context, q DueQuery) ([]*model.ScheduledPost, error) {
	_ = ctx
	cutoff := time.Time{}
	if q.MinRetryDelay > 0 {
		cutoff = q.Now.Add(-q.MinRetryDelay)
	}

	s.mu.RLock()
	var out []*model.ScheduledPost
	for _, p := range s.posts {
		if p.Status != model.StatusScheduled {
			continue
		}
		if p.Schedule.PublishAt.After(q.Now) {
			continue
		}
		if !cutoff.IsZero() && p.LastAttemptAt != nil && p.LastAttemptAt.After(cutoff) {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Schedule.PublishAt.Before(out[j].Schedule.PublishAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != model.StatusScheduled {
		return false, nil
	}
	p.Status = model.StatusPublishing
	p.UpdatedAt = now
	return true, nil
}

func (s *memStore) Cancel(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != model.StatusScheduled {
		return ErrConflict
	}
	p.Status = model.StatusCancelled
	p.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Close() error { return nil }
