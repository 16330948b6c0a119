package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

// runBackends runs the same contract test against every backend.
func runBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		},
	}
	for name, open := range backends {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			fn(t, s)
		})
	}
}

func newPost(owner string, publishAt time.Time) *model.ScheduledPost {
	return &model.ScheduledPost{
		OwnerID: owner,
		Content: model.PostContent{Text: "hello", Platforms: []string{"webhook"}},
		Schedule: model.Schedule{
			PublishAt: publishAt,
			Timezone:  "UTC",
		},
	}
}

func TestCreateAssignsDefaults(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPost("u1", time.Now().Add(time.Hour))
		id, err := s.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if id == "" || p.ID != id {
			t.Fatalf("id not assigned: %q vs %q", id, p.ID)
		}

		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != model.StatusScheduled {
			t.Fatalf("status = %s, want scheduled", got.Status)
		}
		if got.MaxAttempts != DefaultMaxAttempts {
			t.Fatalf("max attempts = %d, want %d", got.MaxAttempts, DefaultMaxAttempts)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatal("bookkeeping timestamps not set")
		}
	})
}

func TestCreateUsesConfiguredMaxAttempts(t *testing.T) {
	configs := map[string]Config{
		"memory": {Driver: "memory", DefaultMaxAttempts: 5},
		"sqlite": {Driver: "sqlite", DefaultMaxAttempts: 5},
	}
	for name, cfg := range configs {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			if cfg.Driver == "sqlite" {
				cfg.Path = filepath.Join(t.TempDir(), "posts.db")
			}
			s, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			defer func() { _ = s.Close() }()

			ctx := context.Background()

			// Posts created without a ceiling get the configured default.
			id, err := s.Create(ctx, newPost("u1", time.Now().Add(time.Hour)))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.MaxAttempts != 5 {
				t.Fatalf("max attempts = %d, want configured 5", got.MaxAttempts)
			}

			// An explicit per-post ceiling still wins.
			p := newPost("u1", time.Now().Add(time.Hour))
			p.MaxAttempts = 1
			id, err = s.Create(ctx, p)
			if err != nil {
				t.Fatalf("Create explicit: %v", err)
			}
			got, err = s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get explicit: %v", err)
			}
			if got.MaxAttempts != 1 {
				t.Fatalf("max attempts = %d, want explicit 1", got.MaxAttempts)
			}
		})
	}
}

func TestCreateRejectsBadRecurrence(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		p := newPost("u1", time.Now())
		p.Schedule.Recurrence = &model.Recurrence{Frequency: model.FreqWeekly, Interval: 0}
		if _, err := s.Create(context.Background(), p); err == nil {
			t.Fatal("expected creation to reject invalid recurrence")
		}
	})
}

func TestGetMissing(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateMergesAndGuards(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPost("u1", time.Now())
		id, err := s.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		attempts := 1
		lastErr := "boom"
		if err := s.Update(ctx, id, Patch{
			Attempts:        &attempts,
			LastError:       &lastErr,
			PlatformPostIDs: map[string]string{"webhook": "w-1"},
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		// Second merge must preserve the first map entry.
		if err := s.Update(ctx, id, Patch{
			PlatformPostIDs: map[string]string{"telegram": "t-9"},
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Attempts != 1 || got.LastError != "boom" {
			t.Fatalf("merge lost fields: %+v", got)
		}
		if got.PlatformPostIDs["webhook"] != "w-1" || got.PlatformPostIDs["telegram"] != "t-9" {
			t.Fatalf("map merge broken: %v", got.PlatformPostIDs)
		}

		// Guard: expecting publishing while the post is scheduled conflicts.
		expect := model.StatusPublishing
		st := model.StatusFailed
		err = s.Update(ctx, id, Patch{Status: &st, ExpectStatus: &expect})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})
}

func TestDueOrderingAndBound(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		for i := 0; i < 100; i++ {
			p := newPost("u1", now.Add(-time.Duration(100-i)*time.Minute))
			if _, err := s.Create(ctx, p); err != nil {
				t.Fatalf("Create #%d: %v", i, err)
			}
		}
		// One post in the future must never come back.
		future := newPost("u1", now.Add(time.Hour))
		if _, err := s.Create(ctx, future); err != nil {
			t.Fatalf("Create future: %v", err)
		}

		due, err := s.Due(ctx, DueQuery{Now: now, Limit: 50})
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 50 {
			t.Fatalf("len(due) = %d, want 50", len(due))
		}
		for i := 1; i < len(due); i++ {
			if due[i].Schedule.PublishAt.Before(due[i-1].Schedule.PublishAt) {
				t.Fatalf("due posts not oldest-first at %d", i)
			}
		}
	})
}

func TestDueHonorsMinRetryDelay(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		p := newPost("u1", now.Add(-time.Hour))
		id, err := s.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		recent := now.Add(-10 * time.Second)
		if err := s.Update(ctx, id, Patch{LastAttemptAt: &recent}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		due, err := s.Due(ctx, DueQuery{Now: now, Limit: 10, MinRetryDelay: time.Minute})
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("post with a recent attempt must be excluded, got %d", len(due))
		}

		due, err = s.Due(ctx, DueQuery{Now: now, Limit: 10, MinRetryDelay: 5 * time.Second})
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("post past the delay must be eligible, got %d", len(due))
		}
	})
}

func TestClaimIsExclusive(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPost("u1", time.Now().Add(-time.Minute))
		id, err := s.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		now := time.Now()
		claimed, err := s.Claim(ctx, id, now)
		if err != nil || !claimed {
			t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
		}
		claimed, err = s.Claim(ctx, id, now)
		if err != nil {
			t.Fatalf("second claim errored: %v", err)
		}
		if claimed {
			t.Fatal("second claim must lose")
		}

		// Missing post: skip, not error.
		claimed, err = s.Claim(ctx, "ghost", now)
		if err != nil || claimed {
			t.Fatalf("claim of missing post = (%v, %v), want (false, nil)", claimed, err)
		}
	})
}

func TestCancelRaces(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPost("u1", time.Now().Add(time.Hour))
		id, err := s.Create(ctx, p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Cancel(ctx, id); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != model.StatusCancelled {
			t.Fatalf("status = %s, want cancelled", got.Status)
		}

		// Cancelling again loses gracefully with a conflict.
		if err := s.Cancel(ctx, id); !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
		if err := s.Cancel(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}

		// A cancelled post never shows up as due.
		due, err := s.Due(ctx, DueQuery{Now: time.Now().Add(2 * time.Hour), Limit: 10})
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("cancelled post returned as due")
		}
	})
}

func TestListForOwner(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		var publishedID string
		for i := 0; i < 3; i++ {
			p := newPost("alice", now.Add(time.Duration(i)*time.Hour))
			id, err := s.Create(ctx, p)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if i == 0 {
				publishedID = id
			}
		}
		other := newPost("bob", now)
		if _, err := s.Create(ctx, other); err != nil {
			t.Fatalf("Create: %v", err)
		}

		st := model.StatusPublished
		pubAt := now
		if err := s.Update(ctx, publishedID, Patch{Status: &st, PublishedAt: &pubAt}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, err := s.ListForOwner(ctx, "alice", ListFilter{})
		if err != nil {
			t.Fatalf("ListForOwner: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("default list should exclude published, got %d", len(got))
		}

		got, err = s.ListForOwner(ctx, "alice", ListFilter{IncludePublished: true})
		if err != nil {
			t.Fatalf("ListForOwner: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("include-published list = %d, want 3", len(got))
		}

		got, err = s.ListForOwner(ctx, "alice", ListFilter{Status: model.StatusPublished})
		if err != nil {
			t.Fatalf("ListForOwner: %v", err)
		}
		if len(got) != 1 || got[0].ID != publishedID {
			t.Fatalf("status filter broken: %v", got)
		}
	})
}

func TestSQLiteRoundTripsRecurrenceAndTimezone(t *testing.T) {
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	p := newPost("u1", time.Date(2025, 12, 1, 10, 0, 0, 0, ny))
	p.Schedule.Timezone = "America/New_York"
	p.Schedule.Recurrence = &model.Recurrence{Frequency: model.FreqWeekly, Interval: 1, DaysOfWeek: []int{1, 3}}
	p.Tags = []string{"launch"}
	p.Notes = "first in series"

	id, err := s.Create(ctx, p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Schedule.Timezone != "America/New_York" {
		t.Fatalf("timezone = %q", got.Schedule.Timezone)
	}
	if !got.Schedule.PublishAt.Equal(p.Schedule.PublishAt) {
		t.Fatalf("publish_at = %v, want %v", got.Schedule.PublishAt, p.Schedule.PublishAt)
	}
	r := got.Schedule.Recurrence
	if r == nil || r.Frequency != model.FreqWeekly || len(r.DaysOfWeek) != 2 {
		t.Fatalf("recurrence lost in round trip: %+v", r)
	}
	if len(got.Tags) != 1 || got.Notes != "first in series" {
		t.Fatalf("metadata lost: %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func BenchmarkMemoryDue(b *testing.B) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 1000; i++ {
		p := newPost(fmt.Sprintf("u%d", i%10), now.Add(-time.Duration(i)*time.Second))
		if _, err := s.Create(ctx, p); err != nil {
			b.Fatalf("Create: %v", err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Due(ctx, DueQuery{Now: now, Limit: 50}); err != nil {
			b.Fatalf("Due: %v", err)
		}
	}
}
