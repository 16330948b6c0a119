package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"crosspost/internal/model"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

// RunTick performs one scheduler pass at the given evaluation time.
// batchSize <= 0 uses the configured default. Safe to call directly from a
// driving process (timer, cron trigger, test) as well as from the internal
// loop.
func (s *Service) RunTick(ctx context.Context, now time.Time, batchSize int) TickSummary {
	start := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if batchSize <= 0 {
		batchSize = cfg.BatchSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	sum := TickSummary{Started: now}

	due, err := s.store.Due(ctx, store.DueQuery{Now: now, Limit: batchSize, MinRetryDelay: cfg.MinRetryDelay})
	if err != nil {
		// Transient storage failure: nothing is lost, the next tick retries.
		s.log.Warn("due query failed", logx.Err(err))
		sum.Errors++
		sum.Duration = time.Since(start)
		s.storeSummary(sum)
		return sum
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, workers)
	)
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		p := p
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r := s.processOne(ctx, p, now)
			mu.Lock()
			sum.Processed++
			sum.Published += r.published
			sum.Retried += r.retried
			sum.Failed += r.failed
			sum.Materialized += r.materialized
			sum.Skipped += r.skipped
			sum.Errors += r.errors
			mu.Unlock()
		}()
	}
	wg.Wait()

	sum.Duration = time.Since(start)
	s.storeSummary(sum)

	fields := []logx.Field{
		logx.Int("processed", sum.Processed),
		logx.Int("published", sum.Published),
		logx.Int("retried", sum.Retried),
		logx.Int("failed", sum.Failed),
		logx.Int("materialized", sum.Materialized),
		logx.Int("skipped", sum.Skipped),
		logx.Int("errors", sum.Errors),
		logx.Duration("dur", sum.Duration),
	}
	if sum.Errors > 0 {
		s.log.Warn("tick finished with errors", fields...)
	} else if sum.Processed > 0 {
		s.log.Info("tick finished", fields...)
	} else {
		s.log.Debug("tick finished (idle)", fields...)
	}
	return sum
}

type postResult struct {
	published    int
	retried      int
	failed       int
	materialized int
	skipped      int
	errors       int
}

// processOne runs claim -> publish -> decide -> persist for a single post.
func (s *Service) processOne(ctx context.Context, due *model.ScheduledPost, now time.Time) (r postResult) {
	log := s.log.With(logx.String("post", due.ID))

	claimed, err := s.store.Claim(ctx, due.ID, now)
	if err != nil {
		log.Warn("claim failed", logx.Err(err))
		r.errors++
		return r
	}
	if !claimed {
		// Another worker (or a racing cancel) got there first. Not an error.
		log.Debug("claim lost; skipping")
		r.skipped++
		return r
	}

	// Re-fetch after the claim: the copy from the due query may be stale
	// (another instance may have processed and re-scheduled it in between),
	// and a stale attempts counter must never be written back.
	p, err := s.store.Get(ctx, due.ID)
	if err != nil {
		log.Warn("re-fetch after claim failed", logx.Err(err))
		r.errors++
		return r
	}
	if p.MaxAttempts < 1 {
		// Rows written by external tooling may lack a ceiling.
		s.mu.Lock()
		p.MaxAttempts = s.cfg.DefaultMaxAttempts
		s.mu.Unlock()
		if p.MaxAttempts < 1 {
			p.MaxAttempts = store.DefaultMaxAttempts
		}
	}

	out := s.orch.Publish(ctx, p)
	dec := Decide(p, out, now)

	expect := model.StatusPublishing
	attemptAt := now
	patch := store.Patch{
		Status:        &dec.NextStatus,
		Attempts:      &dec.Attempts,
		LastError:     &dec.LastError,
		LastAttemptAt: &attemptAt,
		PublishedAt:   dec.PublishedAt,
		ExpectStatus:  &expect,
	}
	// Persist external ids of every platform that succeeded this round,
	// success or not overall: retries must not re-publish them.
	for _, res := range out.Succeeded() {
		if patch.PlatformPostIDs == nil {
			patch.PlatformPostIDs = map[string]string{}
			patch.PublishURLs = map[string]string{}
		}
		patch.PlatformPostIDs[res.Platform] = res.ExternalPostID
		if res.URL != "" {
			patch.PublishURLs[res.Platform] = res.URL
		}
	}

	if err := s.store.Update(ctx, p.ID, patch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone mutated a post we hold the claim on; that breaks the
			// claim discipline and deserves a loud log.
			log.Error("post changed under our claim", logx.String("next", string(dec.NextStatus)))
		} else {
			log.Warn("persisting decision failed", logx.Err(err))
		}
		r.errors++
		return r
	}

	switch dec.NextStatus {
	case model.StatusPublished:
		r.published++
		log.Info("post published",
			logx.Int("attempts", dec.Attempts),
			logx.Int("platforms", len(p.Content.Platforms)))
		if id, err := materializeNext(ctx, s.store, p); err != nil {
			// The published post stays published; only the successor is lost
			// and the operator sees it in the summary.
			log.Error("materializing next occurrence failed", logx.Err(err))
			r.errors++
		} else if id != "" {
			r.materialized++
			log.Info("next occurrence scheduled", logx.String("successor", id))
		}
	case model.StatusScheduled:
		r.retried++
		log.Warn("publish failed; will retry",
			logx.Int("attempts", dec.Attempts),
			logx.Int("max_attempts", p.MaxAttempts),
			logx.String("err", dec.LastError))
	case model.StatusFailed:
		r.failed++
		log.Warn("post failed terminally",
			logx.Int("attempts", dec.Attempts),
			logx.String("err", dec.LastError))
	}
	return r
}
