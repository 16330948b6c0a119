package publish

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

type Config struct {
	// PlatformTimeout bounds each individual platform publish.
	PlatformTimeout time.Duration
	// RatePerSec limits publishes per platform; 0 disables limiting.
	RatePerSec int
}

const defaultPlatformTimeout = 30 * time.Second

// Orchestrator publishes one post to all of its target platforms.
//
// Platforms are independent: each gets its own goroutine, its own timeout
// and its own rate limiter, and one platform's failure never prevents
// attempting the others. The orchestrator never writes to the store.
type Orchestrator struct {
	reg Registry
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
}

func NewOrchestrator(reg Registry, cfg Config, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		reg:      reg,
		log:      log,
		cfg:      cfg,
		limiters: map[string]*rate.Limiter{},
	}
}

// Apply swaps config at runtime. Existing limiters are dropped so new rates
// take effect on the next publish.
func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.limiters = map[string]*rate.Limiter{}
	o.mu.Unlock()
}

// Publish attempts every targeted platform that has not already succeeded
// on a previous attempt. OverallSuccess is true only when every targeted
// platform has succeeded (now or earlier).
func (o *Orchestrator) Publish(ctx context.Context, post *model.ScheduledPost) Outcome {
	targets := post.Content.Platforms

	results := make([]Result, 0, len(targets))
	pending := make([]string, 0, len(targets))
	for _, platform := range targets {
		if id, ok := post.PlatformPostIDs[platform]; ok && id != "" {
			// Already published on an earlier attempt: idempotency-by-platform.
			results = append(results, Result{
				Platform:       platform,
				Success:        true,
				Skipped:        true,
				ExternalPostID: id,
				URL:            post.PublishURLs[platform],
			})
			continue
		}
		pending = append(pending, platform)
	}

	resCh := make(chan Result, len(pending))
	var wg sync.WaitGroup
	for _, platform := range pending {
		platform := platform
		wg.Add(1)
		go func() {
			defer wg.Done()
			resCh <- o.publishOne(ctx, platform, post)
		}()
	}
	wg.Wait()
	close(resCh)

	for r := range resCh {
		results = append(results, r)
	}
	// Deterministic result order for logs and tests.
	sort.Slice(results, func(i, j int) bool { return results[i].Platform < results[j].Platform })

	overall := len(results) > 0
	for _, r := range results {
		if !r.Success {
			overall = false
			break
		}
	}
	return Outcome{Results: results, OverallSuccess: overall}
}

func (o *Orchestrator) publishOne(ctx context.Context, platform string, post *model.ScheduledPost) (res Result) {
	// A publisher that panics must not take down the scheduler; record it
	// as a retryable failure and move on.
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic in platform publisher",
				logx.String("platform", platform),
				logx.String("post", post.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			res = Result{Platform: platform, Err: fmt.Sprintf("publisher panic: %v", r), Retryable: true}
		}
	}()

	pub, ok := o.reg.Publisher(platform)
	if !ok {
		// No capability for a declared platform: retrying cannot fix this.
		return Result{Platform: platform, Err: "no publisher configured for platform", Retryable: false}
	}

	o.mu.Lock()
	timeout := o.cfg.PlatformTimeout
	lim := o.limiterLocked(platform)
	o.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultPlatformTimeout
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{Platform: platform, Err: "rate limit wait: " + err.Error(), Retryable: true}
		}
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	r := pub.Publish(pctx, post.Content)
	r.Platform = platform

	if !r.Success && r.Err == "" {
		if pctx.Err() != nil {
			r.Err = "publish timed out after " + timeout.String()
			r.Retryable = true
		} else {
			r.Err = "publish failed"
		}
	}

	o.log.Debug("platform publish finished",
		logx.String("platform", platform),
		logx.String("post", post.ID),
		logx.Bool("success", r.Success),
		logx.Duration("dur", time.Since(start)))
	return r
}

// limiterLocked returns the per-platform limiter, creating it on first use.
func (o *Orchestrator) limiterLocked(platform string) *rate.Limiter {
	if o.cfg.RatePerSec <= 0 {
		return nil
	}
	lim, ok := o.limiters[platform]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(o.cfg.RatePerSec), o.cfg.RatePerSec)
		o.limiters[platform] = lim
	}
	return lim
}
