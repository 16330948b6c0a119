package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/internal/publish"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

type Service struct {
	store store.Store
	orch  *publish.Orchestrator
	log   logx.Logger

	parser cron.Parser

	mu        sync.Mutex
	cfg       Config
	stopCh    chan struct{}
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup

	lastMu sync.RWMutex
	last   TickSummary
	ticked bool
}

func New(st store.Store, orch *publish.Orchestrator, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  st,
		orch:   orch,
		log:    log,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// LastSummary returns the most recent tick summary, if any tick ran yet.
func (s *Service) LastSummary() (TickSummary, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last, s.ticked
}

func (s *Service) storeSummary(sum TickSummary) {
	s.lastMu.Lock()
	s.last = sum
	s.ticked = true
	s.lastMu.Unlock()
}

// Start launches the tick loop. Idempotent: a second Start while running is
// a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return
	}

	trig, err := parseTrigger(s.cfg.Schedule, s.parser)
	if err != nil {
		s.log.Error("bad scheduler cadence; scheduler not started", logx.Err(err))
		return
	}
	loc := s.loadLocationLocked()

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.runCancel = cancel

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop(runCtx, stopCh, trig, loc)
	}()

	s.log.Info("scheduler started",
		logx.String("cadence", trig.raw),
		logx.String("tz", loc.String()),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("batch", s.cfg.BatchSize))
}

// Stop signals the loop and waits for in-flight tick work, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; loop exits in background")
	}
}

// Apply swaps config at runtime. A cadence change restarts the loop; other
// knobs (workers, batch size, retry delay) take effect on the next tick.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	cadenceChanged := strings.TrimSpace(old.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)

	switch {
	case running && (!cfg.Enabled || cadenceChanged):
		s.Stop(ctx)
		if cfg.Enabled {
			s.Start(ctx)
		}
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, trig trigger, loc *time.Location) {
	// First tick fires immediately: posts that came due while the process
	// was down should not wait a full interval.
	s.safeTick(ctx)

	for {
		wait := trig.next(time.Now().In(loc))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.safeTick(ctx)
		}
	}
}

// safeTick keeps a panicking tick from killing the loop.
func (s *Service) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduler tick",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	s.RunTick(ctx, time.Now(), 0)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid scheduler timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
