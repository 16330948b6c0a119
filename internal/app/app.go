// Package app wires configuration, logging, storage, publishers, and the
// scheduling engine into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/model"
	"crosspost/internal/platform"
	"crosspost/internal/publish"
	sup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *sup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	posts store.Store

	// registry holds the current publish.Registry; rebuilt on platform
	// config changes and read through a RegistryFunc so the orchestrator
	// always resolves against the latest set.
	registry atomic.Value

	orch  *publish.Orchestrator
	sched *scheduler.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logx())
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
	}

	// Storage
	sc, err := cfg.Store()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	a.posts = st
	log.Info("storage opened", logx.String("driver", orDefault(sc.Driver, "memory")))

	// Platform publishers
	reg, err := platform.Build(cfg.PlatformList(), log.With(logx.String("comp", "platform")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.registry.Store(reg)

	pc, err := cfg.Pub()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.orch = publish.NewOrchestrator(
		publish.RegistryFunc(a.lookupPublisher),
		pc,
		log.With(logx.String("comp", "publish")),
	)

	schc, err := cfg.Sched()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.sched = scheduler.New(st, a.orch, schc, log.With(logx.String("comp", "scheduler")))

	return a, nil
}

func (a *App) lookupPublisher(name string) (publish.Publisher, bool) {
	reg, _ := a.registry.Load().(publish.Registry)
	if reg == nil {
		return nil, false
	}
	return reg.Publisher(name)
}

// Posts exposes the post store for driving processes (admin tooling, APIs).
func (a *App) Posts() store.Store { return a.posts }

// CancelPost cancels a still-scheduled post. store.ErrConflict if the
// engine already claimed or finished it.
func (a *App) CancelPost(ctx context.Context, id string) error {
	return a.posts.Cancel(ctx, id)
}

// CreatePost validates and persists a new scheduled post.
func (a *App) CreatePost(ctx context.Context, p *model.ScheduledPost) (string, error) {
	return a.posts.Create(ctx, p)
}

// LastTickSummary returns the most recent scheduler tick summary.
func (a *App) LastTickSummary() (scheduler.TickSummary, bool) {
	return a.sched.LastSummary()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = sup.New(ctx, sup.WithLogger(a.log), sup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.sched.Start(a.sup.Context())

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")

		case "logging":
			a.logs.Apply(newCfg.Logx())

		case "platforms":
			reg, err := platform.Build(newCfg.PlatformList(), a.log.With(logx.String("comp", "platform")))
			if err != nil {
				a.log.Warn("invalid platform config; keeping previous", logx.Err(err))
				continue
			}
			a.registry.Store(reg)

		case "publish":
			pc, err := newCfg.Pub()
			if err != nil {
				a.log.Warn("invalid publish config; keeping previous", logx.Err(err))
				continue
			}
			a.orch.Apply(pc)

		case "scheduler":
			sc, err := newCfg.Sched()
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(ctx, sc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("store", 1*time.Second, func(_ context.Context) error { return a.posts.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
