// Package app wires the daemon together and exposes the Core surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"campaignd/internal/campaign"
	"campaignd/internal/channel"
	"campaignd/internal/config"
	"campaignd/internal/eventbus"
	"campaignd/internal/instance"
	"campaignd/internal/ledger"
	"campaignd/internal/media"
	"campaignd/internal/observability/metrics"
	"campaignd/internal/observability/ops"
	rtsup "campaignd/internal/runtime/supervisor"
	"campaignd/internal/storage"
	"campaignd/internal/task/scheduler"
	"campaignd/internal/transport/telegram"
	logx "campaignd/pkg/logx"
)

// Options overrides wiring, mostly for tests and one-shot CLI commands.
type Options struct {
	// Provider replaces the configured messaging provider.
	Provider channel.Provider
	// Now is the clock of the ledger and the dispatcher.
	Now func() time.Time
	// Log replaces the configured logging service.
	Log logx.Logger
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store     storage.Store
	ledger    *ledger.Ledger
	campaigns *campaign.Service
	pools     *livePool
	sched     *scheduler.Service
	ops       *ops.Service
	core      *Core

	sup   *rtsup.Supervisor
	sweep string
}

// New loads the config, opens storage, seeds the account tree and builds
// every component. Nothing runs until Start.
func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Logger{})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    = opts.Log
	)
	if log.IsZero() {
		logSvc, log = logx.New(mapLogging(cfg))
	}
	cfgm.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	closeOnErr := func(err error) (*App, error) {
		_ = store.Close()
		if logSvc != nil {
			_ = logSvc.Close()
		}
		return nil, err
	}
	if err := seed(context.Background(), store, cfg, appLog); err != nil {
		return closeOnErr(err)
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	bus := eventbus.New()

	led := ledger.New(store, ledger.Options{
		Log:     log,
		Bus:     bus,
		Metrics: m,
		Stripes: cfg.Credits.LockStripes,
		Now:     opts.Now,
	})

	provider := opts.Provider
	defaultPool := cfg.Instances.Default
	if provider == nil {
		if cfg.Telegram.Enabled {
			tc, err := mapTelegramConfig(cfg)
			if err != nil {
				return closeOnErr(err)
			}
			tp, err := telegram.New(tc, log)
			if err != nil {
				return closeOnErr(err)
			}
			if len(defaultPool) == 0 {
				defaultPool = tp.Instances()
			}
			provider = tp
		} else {
			appLog.Warn("no messaging provider enabled; sends are logged only")
			provider = logProvider{log: log.With(logx.String("comp", "provider"))}
		}
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return closeOnErr(err)
	}
	sender := channel.NewSender(provider, channel.SenderOptions{
		Timeout:    sendTimeout,
		RatePerSec: cfg.Dispatch.RatePerSec,
		Burst:      cfg.Dispatch.Burst,
		Metrics:    m,
		Log:        log,
	})

	pools := newLivePool(instance.StaticPool{Default: defaultPool, ByOwner: cfg.Instances.ByOwner})
	campaigns := campaign.New(mapDispatchConfig(cfg), campaign.Deps{
		Store:   store,
		Ledger:  led,
		Sender:  sender,
		Pools:   pools,
		Media:   media.Static{BaseURL: cfg.Media.BaseURL},
		Bus:     bus,
		Metrics: m,
		Log:     log,
		Now:     opts.Now,
	})

	schedCfg, sweep, err := mapSchedulerConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		reg:       reg,
		store:     store,
		ledger:    led,
		campaigns: campaigns,
		pools:     pools,
		sched:     scheduler.New(schedCfg, log),
		core:      &Core{ledger: led, campaigns: campaigns},
		sweep:     sweep,
	}
	if err := a.sched.AddSchedule(sweepName, sweep, schedCfg.DefaultTimeout, a.runSweep); err != nil {
		return closeOnErr(fmt.Errorf("scheduler.sweep: %w", err))
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	a.ops = ops.New(opsCfg, ops.Sources{
		Gatherer: reg,
		Ready:    a.ready,
		Status:   a.status,
	}, log)
	return a, nil
}

func (a *App) Core() *Core { return a.core }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

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

func (a *App) runSweep(ctx context.Context) error {
	n, err := a.campaigns.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Debug("sweep queued campaigns", logx.Int("count", n))
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	_, err := a.store.ListCampaigns(ctx, storage.CampaignQuery{Limit: 1})
	return err
}

func (a *App) status() any {
	out := map[string]any{"scheduler": a.sched.Snapshot()}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

// Start runs the dispatcher, re-queues interrupted campaigns and starts the
// scheduler, the ops server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		_, sweep, err := mapSchedulerConfig(cfg)
		if err != nil {
			return err
		}
		if _, err := scheduler.ParseSchedule(sweep); err != nil {
			return fmt.Errorf("scheduler.sweep: %w", err)
		}
		return nil
	})

	runCtx := a.sup.Context()
	a.campaigns.Start(runCtx)
	if _, err := a.campaigns.Recover(runCtx); err != nil {
		a.log.Warn("campaign recovery failed", logx.Err(err))
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if a.ops.Enabled() {
		a.ops.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// apply pushes a reloaded config into the running components. Storage and
// provider changes need a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "media":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		case "logging":
			if a.logs != nil {
				a.logs.Apply(mapLogging(next))
			}
		case "credits":
			if err := seed(ctx, a.store, next, a.log); err != nil {
				a.log.Warn("credits reseed failed", logx.Err(err))
			}
		case "dispatch":
			// Sender pacing and timeout are fixed at startup.
			a.campaigns.Apply(mapDispatchConfig(next))
		case "instances":
			cur := a.pools.cur.Load()
			def := next.Instances.Default
			if len(def) == 0 {
				def = cur.Default
			}
			a.pools.Set(instance.StaticPool{Default: def, ByOwner: next.Instances.ByOwner})
		case "scheduler":
			a.applyScheduler(ctx, next)
		case "ops":
			oc, err := mapOpsConfig(next)
			if err != nil {
				a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
				continue
			}
			a.ops.Reconfigure(ctx, oc)
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(ctx context.Context, next *config.Config) {
	sc, sweep, err := mapSchedulerConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(sc)
	if sweep != a.sweep {
		if err := a.sched.AddSchedule(sweepName, sweep, sc.DefaultTimeout, a.runSweep); err != nil {
			a.log.Warn("invalid sweep schedule; keeping previous", logx.Err(err))
		} else {
			a.sweep = sweep
		}
	}
	switch {
	case wasEnabled && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("stop step panic", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	// Campaign workers finish in-flight sends and persist progress.
	step("campaigns", 10*time.Second, a.campaigns.Stop)
	step("ops", time.Second, a.ops.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) {
		if err := a.sup.Wait(c); err != nil {
			a.log.Warn("supervisor wait", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	return a.Close()
}

// Close releases storage and log sinks without stopping anything; one-shot
// commands use it directly.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
