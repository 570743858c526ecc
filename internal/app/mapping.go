package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campaignd/internal/auth"
	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/observability/ops"
	"campaignd/internal/storage"
	"campaignd/internal/task/scheduler"
	"campaignd/internal/transport/telegram"
	logx "campaignd/pkg/logx"
)

const (
	defaultSweep        = "@every 30s"
	defaultSweepTimeout = 2 * time.Minute
	sweepName           = "campaign.sweep"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapDispatchConfig(cfg *config.Config) campaign.Config {
	d := cfg.Dispatch
	return campaign.Config{
		Workers:          d.Workers,
		RecipientWorkers: d.RecipientWorkers,
		QueueSize:        d.QueueSize,
		SettleAttempts:   d.SettleAttempts,
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	timeout, err := config.ParseDurationOrDefault("telegram.http_timeout", t.HTTPTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Bots:        t.Bots,
		APIURL:      strings.TrimSpace(t.APIURL),
		HTTPTimeout: timeout,
		Offline:     t.Offline,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, string, error) {
	s := cfg.Scheduler
	timeout, err := config.ParseDurationOrDefault("scheduler.sweep_timeout", s.SweepTimeout, defaultSweepTimeout)
	if err != nil {
		return scheduler.Config{}, "", err
	}
	sweep := strings.TrimSpace(s.Sweep)
	if sweep == "" {
		sweep = defaultSweep
	}
	return scheduler.Config{
		Enabled:        s.Enabled,
		Timezone:       s.Timezone,
		DefaultTimeout: timeout,
	}, sweep, nil
}

// seed upserts the configured account tree and unit costs. Accounts are
// listed parents first.
func seed(ctx context.Context, st storage.Store, cfg *config.Config, log logx.Logger) error {
	for _, a := range cfg.Credits.Accounts {
		role, err := auth.ParseRole(a.Role)
		if err != nil {
			return fmt.Errorf("seed account %q: %w", a.ID, err)
		}
		if err := st.PutAccount(ctx, storage.Account{ID: a.ID, Role: role, ParentID: a.Parent}); err != nil {
			return fmt.Errorf("seed account %q: %w", a.ID, err)
		}
	}
	for cat, cost := range cfg.Credits.UnitCosts {
		if err := st.PutUnitCost(ctx, cat, cost); err != nil {
			return fmt.Errorf("seed unit cost %q: %w", cat, err)
		}
	}
	log.Debug("credits seeded",
		logx.Int("accounts", len(cfg.Credits.Accounts)),
		logx.Int("categories", len(cfg.Credits.UnitCosts)))
	return nil
}
