package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignd/internal/auth"
)

// ParseDurationField parses an optional non-negative duration; empty is 0.
// path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks what can be checked without opening anything. It returns
// every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	d := cfg.Dispatch
	if d.Workers < 0 || d.RecipientWorkers < 0 || d.QueueSize < 0 || d.SettleAttempts < 0 || d.Burst < 0 {
		add(errors.New("dispatch: sizes must be >= 0"))
	}
	if d.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec: must be >= 0"))
	}
	_, err = ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	add(err)

	for cat, cost := range cfg.Credits.UnitCosts {
		if strings.TrimSpace(cat) == "" {
			add(errors.New("credits.unit_costs: empty category"))
		}
		if cost < 0 {
			add(fmt.Errorf("credits.unit_costs.%s: must be >= 0", cat))
		}
	}
	seen := map[string]auth.Role{}
	for i, a := range cfg.Credits.Accounts {
		role, err := auth.ParseRole(a.Role)
		if err != nil {
			add(fmt.Errorf("credits.accounts[%d]: %w", i, err))
			continue
		}
		if strings.TrimSpace(a.ID) == "" {
			add(fmt.Errorf("credits.accounts[%d].id: required", i))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			add(fmt.Errorf("credits.accounts[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = role
		if role == auth.RoleSuperAdmin {
			if a.Parent != "" {
				add(fmt.Errorf("credits.accounts[%d]: %s has no parent", i, role))
			}
			continue
		}
		parentRole, ok := seen[a.Parent]
		switch {
		case a.Parent == "":
			add(fmt.Errorf("credits.accounts[%d].parent: required for %s", i, role))
		case !ok:
			add(fmt.Errorf("credits.accounts[%d].parent: %q must be listed before its children", i, a.Parent))
		case !parentRole.Above(role):
			add(fmt.Errorf("credits.accounts[%d]: %s cannot sit under %s", i, role, parentRole))
		}
	}
	if cfg.Credits.LockStripes < 0 {
		add(errors.New("credits.lock_stripes: must be >= 0"))
	}

	if cfg.Telegram.Enabled {
		if len(cfg.Telegram.Bots) == 0 {
			add(errors.New("telegram.bots: at least one bot required when enabled"))
		}
		for id, tok := range cfg.Telegram.Bots {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(tok) == "" {
				add(fmt.Errorf("telegram.bots: instance %q needs an id and a token", id))
			}
		}
	}
	_, err = ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
	add(err)

	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
		{"scheduler.sweep_timeout", cfg.Scheduler.SweepTimeout},
	} {
		_, err = ParseDurationField(f.path, f.raw)
		add(err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
