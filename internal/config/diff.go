package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campaignd/pkg/logx"
)

// Summarize lists the changed top-level sections and safe log fields for
// them. Secrets (ops token, bot tokens) are reported only as set/unset.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.recipient_workers", d.RecipientWorkers),
			logx.Any("dispatch.rate_per_sec", d.RatePerSec),
			logx.String("dispatch.send_timeout", d.SendTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Credits, newCfg.Credits) {
		changed = append(changed, "credits")
		attrs = append(attrs,
			logx.Int("credits.categories", len(newCfg.Credits.UnitCosts)),
			logx.Int("credits.accounts", len(newCfg.Credits.Accounts)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Instances, newCfg.Instances) {
		changed = append(changed, "instances")
		attrs = append(attrs,
			logx.Int("instances.default", len(newCfg.Instances.Default)),
			logx.Int("instances.owners", len(newCfg.Instances.ByOwner)),
		)
	}
	if oldCfg.Media != newCfg.Media {
		changed = append(changed, "media")
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.bots", len(newCfg.Telegram.Bots)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.sweep", strings.TrimSpace(newCfg.Scheduler.Sweep)),
		)
	}
	sort.Strings(changed)
	return changed, attrs
}
