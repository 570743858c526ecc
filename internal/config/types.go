package config

// Config is the daemon configuration file. Durations are Go duration
// strings ("500ms", "30s", "2m"); see ParseDurationField.
type Config struct {
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Credits   CreditsConfig   `json:"credits"`
	Instances InstancesConfig `json:"instances"`
	Media     MediaConfig     `json:"media"`
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Ops       OpsConfig       `json:"ops"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./campaignd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig sizes the campaign dispatcher and the provider limits.
//
// Defaults: workers 2, recipient_workers 4, queue_size 256,
// settle_attempts 3, send_timeout "30s", rate_per_sec 0 (unlimited).
type DispatchConfig struct {
	Workers          int     `json:"workers,omitempty"`
	RecipientWorkers int     `json:"recipient_workers,omitempty"`
	QueueSize        int     `json:"queue_size,omitempty"`
	SettleAttempts   int     `json:"settle_attempts,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	Burst            int     `json:"burst,omitempty"`
	SendTimeout      string  `json:"send_timeout,omitempty"`
}

// CreditsConfig seeds unit costs and the account tree on startup.
type CreditsConfig struct {
	// UnitCosts maps category to the credits one recipient consumes.
	UnitCosts map[string]int64 `json:"unit_costs"`
	Accounts  []AccountConfig  `json:"accounts,omitempty"`
	// LockStripes sizes the ledger's per-account lock table.
	LockStripes int `json:"lock_stripes,omitempty"`
}

type AccountConfig struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Parent string `json:"parent,omitempty"`
}

// InstancesConfig lists the send instances each owner may use. Owners
// without an entry fall back to Default.
type InstancesConfig struct {
	Default []string            `json:"default,omitempty"`
	ByOwner map[string][]string `json:"by_owner,omitempty"`
}

type MediaConfig struct {
	// BaseURL resolves media stored by key ("media:<key>").
	BaseURL string `json:"base_url,omitempty"`
}

// TelegramConfig enables the Telegram provider. Bots maps instance id to
// bot token; tokens are never logged.
type TelegramConfig struct {
	Enabled     bool              `json:"enabled"`
	Bots        map[string]string `json:"bots,omitempty"`
	APIURL      string            `json:"api_url,omitempty"`
	HTTPTimeout string            `json:"http_timeout,omitempty"`
	Offline     bool              `json:"offline,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the ops HTTP server (/healthz, /readyz, /metrics,
// /status, pprof).
//
// Prefer a loopback Addr. A non-loopback Addr needs Token or AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SchedulerConfig controls the periodic sweep that starts due campaigns and
// retries pending settlements.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Sweep is a cron spec, "@every 30s", or an interval ("30s", "00:05").
	Sweep        string `json:"sweep,omitempty"`
	SweepTimeout string `json:"sweep_timeout,omitempty"`
}
