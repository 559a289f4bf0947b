package config

// Config is the campaign file. JSON or YAML; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Campaign  CampaignConfig  `json:"campaign"`
	Transport TransportConfig `json:"transport"`
	Accounts  AccountsConfig  `json:"accounts"`
	Leads     LeadsConfig     `json:"leads"`
	Templates TemplatesConfig `json:"templates"`
	Operator  OperatorConfig  `json:"operator"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// CampaignConfig holds the per-run dispatch parameters.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 1
//   - per_account_cap: 20
//   - delay_min: "10s" (floor 10s), delay_max: "30s" (>= delay_min)
//   - low_profile_cap: 5
//   - low_profile_delay_factor: 150 (percent, floor 100)
//   - escalation_threshold: 3
//   - preflight: true
//   - timezone: "America/Argentina/Cordoba"
//   - rate_per_sec: 0 (disabled)
type CampaignConfig struct {
	Concurrency           int     `json:"concurrency,omitempty"`
	PerAccountCap         int     `json:"per_account_cap,omitempty"`
	DelayMin              string  `json:"delay_min,omitempty"`
	DelayMax              string  `json:"delay_max,omitempty"`
	LowProfileCap         int     `json:"low_profile_cap,omitempty"`
	LowProfileDelayFactor int     `json:"low_profile_delay_factor,omitempty"`
	EscalationThreshold   int     `json:"escalation_threshold,omitempty"`
	Preflight             *bool   `json:"preflight,omitempty"`
	Timezone              string  `json:"timezone,omitempty"`
	RatePerSec            float64 `json:"rate_per_sec,omitempty"`
}

// TransportConfig selects and tunes the messaging client.
//
// Driver values:
//   - "telegram": Telegram Bot API, one bot token per account
//   - "dryrun": log and record sends without delivering them
type TransportConfig struct {
	Driver      string `json:"driver"`
	Retries     int    `json:"retries,omitempty"`      // default 3
	BackoffStep string `json:"backoff_step,omitempty"` // default "5s"
	BackoffCap  string `json:"backoff_cap,omitempty"`  // default "30s"
	// Health degrades an account after this many consecutive transport
	// failures (default 3) and forgets them after health_reset (default "10m").
	HealthTrip  int    `json:"health_trip,omitempty"`
	HealthReset string `json:"health_reset,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	// APIURL overrides the Bot API endpoint (self-hosted servers).
	APIURL         string `json:"api_url,omitempty"`
	Timeout        string `json:"timeout,omitempty"` // default "15s"
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	Silent         bool   `json:"silent,omitempty"`
}

// AccountsConfig points at the account directory (YAML or JSON list).
type AccountsConfig struct {
	File string `json:"file"`
}

// LeadsConfig points at the recipient list (one id per line, '#' comments).
type LeadsConfig struct {
	File string `json:"file"`
	// SkipContacted drops leads with a successful send in storage
	// (default true when storage is enabled).
	SkipContacted *bool `json:"skip_contacted,omitempty"`
}

// TemplatesConfig lists message bodies. A random one is used per lead.
// File holds templates separated by lines containing only "---".
type TemplatesConfig struct {
	Items []string `json:"items,omitempty"`
	File  string   `json:"file,omitempty"`
}

// OperatorConfig controls what happens when an account needs attention.
//
// AttentionPolicy values: "prompt" (default), "exclude", "halt".
// PromptTimeout falls back to "exclude" when nobody answers in time
// ("0s" waits forever).
type OperatorConfig struct {
	AttentionPolicy string `json:"attention_policy,omitempty"`
	PromptTimeout   string `json:"prompt_timeout,omitempty"`
}

// ScheduleConfig enables repeated runs. An empty cron means a single run.
//
// Example:
//
//	"schedule": { "cron": "0 9 * * *" }
type ScheduleConfig struct {
	Cron string `json:"cron,omitempty"`
	// Timezone for the cron expression; defaults to campaign.timezone.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts echoes WARN+ lines to the operator console, rate limited.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the result log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/rotasend.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9108"
}
