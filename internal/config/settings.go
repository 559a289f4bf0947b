package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultConcurrency           = 1
	DefaultPerAccountCap         = 20
	DefaultDelayMin              = 10 * time.Second
	DefaultDelayMax              = 30 * time.Second
	MinDelay                     = 10 * time.Second
	DefaultLowProfileCap         = 5
	DefaultLowProfileDelayFactor = 150
	DefaultEscalationThreshold   = 3
	DefaultTimezone              = "America/Argentina/Cordoba"
	DefaultMetricsAddr           = "127.0.0.1:9108"
)

// Attention policies.
const (
	PolicyPrompt  = "prompt"
	PolicyExclude = "exclude"
	PolicyHalt    = "halt"
)

// Campaign is CampaignConfig with defaults applied and durations parsed.
type Campaign struct {
	Concurrency           int
	PerAccountCap         int
	DelayMin              time.Duration
	DelayMax              time.Duration
	LowProfileCap         int
	LowProfileDelayFactor int
	EscalationThreshold   int
	Preflight             bool
	Timezone              string
	RatePerSec            float64
}

// Transport is TransportConfig with defaults applied and durations parsed.
type Transport struct {
	Driver      string
	Retries     int
	BackoffStep time.Duration
	BackoffCap  time.Duration
	HealthTrip  int
	HealthReset time.Duration

	APIURL         string
	Timeout        time.Duration
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Operator is OperatorConfig with defaults applied.
type Operator struct {
	Policy        string
	PromptTimeout time.Duration
}

func (c *Config) ResolveCampaign() (Campaign, error) {
	cc := c.Campaign
	out := Campaign{
		Concurrency:           orInt(cc.Concurrency, DefaultConcurrency),
		PerAccountCap:         orInt(cc.PerAccountCap, DefaultPerAccountCap),
		LowProfileCap:         orInt(cc.LowProfileCap, DefaultLowProfileCap),
		LowProfileDelayFactor: orInt(cc.LowProfileDelayFactor, DefaultLowProfileDelayFactor),
		EscalationThreshold:   orInt(cc.EscalationThreshold, DefaultEscalationThreshold),
		Preflight:             cc.Preflight == nil || *cc.Preflight,
		Timezone:              strings.TrimSpace(cc.Timezone),
		RatePerSec:            cc.RatePerSec,
	}
	if out.Timezone == "" {
		out.Timezone = DefaultTimezone
	}
	out.LowProfileDelayFactor = max(100, out.LowProfileDelayFactor)

	var err error
	if out.DelayMin, err = ParseDurationOrDefault("campaign.delay_min", cc.DelayMin, DefaultDelayMin); err != nil {
		return Campaign{}, invalid(err)
	}
	if out.DelayMax, err = ParseDurationOrDefault("campaign.delay_max", cc.DelayMax, DefaultDelayMax); err != nil {
		return Campaign{}, invalid(err)
	}
	out.DelayMin = max(MinDelay, out.DelayMin)
	out.DelayMax = max(out.DelayMin, out.DelayMax)

	switch {
	case cc.Concurrency < 0:
		return Campaign{}, invalidf("campaign.concurrency must be >= 0")
	case cc.PerAccountCap < 0:
		return Campaign{}, invalidf("campaign.per_account_cap must be >= 0")
	case cc.RatePerSec < 0:
		return Campaign{}, invalidf("campaign.rate_per_sec must be >= 0")
	}
	return out, nil
}

func (c *Config) ResolveTransport() (Transport, error) {
	tc := c.Transport
	out := Transport{
		Driver:         strings.ToLower(strings.TrimSpace(tc.Driver)),
		Retries:        orInt(tc.Retries, 3),
		HealthTrip:     orInt(tc.HealthTrip, 3),
		APIURL:         strings.TrimSpace(tc.Telegram.APIURL),
		ParseMode:      strings.TrimSpace(tc.Telegram.ParseMode),
		DisablePreview: tc.Telegram.DisablePreview,
		Silent:         tc.Telegram.Silent,
	}
	if out.Driver == "" {
		out.Driver = "telegram"
	}
	if out.Driver != "telegram" && out.Driver != "dryrun" {
		return Transport{}, invalidf("transport.driver: unknown driver %q", tc.Driver)
	}
	var err error
	if out.BackoffStep, err = ParseDurationOrDefault("transport.backoff_step", tc.BackoffStep, 5*time.Second); err != nil {
		return Transport{}, invalid(err)
	}
	if out.BackoffCap, err = ParseDurationOrDefault("transport.backoff_cap", tc.BackoffCap, 30*time.Second); err != nil {
		return Transport{}, invalid(err)
	}
	if out.HealthReset, err = ParseDurationOrDefault("transport.health_reset", tc.HealthReset, 10*time.Minute); err != nil {
		return Transport{}, invalid(err)
	}
	if out.Timeout, err = ParseDurationOrDefault("transport.telegram.timeout", tc.Telegram.Timeout, 15*time.Second); err != nil {
		return Transport{}, invalid(err)
	}
	return out, nil
}

func (c *Config) ResolveOperator() (Operator, error) {
	p := strings.ToLower(strings.TrimSpace(c.Operator.AttentionPolicy))
	if p == "" {
		p = PolicyPrompt
	}
	switch p {
	case PolicyPrompt, PolicyExclude, PolicyHalt:
	default:
		return Operator{}, invalidf("operator.attention_policy: unknown policy %q", c.Operator.AttentionPolicy)
	}
	d, err := ParseDurationField("operator.prompt_timeout", c.Operator.PromptTimeout)
	if err != nil {
		return Operator{}, invalid(err)
	}
	return Operator{Policy: p, PromptTimeout: d}, nil
}

// Validate checks everything that can be checked without touching the
// filesystem or the network.
func Validate(c *Config) error {
	if c == nil {
		return invalidf("config is nil")
	}
	if _, err := c.ResolveCampaign(); err != nil {
		return err
	}
	if _, err := c.ResolveTransport(); err != nil {
		return err
	}
	if _, err := c.ResolveOperator(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Accounts.File) == "" {
		return invalidf("accounts.file is required")
	}
	if strings.TrimSpace(c.Leads.File) == "" {
		return invalidf("leads.file is required")
	}
	if len(c.Templates.Items) == 0 && strings.TrimSpace(c.Templates.File) == "" {
		return invalidf("templates: items or file is required")
	}
	if s := c.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		switch d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return invalidf("storage.path is required when storage.driver=%s", d)
			}
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				return invalid(err)
			}
		default:
			return invalidf("storage.driver: unknown driver %q", s.Driver)
		}
	}
	if _, _, err := c.ResolveSchedule(); err != nil {
		return err
	}
	return nil
}

// MetricsAddr returns the listen address, defaulted.
func (c *Config) MetricsAddr() string {
	if a := strings.TrimSpace(c.Metrics.Addr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

// ResolveSchedule returns the cron expression and its timezone name. An
// empty expression means a single run.
func (c *Config) ResolveSchedule() (spec, tz string, err error) {
	spec = strings.TrimSpace(c.Schedule.Cron)
	tz = strings.TrimSpace(c.Schedule.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(c.Campaign.Timezone)
	}
	if tz == "" {
		tz = DefaultTimezone
	}
	if spec != "" && len(strings.Fields(spec)) < 5 && !strings.HasPrefix(spec, "@") {
		return "", "", invalidf("schedule.cron: expected 5 or 6 fields or a descriptor, got %q", spec)
	}
	return spec, tz, nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func invalid(err error) error { return fmt.Errorf("%w: %w", ErrInvalid, err) }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
