package config

import (
	"reflect"
	"strings"

	logx "rotasend/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging them. Only logging is applied live; the
// other sections are reported so the operator knows a restart (or the next
// scheduled run) is needed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Campaign, newCfg.Campaign) {
		changed = append(changed, "campaign")
		attrs = append(attrs,
			logx.Int("campaign.concurrency", newCfg.Campaign.Concurrency),
			logx.Int("campaign.per_account_cap", newCfg.Campaign.PerAccountCap),
		)
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs, logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)))
	}
	if oldCfg.Accounts != newCfg.Accounts {
		changed = append(changed, "accounts")
	}
	if !reflect.DeepEqual(oldCfg.Leads, newCfg.Leads) {
		changed = append(changed, "leads")
	}
	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.Int("templates.items", len(newCfg.Templates.Items)))
	}
	if oldCfg.Operator != newCfg.Operator {
		changed = append(changed, "operator")
		attrs = append(attrs, logx.String("operator.attention_policy", newCfg.Operator.AttentionPolicy))
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.cron", newCfg.Schedule.Cron))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	return changed, attrs
}

// LogConfig converts the logging section to the logx shape.
func (c *Config) LogConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}
