package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
campaign:
  concurrency: 2
  per_account_cap: 12
  delay_min: 3s
  delay_max: 40s
  preflight: false
transport:
  driver: dryrun
accounts:
  file: accounts.yaml
leads:
  file: leads.txt
templates:
  items: ["hi there", "hello"]
operator:
  attention_policy: halt
schedule:
  cron: "0 9 * * *"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/rotasend.db
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("campaign.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c, err := cfg.ResolveCampaign()
	if err != nil {
		t.Fatal(err)
	}
	if c.Concurrency != 2 || c.PerAccountCap != 12 || c.Preflight {
		t.Fatalf("campaign = %+v", c)
	}
	// delay_min is floored at 10s.
	if c.DelayMin != 10*time.Second || c.DelayMax != 40*time.Second {
		t.Fatalf("delays = %v-%v", c.DelayMin, c.DelayMax)
	}
	if c.Timezone != DefaultTimezone || c.LowProfileCap != 5 || c.LowProfileDelayFactor != 150 || c.EscalationThreshold != 3 {
		t.Fatalf("defaults not applied: %+v", c)
	}

	op, _ := cfg.ResolveOperator()
	if op.Policy != PolicyHalt {
		t.Fatalf("policy = %q", op.Policy)
	}
	spec, tz, err := cfg.ResolveSchedule()
	if err != nil || spec != "0 9 * * *" || tz != DefaultTimezone {
		t.Fatalf("schedule = %q %q %v", spec, tz, err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		name string
		body string
	}{
		"unknown field":  {"c.json", `{"campaign":{"concurency":2}}`},
		"trailing data":  {"c.json", `{} {}`},
		"yaml bad field": {"c.yml", "transport:\n  drivr: x\n"},
		"yaml two docs":  {"c.yaml", "campaign: {}\n---\ncampaign: {}\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.name, []byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !errors.Is(Validate(cfg), ErrInvalid) {
		t.Fatal("empty config should fail validation")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Accounts:  AccountsConfig{File: "a.yaml"},
			Leads:     LeadsConfig{File: "l.txt"},
			Templates: TemplatesConfig{Items: []string{"x"}},
		}
	}
	cases := map[string]func(c *Config){
		"no accounts":    func(c *Config) { c.Accounts.File = "" },
		"no leads":       func(c *Config) { c.Leads.File = " " },
		"no templates":   func(c *Config) { c.Templates.Items = nil },
		"bad delay":      func(c *Config) { c.Campaign.DelayMin = "soon" },
		"negative delay": func(c *Config) { c.Campaign.DelayMax = "-3s" },
		"bad driver":     func(c *Config) { c.Transport.Driver = "carrier-pigeon" },
		"bad policy":     func(c *Config) { c.Operator.AttentionPolicy = "shrug" },
		"bad storage":    func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} },
		"storage path":   func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} },
		"bad cron":       func(c *Config) { c.Schedule.Cron = "daily" },
		"negative rate":  func(c *Config) { c.Campaign.RatePerSec = -1 },
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := base()
			mutate(c)
			if err := Validate(c); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestManagerWatchPublishesLoggingChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rotasend.json")
	write := func(level string) {
		body := `{"accounts":{"file":"a.yaml"},"leads":{"file":"l.txt"},"templates":{"items":["x"]},"logging":{"level":"` + level + `"}}`
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			changed, _ := SummarizeConfigChange(&Config{Logging: LoggingConfig{Level: "info"}}, cfg)
			if len(changed) == 0 || changed[0] != "logging" {
				t.Fatalf("changed = %v", changed)
			}
			return
		case <-tick.C:
			// The watcher may not be registered yet; keep rewriting.
			write("debug")
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty = %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2m", time.Second); err != nil || d != 2*time.Minute {
		t.Fatalf("2m = %v %v", d, err)
	}
	bad := []string{"nope", "-3", "-1s", "NaN", "Inf"}
	for _, raw := range bad {
		if _, err := ParseDurationField("x", raw); err == nil {
			t.Errorf("ParseDurationField(%q): expected error", raw)
		}
	}
}

func TestParseDurationFieldSeconds(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{
		"45":     45 * time.Second,
		" 2.5 ":  2500 * time.Millisecond,
		"0":      0,
		"1m30s":  90 * time.Second,
		"1500ms": 1500 * time.Millisecond,
	}
	for raw, want := range cases {
		got, err := ParseDurationField("delay", raw)
		if err != nil || got != want {
			t.Errorf("ParseDurationField(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
}
