// Package accounts loads the account directory: the sending identities a
// campaign rotates through, with their caps, pacing and credentials.
package accounts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"rotasend/internal/config"
	"rotasend/internal/dispatch"
)

// Record is one entry of the directory file. YAML or JSON (a JSON document
// is valid YAML).
//
//	- id: sales-1
//	  token_env: SALES1_TOKEN
//	  cap_per_run: 15
//	  delay_min: 20s
//	  delay_max: 45s
//	  low_profile: true
//	  low_profile_reason: new account, warming up
type Record struct {
	ID               string `yaml:"id"`
	Token            string `yaml:"token,omitempty"`
	TokenEnv         string `yaml:"token_env,omitempty"`
	CapPerRun        int    `yaml:"cap_per_run,omitempty"`
	DelayMin         string `yaml:"delay_min,omitempty"`
	DelayMax         string `yaml:"delay_max,omitempty"`
	LowProfile       bool   `yaml:"low_profile,omitempty"`
	LowProfileReason string `yaml:"low_profile_reason,omitempty"`
	Disabled         bool   `yaml:"disabled,omitempty"`
}

// Directory is the parsed, validated account list.
type Directory struct {
	Records []Record
}

var ErrEmpty = errors.New("accounts: no enabled accounts")

// Load reads path. The file is either a list of records or a mapping with
// an "accounts" list.
func Load(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Directory, error) {
	var list []Record
	if err := decodeStrict(b, &list); err != nil {
		var wrapped struct {
			Accounts []Record `yaml:"accounts"`
		}
		if err2 := decodeStrict(b, &wrapped); err2 != nil {
			return nil, fmt.Errorf("accounts: %w", err)
		}
		list = wrapped.Accounts
	}

	d := &Directory{}
	seen := map[string]bool{}
	for i, r := range list {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		key := strings.ToLower(r.ID)
		if seen[key] {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %q", i, r.ID)
		}
		seen[key] = true
		if r.CapPerRun < 0 {
			return nil, fmt.Errorf("accounts[%d] %s: cap_per_run must be >= 0", i, r.ID)
		}
		if _, _, err := r.delays(); err != nil {
			return nil, fmt.Errorf("accounts[%d] %s: %w", i, r.ID, err)
		}
		d.Records = append(d.Records, r)
	}
	if len(d.Enabled()) == 0 {
		return nil, ErrEmpty
	}
	return d, nil
}

// decodeStrict rejects unknown keys. An empty document decodes to nothing.
func decodeStrict(b []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (r Record) delays() (time.Duration, time.Duration, error) {
	lo, err := config.ParseDurationField("delay_min", r.DelayMin)
	if err != nil {
		return 0, 0, err
	}
	hi, err := config.ParseDurationField("delay_max", r.DelayMax)
	if err != nil {
		return 0, 0, err
	}
	if lo > 0 && hi == 0 {
		hi = lo
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("delay_max %s < delay_min %s", hi, lo)
	}
	return lo, hi, nil
}

// Enabled returns records not marked disabled, in file order.
func (d *Directory) Enabled() []Record {
	out := make([]Record, 0, len(d.Records))
	for _, r := range d.Records {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}

// Accounts converts enabled records for the dispatcher. Records without a
// delay window inherit the campaign's.
func (d *Directory) Accounts() []dispatch.Account {
	recs := d.Enabled()
	out := make([]dispatch.Account, 0, len(recs))
	for _, r := range recs {
		lo, hi, _ := r.delays()
		out = append(out, dispatch.Account{
			ID:               r.ID,
			CapPerRun:        r.CapPerRun,
			DelayMin:         lo,
			DelayMax:         hi,
			LowProfile:       r.LowProfile,
			LowProfileReason: strings.TrimSpace(r.LowProfileReason),
		})
	}
	return out
}

// Tokens resolves each enabled account's credential, reading token_env
// through getenv when token is empty. Accounts with no credential are
// omitted; the transport reports them as needing a login.
func (d *Directory) Tokens(getenv func(string) string) map[string]string {
	if getenv == nil {
		getenv = os.Getenv
	}
	out := map[string]string{}
	for _, r := range d.Enabled() {
		tok := strings.TrimSpace(r.Token)
		if tok == "" && r.TokenEnv != "" {
			tok = strings.TrimSpace(getenv(r.TokenEnv))
		}
		if tok != "" {
			out[r.ID] = tok
		}
	}
	return out
}

// IDs returns enabled account ids in file order.
func (d *Directory) IDs() []string {
	recs := d.Enabled()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
