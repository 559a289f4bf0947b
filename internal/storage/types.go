package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines result log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Result is one terminal send outcome.
type Result struct {
	At        time.Time `json:"at"`
	RunID     string    `json:"run_id,omitempty"`
	AccountID string    `json:"account"`
	LeadID    string    `json:"lead"`
	Success   bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
}

// Totals are lifetime counts over the whole log.
type Totals struct {
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}
