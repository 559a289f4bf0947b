package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Run states reported in Progress.State.
const (
	StatePreflight = "preflight"
	StateRunning   = "running"
	StateDraining  = "draining"
	StateStopped   = "stopped"
)

// AccountTally is one account's line in a progress snapshot.
type AccountTally struct {
	ID         string `json:"id"`
	Sent       int    `json:"sent"`
	Errors     int    `json:"errors"`
	Remaining  int    `json:"remaining"`
	Busy       bool   `json:"busy"`
	Excluded   bool   `json:"excluded,omitempty"`
	LowProfile bool   `json:"low_profile,omitempty"`
}

// InFlight is an attempt that has been launched but not reported yet.
type InFlight struct {
	AccountID string    `json:"account_id"`
	LeadID    string    `json:"lead_id"`
	Started   time.Time `json:"started"`
}

// Progress is a point-in-time view of a run. It is purely observational.
type Progress struct {
	RunID          string         `json:"run_id"`
	State          string         `json:"state"`
	LeadsRemaining int            `json:"leads_remaining"`
	Accounts       []AccountTally `json:"accounts"`
	InFlight       []InFlight     `json:"in_flight"`
	DailySent      int            `json:"daily_sent"`
	DailyErrors    int            `json:"daily_errors"`
	RunOK          int            `json:"run_ok"`
	RunFailed      int            `json:"run_failed"`
	TotalOK        int            `json:"total_ok"`
	TotalFailed    int            `json:"total_failed"`
	Elapsed        time.Duration  `json:"elapsed"`
}

// Format renders p for a terminal.
func (p Progress) Format() string {
	var b strings.Builder
	line := strings.Repeat("-", 48)
	fmt.Fprintf(&b, "%s\nrun %s [%s] %s\n", line, p.RunID, p.State, p.Elapsed.Truncate(time.Second))
	fmt.Fprintf(&b, "leads pending: %d\n%s\n", p.LeadsRemaining, line)
	b.WriteString("per account (this run)\n")
	for _, a := range p.Accounts {
		flag := ""
		switch {
		case a.Excluded:
			flag = " excluded"
		case a.Busy:
			flag = " busy"
		}
		fmt.Fprintf(&b, " %s: %d ok / %d errors, %d left%s\n", a.ID, a.Sent, a.Errors, a.Remaining, flag)
	}
	fmt.Fprintf(&b, "%s\nin flight\n", line)
	if len(p.InFlight) == 0 {
		b.WriteString(" (none)\n")
	}
	for _, f := range p.InFlight {
		fmt.Fprintf(&b, " %s -> %s (%s)\n", f.AccountID, f.LeadID, time.Since(f.Started).Truncate(time.Second))
	}
	fmt.Fprintf(&b, "%s\nsent today: %d\nerrors today: %d\n", line, p.DailySent, p.DailyErrors)
	fmt.Fprintf(&b, "total ok: %d / total failed: %d\n%s\n", p.TotalOK, p.TotalFailed, line)
	return b.String()
}

func sortedInFlight(m map[string]InFlight) []InFlight {
	out := make([]InFlight, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
