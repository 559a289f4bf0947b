package dispatch

import (
	"context"
	"errors"
	"time"

	"rotasend/internal/faults"
)

var (
	ErrNoAccounts  = errors.New("dispatch: no accounts")
	ErrNoLeads     = errors.New("dispatch: no leads")
	ErrNoTemplates = errors.New("dispatch: no message templates")
)

// Reason codes the worker emits itself (the rest come from faults).
const (
	ReasonSendFailed       = "send_failed"
	ReasonProxyUnavailable = "proxy_unavailable"
)

// Bus event types.
const (
	EventCampaignStarted = "campaign.started"
	EventCampaignStopped = "campaign.stopped"
	EventSendStarted     = "send.started"
	EventSendRetry       = "send.retry"
	EventSendCompleted   = "send.completed"
	EventEscalation      = "campaign.escalation"
	EventAccountExcluded = "account.excluded"
)

// Account is one sending identity as supplied by the account directory.
type Account struct {
	ID               string        `json:"id"`
	CapPerRun        int           `json:"cap_per_run"`
	DelayMin         time.Duration `json:"delay_min"`
	DelayMax         time.Duration `json:"delay_max"`
	LowProfile       bool          `json:"low_profile"`
	LowProfileReason string        `json:"low_profile_reason,omitempty"`
}

// Event is the terminal outcome of one lead's attempt sequence.
type Event struct {
	AccountID   string       `json:"account_id"`
	LeadID      string       `json:"lead_id"`
	Success     bool         `json:"success"`
	Detail      string       `json:"detail,omitempty"`
	Attention   string       `json:"attention,omitempty"`
	ReasonCode  string       `json:"reason_code,omitempty"`
	ReasonLabel string       `json:"reason_label,omitempty"`
	Suggestion  string       `json:"suggestion,omitempty"`
	Scope       faults.Scope `json:"scope,omitempty"`
	Attempts    int          `json:"attempts"`
	Cancelled   bool         `json:"cancelled,omitempty"`
	Preflight   bool         `json:"preflight,omitempty"`
	At          time.Time    `json:"at"`
}

// RetryNotice is published on the bus for every transient failure retried.
type RetryNotice struct {
	AccountID string        `json:"account_id"`
	LeadID    string        `json:"lead_id"`
	Attempt   int           `json:"attempt"`
	Wait      time.Duration `json:"wait"`
	Err       string        `json:"err"`
}

type StopReason string

const (
	StopNoLeads     StopReason = "no leads left"
	StopCapacity    StopReason = "capacity exhausted"
	StopOperator    StopReason = "operator pause"
	StopInterrupted StopReason = "interrupted"
)

// Campaign is the input of one run.
type Campaign struct {
	RunID     string
	Accounts  []Account
	Leads     []string
	Templates []string

	Concurrency   int
	DelayMin      time.Duration
	DelayMax      time.Duration
	PerAccountCap int

	// Lifetime totals from storage, added to the run counts in progress
	// snapshots.
	LifetimeOK     int
	LifetimeFailed int
}

// Summary is the result of one run.
type Summary struct {
	RunID       string         `json:"run_id"`
	Sent        map[string]int `json:"sent"`
	Errors      map[string]int `json:"errors"`
	StopReason  StopReason     `json:"stop_reason"`
	Excluded    []string       `json:"excluded,omitempty"`
	Escalations []Escalation   `json:"escalations,omitempty"`
	Dequeued    int            `json:"dequeued"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
}

// Decision is the operator's answer to an account needing attention.
type Decision int

const (
	DecisionExclude Decision = iota
	DecisionHalt
)

func (d Decision) String() string {
	if d == DecisionHalt {
		return "halt"
	}
	return "exclude"
}

// AttentionHandler is asked, synchronously, what to do when an event
// carries an attention message.
type AttentionHandler interface {
	OnAccountAttention(ctx context.Context, accountID string, ev Event) Decision
}

type AttentionFunc func(ctx context.Context, accountID string, ev Event) Decision

func (f AttentionFunc) OnAccountAttention(ctx context.Context, accountID string, ev Event) Decision {
	return f(ctx, accountID, ev)
}

// ResultSink receives every terminal event once. It must not block.
type ResultSink interface {
	LogSendResult(accountID, leadID string, success bool, detail string)
}

type ResultFunc func(accountID, leadID string, success bool, detail string)

func (f ResultFunc) LogSendResult(accountID, leadID string, success bool, detail string) {
	f(accountID, leadID, success, detail)
}

// ProgressSink observes snapshots. It must not block.
type ProgressSink interface {
	Progress(p Progress)
}

type ProgressFunc func(p Progress)

func (f ProgressFunc) Progress(p Progress) { f(p) }
