// Package nethealth decides which transport failures are worth retrying and
// tracks consecutive connectivity failures per account.
package nethealth

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"rotasend/internal/faults"
	logx "rotasend/pkg/logx"
)

// Config holds the degraded-account thresholds.
type Config struct {
	// Trip is the number of consecutive failures after which an account is
	// reported degraded. <=0 means 3.
	Trip int
	// ResetAfter forgets failures older than this. <=0 means 10m.
	ResetAfter time.Duration
}

// Monitor implements the retryable predicate and the failure recorder the
// send worker consults.
type Monitor struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	mu sync.Mutex
	m  map[string]*accountState
}

type accountState struct {
	fails       int
	total       int
	lastFailure time.Time
	lastErr     string
}

// Status is the exported view of one account's health.
type Status struct {
	AccountID   string    `json:"account_id"`
	Consecutive int       `json:"consecutive"`
	Total       int       `json:"total"`
	Degraded    bool      `json:"degraded"`
	LastFailure time.Time `json:"last_failure"`
	LastErr     string    `json:"last_err,omitempty"`
}

func New(cfg Config, log logx.Logger) *Monitor {
	if cfg.Trip <= 0 {
		cfg.Trip = 3
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{cfg: cfg, log: log, now: time.Now, m: map[string]*accountState{}}
}

var retryableText = []string{
	"proxy",
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"connection aborted",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
	"tls handshake",
}

// IsRetryable reports whether err looks like a transient connectivity or
// proxy failure. Tagged provider faults other than KindNetwork never are.
func (m *Monitor) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// IsRetryable is the package-level predicate used by Monitor.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch faults.KindOf(err) {
	case faults.KindUnknown:
	case faults.KindNetwork:
		return true
	default:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, kw := range retryableText {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// RecordFailure notes one transient failure for accountID.
func (m *Monitor) RecordFailure(accountID string, err error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return
	}
	now := m.now()

	m.mu.Lock()
	st := m.m[id]
	if st == nil {
		st = &accountState{}
		m.m[id] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > m.cfg.ResetAfter {
		st.fails = 0
	}
	st.fails++
	st.total++
	st.lastFailure = now
	if err != nil {
		st.lastErr = err.Error()
	}
	fails := st.fails
	m.mu.Unlock()

	if fails == m.cfg.Trip {
		m.log.Warn("account transport degraded", logx.String("account", id), logx.Int("consecutive", fails), logx.Err(err))
	} else {
		m.log.Debug("transport failure recorded", logx.String("account", id), logx.Int("consecutive", fails), logx.Err(err))
	}
}

// RecordSuccess clears the consecutive-failure streak for accountID.
func (m *Monitor) RecordSuccess(accountID string) {
	m.mu.Lock()
	if st := m.m[strings.TrimSpace(accountID)]; st != nil {
		st.fails = 0
	}
	m.mu.Unlock()
}

// Degraded reports whether accountID has tripped.
func (m *Monitor) Degraded(accountID string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.m[strings.TrimSpace(accountID)]
	if st == nil {
		return false
	}
	if now.Sub(st.lastFailure) > m.cfg.ResetAfter {
		return false
	}
	return st.fails >= m.cfg.Trip
}

// Snapshot returns every tracked account sorted by id.
func (m *Monitor) Snapshot() []Status {
	now := m.now()
	m.mu.Lock()
	out := make([]Status, 0, len(m.m))
	for id, st := range m.m {
		out = append(out, Status{
			AccountID:   id,
			Consecutive: st.fails,
			Total:       st.total,
			Degraded:    st.fails >= m.cfg.Trip && now.Sub(st.lastFailure) <= m.cfg.ResetAfter,
			LastFailure: st.lastFailure,
			LastErr:     st.lastErr,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
