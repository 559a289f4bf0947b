package dispatch

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// PoolConfig carries the campaign-wide limits the pool derives per-account
// capacity and pacing from.
type PoolConfig struct {
	PerAccountCap int
	DelayMin      time.Duration
	DelayMax      time.Duration

	// LowProfileCap caps low-profile accounts. <=0 disables the override.
	LowProfileCap int
	// LowProfileDelayFactor widens low-profile delay windows, in percent.
	// Values below 100 are treated as 100.
	LowProfileDelayFactor int
}

// Pool tracks per-account remaining capacity and the per-account busy lock.
//
// remaining is only ever changed by the scheduler goroutine (Take, Restore,
// Exclude). The busy lock is released by workers.
type Pool struct {
	mu    sync.Mutex
	order []string
	slots map[string]*slot
}

type slot struct {
	acct      Account
	remaining int
	excluded  bool
	busy      runState
}

// runState is a non-blocking mutex: at most one holder, no waiting.
type runState struct {
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s.inflight > 0 {
		s.inflight--
	}
}

// NewPool builds the pool. Accounts are rotated normal-first, then
// low-profile, each group by id. Duplicate or empty ids are dropped.
func NewPool(accounts []Account, cfg PoolConfig) *Pool {
	p := &Pool{slots: make(map[string]*slot, len(accounts))}
	list := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			continue
		}
		if _, dup := p.slots[a.ID]; dup {
			continue
		}
		eff := effectiveAccount(a, cfg)
		p.slots[a.ID] = &slot{acct: eff, remaining: accountCap(a, cfg)}
		list = append(list, eff)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LowProfile != list[j].LowProfile {
			return !list[i].LowProfile
		}
		return list[i].ID < list[j].ID
	})
	for _, a := range list {
		p.order = append(p.order, a.ID)
	}
	return p
}

func accountCap(a Account, cfg PoolConfig) int {
	limit := cfg.PerAccountCap
	if a.CapPerRun > 0 && (limit <= 0 || a.CapPerRun < limit) {
		limit = a.CapPerRun
	}
	if a.LowProfile && cfg.LowProfileCap > 0 && (limit <= 0 || cfg.LowProfileCap < limit) {
		limit = cfg.LowProfileCap
	}
	return max(1, limit)
}

func effectiveAccount(a Account, cfg PoolConfig) Account {
	lo, hi := a.DelayMin, a.DelayMax
	if lo <= 0 && hi <= 0 {
		lo, hi = cfg.DelayMin, cfg.DelayMax
	}
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	if a.LowProfile {
		lo, hi = ScaleDelay(lo, hi, cfg.LowProfileDelayFactor)
	}
	a.DelayMin, a.DelayMax = lo, hi
	return a
}

// ScaleDelay widens a delay window by factor percent (floor 100), rounding
// up to whole seconds and never shrinking either bound.
func ScaleDelay(lo, hi time.Duration, factor int) (time.Duration, time.Duration) {
	m := math.Max(1, float64(max(100, factor))/100)
	ceilSec := func(d time.Duration) time.Duration {
		return time.Duration(math.Ceil(d.Seconds()*m)) * time.Second
	}
	nlo := max(lo, ceilSec(lo))
	nhi := max(nlo, ceilSec(hi))
	return nlo, nhi
}

// Len returns the number of accounts.
func (p *Pool) Len() int { return len(p.order) }

// Order returns account ids in rotation order.
func (p *Pool) Order() []string { return append([]string(nil), p.order...) }

// Account returns the effective account (scaled delays) for id.
func (p *Pool) Account(id string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[id]
	if s == nil {
		return Account{}, false
	}
	return s.acct, true
}

func (p *Pool) Remaining(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[id]; s != nil {
		return s.remaining
	}
	return 0
}

// HasCapacity reports whether any account can still send.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.remaining > 0 {
			return true
		}
	}
	return false
}

// Available returns ids with capacity left and no attempt in flight.
func (p *Pool) Available() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.order))
	for _, id := range p.order {
		s := p.slots[id]
		if s.remaining > 0 && s.busy.inflight == 0 {
			out = append(out, id)
		}
	}
	return out
}

// TryLock marks id busy without waiting. It fails for accounts that are
// busy, unknown, or out of capacity.
func (p *Pool) TryLock(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[id]
	if s == nil || s.remaining <= 0 {
		return false
	}
	return s.busy.tryAcquire()
}

func (p *Pool) Unlock(id string) {
	p.mu.Lock()
	if s := p.slots[id]; s != nil {
		s.busy.release()
	}
	p.mu.Unlock()
}

// Busy reports whether id has an attempt in flight.
func (p *Pool) Busy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[id]
	return s != nil && s.busy.inflight > 0
}

// Take consumes one unit of capacity.
func (p *Pool) Take(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[id]
	if s == nil || s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

// Restore gives back one unit consumed by Take. Excluded accounts stay at 0.
func (p *Pool) Restore(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[id]; s != nil && !s.excluded {
		s.remaining++
	}
}

// Exclude drops id from the rest of the run.
func (p *Pool) Exclude(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[id]; s != nil {
		s.remaining = 0
		s.excluded = true
	}
}

// Zero sets id's capacity to 0 without marking it operator-excluded.
func (p *Pool) Zero(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[id]; s != nil {
		s.remaining = 0
	}
}

func (p *Pool) Excluded(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[id]
	return s != nil && s.excluded
}

// ExcludedIDs returns operator-excluded ids in rotation order.
func (p *Pool) ExcludedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, id := range p.order {
		if p.slots[id].excluded {
			out = append(out, id)
		}
	}
	return out
}
