package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"rotasend/internal/eventbus"
	"rotasend/internal/faults"
	"rotasend/internal/quota"
	"rotasend/internal/runtime/supervisor"
	logx "rotasend/pkg/logx"
)

// Config holds the scheduler knobs that are not per-campaign inputs.
type Config struct {
	LowProfileCap         int
	LowProfileDelayFactor int
	EscalationThreshold   int
	Preflight             bool

	// Tick is the idle pause between assignment rounds. <=0 means 100ms.
	Tick time.Duration
	// AcquireTimeout bounds the wait for a concurrency slot. <=0 means 100ms.
	AcquireTimeout time.Duration
	// RenderEvery is the maximum gap between progress snapshots. <=0 means 500ms.
	RenderEvery time.Duration
}

// Scheduler runs campaigns. One Scheduler may run many campaigns, one
// at a time or concurrently; all run state is per call.
type Scheduler struct {
	cfg    Config
	worker *Worker

	quota     *quota.Clock
	results   ResultSink
	progress  ProgressSink
	attention AttentionHandler
	bus       eventbus.Bus
	log       logx.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithQuota(c *quota.Clock) Option { return func(s *Scheduler) { s.quota = c } }
func WithResults(r ResultSink) Option { return func(s *Scheduler) { s.results = r } }
func WithProgress(p ProgressSink) Option { return func(s *Scheduler) { s.progress = p } }
func WithAttention(h AttentionHandler) Option { return func(s *Scheduler) { s.attention = h } }
func WithEventBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }
func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func New(cfg Config, worker *Worker, opts ...Option) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 100 * time.Millisecond
	}
	if cfg.RenderEvery <= 0 {
		cfg.RenderEvery = 500 * time.Millisecond
	}
	s := &Scheduler{cfg: cfg, worker: worker}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.quota == nil {
		s.quota = quota.New(time.Local)
	}
	return s
}

// Run executes one campaign to completion and returns its summary. It
// returns an error only for unusable input; operator halts and parent
// cancellation are reported through Summary.StopReason.
func (s *Scheduler) Run(ctx context.Context, c Campaign) (Summary, error) {
	if len(c.Accounts) == 0 {
		return Summary{}, ErrNoAccounts
	}
	templates := make([]string, 0, len(c.Templates))
	for _, t := range c.Templates {
		if strings.TrimSpace(t) != "" {
			templates = append(templates, t)
		}
	}
	if len(templates) == 0 {
		return Summary{}, ErrNoTemplates
	}
	if len(c.Leads) == 0 {
		return Summary{}, ErrNoLeads
	}
	if s.worker == nil {
		return Summary{}, fmt.Errorf("dispatch: no worker")
	}
	pool := NewPool(c.Accounts, PoolConfig{
		PerAccountCap:         c.PerAccountCap,
		DelayMin:              c.DelayMin,
		DelayMax:              c.DelayMax,
		LowProfileCap:         s.cfg.LowProfileCap,
		LowProfileDelayFactor: s.cfg.LowProfileDelayFactor,
	})
	if pool.Len() == 0 {
		return Summary{}, ErrNoAccounts
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	concurrency := max(1, c.Concurrency)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := s.log.With(logx.String("run", c.RunID))
	r := &run{
		s:         s,
		c:         c,
		parent:    ctx,
		ctx:       runCtx,
		cancel:    cancel,
		log:       log,
		pool:      pool,
		leads:     append([]string(nil), c.Leads...),
		templates: templates,
		tracker:   NewTracker(s.cfg.EscalationThreshold),
		events:    make(chan Event, 2*concurrency+1),
		permits:   make(chan struct{}, concurrency),
		sup:       supervisor.New(runCtx, supervisor.WithLogger(log)),
		sent:      map[string]int{},
		errs:      map[string]int{},
		inflight:  map[string]InFlight{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		started:   time.Now(),
	}
	for i := 0; i < concurrency; i++ {
		r.permits <- struct{}{}
	}
	for _, id := range pool.Order() {
		r.sent[id] = 0
		r.errs[id] = 0
	}

	lowProfile := 0
	for _, id := range pool.Order() {
		if a, _ := pool.Account(id); a.LowProfile {
			lowProfile++
		}
	}
	log.Info("campaign started",
		logx.Int("accounts", pool.Len()),
		logx.Int("low_profile", lowProfile),
		logx.Int("leads", len(r.leads)),
		logx.Int("per_account_cap", c.PerAccountCap),
		logx.Int("concurrency", concurrency),
		logx.Duration("delay_min", c.DelayMin),
		logx.Duration("delay_max", c.DelayMax),
	)
	r.publish(EventCampaignStarted, c.RunID)

	if s.cfg.Preflight {
		r.preflight()
	}
	r.loop()
	r.drain()

	sum := r.summary()
	r.state = StateStopped
	r.render()
	log.Info("campaign stopped",
		logx.String("reason", string(sum.StopReason)),
		logx.Int("ok", r.runOK),
		logx.Int("failed", r.runFailed),
		logx.Int("dequeued", sum.Dequeued),
		logx.Duration("took", sum.Finished.Sub(sum.Started)),
	)
	r.publish(EventCampaignStopped, sum)
	return sum, nil
}

// run is the state of one Run call. Every field except the channels, the
// pool locks and the supervisor is owned by the scheduler goroutine.
type run struct {
	s      *Scheduler
	c      Campaign
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	pool      *Pool
	leads     []string
	head      int
	templates []string
	tracker   *Tracker
	rng       *rand.Rand

	events  chan Event
	permits chan struct{}
	sup     *supervisor.Supervisor

	state       string
	sent        map[string]int
	errs        map[string]int
	inflight    map[string]InFlight
	runOK       int
	runFailed   int
	dequeued    int
	halted      bool
	escalations []Escalation
	started     time.Time
	lastRender  time.Time
}

func (r *run) pending() int { return len(r.leads) - r.head }

func (r *run) pop() string {
	lead := r.leads[r.head]
	r.head++
	r.dequeued++
	return lead
}

func (r *run) pickTemplate() string {
	return r.templates[r.rng.Intn(len(r.templates))]
}

func (r *run) stopping() bool { return r.halted || r.ctx.Err() != nil }

// preflight sends one message per account, one at a time. Accounts that
// fail with account scope are zeroed; other failures give the unit back.
func (r *run) preflight() {
	r.state = StatePreflight
	r.log.Info("preflight started")
	tested := 0
	for _, id := range r.pool.Order() {
		if r.stopping() {
			break
		}
		if r.pool.Remaining(id) <= 0 {
			continue
		}
		if r.pending() == 0 {
			r.log.Warn("not enough leads to finish preflight", logx.Int("tested", tested))
			break
		}
		if !r.pool.TryLock(id) {
			continue
		}
		acct, _ := r.pool.Account(id)
		lead := r.pop()
		r.pool.Take(id)
		r.begin(id, lead)

		ev, wait := r.s.worker.Attempt(r.ctx, acct, lead, r.pickTemplate())
		ev.Preflight = true
		_ = r.s.worker.sleep(r.ctx, wait)
		r.pool.Unlock(id)

		r.handle(ev)
		r.render()
		tested++

		if !ev.Success {
			if ev.Scope == faults.ScopeAccount {
				r.pool.Zero(id)
				r.log.Warn("account skipped after failed preflight", logx.String("account", id), logx.String("detail", ev.Detail))
			} else {
				r.pool.Restore(id)
			}
		}
	}
	if tested > 0 {
		r.log.Info("preflight finished", logx.Int("accounts", tested))
	}
}

func (r *run) loop() {
	r.state = StateRunning
	tick := time.NewTicker(r.s.cfg.Tick)
	defer tick.Stop()

	for {
		fresh := r.drainReady()
		if r.stopping() || r.pending() == 0 || !r.pool.HasCapacity() {
			return
		}

		// Available is a snapshot; TryLock re-checks each id.
		for _, id := range r.pool.Available() {
			if r.stopping() || r.pending() == 0 {
				break
			}
			if !r.pool.TryLock(id) {
				continue
			}
			// The previous holder posted its event before unlocking; handle
			// it so an exclusion or halt is seen before the next launch.
			fresh += r.drainReady()
			if r.stopping() || r.pending() == 0 || r.pool.Remaining(id) <= 0 {
				r.pool.Unlock(id)
				continue
			}
			if !r.acquirePermit() {
				r.pool.Unlock(id)
				continue
			}
			lead := r.pop()
			r.pool.Take(id)
			r.launch(id, lead)
		}

		if fresh > 0 || time.Since(r.lastRender) >= r.s.cfg.RenderEvery {
			r.render()
		}
		select {
		case <-r.ctx.Done():
		case <-tick.C:
		}
	}
}

// drainReady handles every buffered event without blocking.
func (r *run) drainReady() int {
	n := 0
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
			n++
		default:
			return n
		}
	}
}

func (r *run) acquirePermit() bool {
	select {
	case <-r.permits:
		return true
	default:
	}
	t := time.NewTimer(r.s.cfg.AcquireTimeout)
	defer t.Stop()
	select {
	case <-r.permits:
		return true
	case <-t.C:
		return false
	case <-r.ctx.Done():
		return false
	}
}

// launch starts a worker holding id's lock and one permit. The worker posts
// its event, waits out the pacing delay, then releases both.
func (r *run) launch(id, lead string) {
	acct, _ := r.pool.Account(id)
	text := r.pickTemplate()
	r.begin(id, lead)

	r.sup.Go("send."+id, func(ctx context.Context) error {
		posted := false
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("worker panicked", logx.String("account", id), logx.Any("panic", p))
				if !posted {
					r.events <- Event{AccountID: id, LeadID: lead, Detail: fmt.Sprintf("worker panic: %v", p), At: time.Now()}
				}
			}
			r.permits <- struct{}{}
			r.pool.Unlock(id)
		}()

		ev, wait := r.s.worker.Attempt(ctx, acct, lead, text)
		r.events <- ev
		posted = true
		_ = r.s.worker.sleep(ctx, wait)
		return nil
	})
}

func (r *run) begin(id, lead string) {
	r.inflight[id] = InFlight{AccountID: id, LeadID: lead, Started: time.Now()}
	r.publish(EventSendStarted, InFlight{AccountID: id, LeadID: lead})
}

// drain waits for every launched worker while still consuming events so
// none of them can block on a full channel.
func (r *run) drain() {
	r.state = StateDraining
	done := r.sup.Done()
	tick := time.NewTicker(r.s.cfg.RenderEvery)
	defer tick.Stop()
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
			r.render()
		case <-done:
			r.drainReady()
			return
		case <-tick.C:
			r.render()
		}
	}
}

func (r *run) handle(ev Event) {
	id := ev.AccountID
	delete(r.inflight, id)

	if ev.Success {
		r.sent[id]++
		r.runOK++
		r.s.quota.Bump(quota.Sent, 1)
		r.log.Info("sent", logx.String("account", id), logx.String("lead", ev.LeadID), logx.Int("attempts", ev.Attempts))
	} else {
		r.errs[id]++
		r.runFailed++
		r.s.quota.Bump(quota.Errors, 1)
		r.log.Warn("send failed",
			logx.String("account", id),
			logx.String("lead", ev.LeadID),
			logx.String("detail", ev.Detail),
			logx.String("reason", ev.ReasonCode),
			logx.String("scope", string(ev.Scope)),
		)
	}
	if r.s.results != nil {
		r.s.results.LogSendResult(id, ev.LeadID, ev.Success, ev.Detail)
	}
	r.publish(EventSendCompleted, ev)

	if !ev.Success && !ev.Cancelled {
		if esc, ok := r.tracker.Record(ev); ok {
			r.escalations = append(r.escalations, esc)
			r.log.Warn("failure pattern detected",
				logx.String("reason", esc.Label),
				logx.Int("count", esc.Count),
				logx.String("suggestion", esc.Suggestion),
			)
			r.publish(EventEscalation, esc)
		}
	}

	if ev.Attention == "" || r.halted || r.pool.Excluded(id) {
		return
	}
	decision := DecisionExclude
	if r.s.attention != nil {
		decision = r.s.attention.OnAccountAttention(r.ctx, id, ev)
	}
	switch decision {
	case DecisionHalt:
		r.halted = true
		r.log.Warn("campaign halted by operator", logx.String("account", id), logx.String("attention", ev.Attention))
		r.cancel()
	default:
		r.pool.Exclude(id)
		r.log.Warn("account excluded for this run", logx.String("account", id), logx.String("attention", ev.Attention))
		r.publish(EventAccountExcluded, id)
	}
}

func (r *run) snapshot() Progress {
	accts := make([]AccountTally, 0, r.pool.Len())
	for _, id := range r.pool.Order() {
		a, _ := r.pool.Account(id)
		accts = append(accts, AccountTally{
			ID:         id,
			Sent:       r.sent[id],
			Errors:     r.errs[id],
			Remaining:  r.pool.Remaining(id),
			Busy:       r.pool.Busy(id),
			Excluded:   r.pool.Excluded(id),
			LowProfile: a.LowProfile,
		})
	}
	daySent, dayErr := r.s.quota.Counts()
	return Progress{
		RunID:          r.c.RunID,
		State:          r.state,
		LeadsRemaining: r.pending(),
		Accounts:       accts,
		InFlight:       sortedInFlight(r.inflight),
		DailySent:      daySent,
		DailyErrors:    dayErr,
		RunOK:          r.runOK,
		RunFailed:      r.runFailed,
		TotalOK:        r.c.LifetimeOK + r.runOK,
		TotalFailed:    r.c.LifetimeFailed + r.runFailed,
		Elapsed:        time.Since(r.started),
	}
}

func (r *run) render() {
	r.lastRender = time.Now()
	if r.s.progress != nil {
		r.s.progress.Progress(r.snapshot())
	}
}

func (r *run) summary() Summary {
	var reason StopReason
	switch {
	case r.halted:
		reason = StopOperator
	case r.parent.Err() != nil:
		reason = StopInterrupted
	case r.pending() == 0:
		reason = StopNoLeads
	case !r.pool.HasCapacity():
		reason = StopCapacity
	default:
		reason = StopInterrupted
	}
	sent := make(map[string]int, len(r.sent))
	for k, v := range r.sent {
		sent[k] = v
	}
	errs := make(map[string]int, len(r.errs))
	for k, v := range r.errs {
		errs[k] = v
	}
	return Summary{
		RunID:       r.c.RunID,
		Sent:        sent,
		Errors:      errs,
		StopReason:  reason,
		Excluded:    r.pool.ExcludedIDs(),
		Escalations: append([]Escalation(nil), r.escalations...),
		Dequeued:    r.dequeued,
		Started:     r.started,
		Finished:    time.Now(),
	}
}

func (r *run) publish(typ string, data any) {
	if r.s.bus != nil {
		r.s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
