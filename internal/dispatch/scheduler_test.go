package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rotasend/internal/eventbus"
	"rotasend/internal/quota"
	kit "rotasend/internal/transport"
	logx "rotasend/pkg/logx"
)

type resultLog struct {
	mu   sync.Mutex
	rows []string
	ok   int
	fail int
}

func (r *resultLog) LogSendResult(accountID, leadID string, success bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, accountID+"/"+leadID)
	if success {
		r.ok++
	} else {
		r.fail++
	}
}

func leads(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "lead" + string(rune('a'+i))
	}
	return out
}

func fastScheduler(client kit.Client, opts ...Option) (*Scheduler, *sleepLog) {
	sl := &sleepLog{}
	w := NewWorker(WorkerConfig{}, client, &fakeHealth{}, logx.Logger{}, WithSleep(sl.sleep))
	cfg := Config{Tick: time.Millisecond, AcquireTimeout: time.Millisecond, RenderEvery: 5 * time.Millisecond}
	return New(cfg, w, opts...), sl
}

func TestRunRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	s, _ := fastScheduler(newScriptClient(nil))
	cases := []struct {
		c    Campaign
		want error
	}{
		{Campaign{Leads: []string{"x"}, Templates: []string{"hi"}}, ErrNoAccounts},
		{Campaign{Accounts: []Account{{ID: "a"}}, Leads: []string{"x"}, Templates: []string{" "}}, ErrNoTemplates},
		{Campaign{Accounts: []Account{{ID: "a"}}, Templates: []string{"hi"}}, ErrNoLeads},
	}
	for _, tc := range cases {
		if _, err := s.Run(context.Background(), tc.c); !errors.Is(err, tc.want) {
			t.Fatalf("Run = %v, want %v", err, tc.want)
		}
	}
}

func TestRunEvenSplit(t *testing.T) {
	t.Parallel()
	results := &resultLog{}
	clock := quota.New(time.UTC)
	s, _ := fastScheduler(newScriptClient(nil), WithResults(results), WithQuota(clock))

	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}, {ID: "a2"}},
		Leads:         leads(4),
		Templates:     []string{"hello"},
		Concurrency:   2,
		PerAccountCap: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Sent["a1"] != 2 || sum.Sent["a2"] != 2 {
		t.Fatalf("sent = %v, want 2 each", sum.Sent)
	}
	if sum.StopReason != StopNoLeads {
		t.Fatalf("stop reason = %q", sum.StopReason)
	}
	if sum.RunID == "" || sum.Dequeued != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	if results.ok != 4 || results.fail != 0 {
		t.Fatalf("results ok=%d fail=%d", results.ok, results.fail)
	}
	if sent, errs := clock.Counts(); sent != 4 || errs != 0 {
		t.Fatalf("daily counts = %d/%d", sent, errs)
	}
}

func TestRunCapacityExhausted(t *testing.T) {
	t.Parallel()
	s, _ := fastScheduler(newScriptClient(nil))
	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}},
		Leads:         leads(5),
		Templates:     []string{"hello"},
		Concurrency:   3,
		PerAccountCap: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Sent["a1"] != 2 || sum.StopReason != StopCapacity || sum.Dequeued != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunExcludesAccountOnAttention(t *testing.T) {
	t.Parallel()
	client := newScriptClient(map[string][]error{"a1": {errors.New("challenge_required")}})
	var asked atomic.Int32
	handler := AttentionFunc(func(ctx context.Context, id string, ev Event) Decision {
		asked.Add(1)
		if id != "a1" || ev.ReasonCode != "challenge_required" {
			t.Errorf("attention for %s: %+v", id, ev)
		}
		return DecisionExclude
	})
	results := &resultLog{}
	s, _ := fastScheduler(client, WithAttention(handler), WithResults(results))

	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}, {ID: "a2"}},
		Leads:         leads(6),
		Templates:     []string{"hello"},
		Concurrency:   1,
		PerAccountCap: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if asked.Load() != 1 {
		t.Fatalf("attention asked %d times", asked.Load())
	}
	if len(sum.Excluded) != 1 || sum.Excluded[0] != "a1" {
		t.Fatalf("excluded = %v", sum.Excluded)
	}
	if client.count("a1") != 1 || sum.Errors["a1"] != 1 || sum.Sent["a1"] != 0 {
		t.Fatalf("a1 calls=%d summary=%+v", client.count("a1"), sum)
	}
	if sum.Sent["a2"] != 5 {
		t.Fatalf("a2 sent = %d, want 5", sum.Sent["a2"])
	}
	if results.ok+results.fail != sum.Dequeued {
		t.Fatalf("results %d != dequeued %d", results.ok+results.fail, sum.Dequeued)
	}
}

func TestRunOperatorHalt(t *testing.T) {
	t.Parallel()
	client := newScriptClient(map[string][]error{"a1": {errors.New("checkpoint")}})
	handler := AttentionFunc(func(context.Context, string, Event) Decision { return DecisionHalt })
	s, _ := fastScheduler(client, WithAttention(handler))

	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}},
		Leads:         leads(4),
		Templates:     []string{"hello"},
		Concurrency:   1,
		PerAccountCap: 4,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.StopReason != StopOperator {
		t.Fatalf("stop reason = %q", sum.StopReason)
	}
	if sum.Dequeued >= 4 {
		t.Fatalf("halt did not stop dequeuing: %d", sum.Dequeued)
	}
}

func TestRunInterrupted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	client := kit.ClientFunc(func(ctx context.Context, accountID string) (kit.Session, error) {
		return kit.SessionFunc(func(context.Context, string, string, *kit.SendOptions) (bool, error) {
			once.Do(cancel)
			return true, nil
		}), nil
	})
	s, _ := fastScheduler(client)
	sum, err := s.Run(ctx, Campaign{
		Accounts:      []Account{{ID: "a1"}, {ID: "a2"}},
		Leads:         leads(10),
		Templates:     []string{"hello"},
		Concurrency:   1,
		PerAccountCap: 10,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.StopReason != StopInterrupted {
		t.Fatalf("stop reason = %q", sum.StopReason)
	}
}

func TestRunSerializesPerAccountAndCapsConcurrency(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		active   = map[string]int{}
		total    int
		maxTotal int
		overlap  bool
	)
	client := kit.ClientFunc(func(ctx context.Context, accountID string) (kit.Session, error) {
		return kit.SessionFunc(func(context.Context, string, string, *kit.SendOptions) (bool, error) {
			mu.Lock()
			active[accountID]++
			total++
			if active[accountID] > 1 {
				overlap = true
			}
			maxTotal = max(maxTotal, total)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active[accountID]--
			total--
			mu.Unlock()
			return true, nil
		}), nil
	})
	s, _ := fastScheduler(client)
	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}, {ID: "a4"}},
		Leads:         leads(16),
		Templates:     []string{"hello"},
		Concurrency:   2,
		PerAccountCap: 4,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if overlap {
		t.Fatal("two attempts ran on the same account at once")
	}
	if maxTotal > 2 {
		t.Fatalf("max concurrent sends = %d, want <= 2", maxTotal)
	}
	n := 0
	for _, v := range sum.Sent {
		n += v
	}
	if n != 16 {
		t.Fatalf("sent = %d, want 16", n)
	}
}

func TestRunPreflightZeroesFailedAccounts(t *testing.T) {
	t.Parallel()
	client := newScriptClient(map[string][]error{
		"a1": {errors.New("login_required")},
		"a2": {errors.New("user not found")},
	})
	w := NewWorker(WorkerConfig{}, client, &fakeHealth{}, logx.Logger{}, WithSleep((&sleepLog{}).sleep))
	var preflight []Event
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s := New(Config{Preflight: true, Tick: time.Millisecond, AcquireTimeout: time.Millisecond},
		w,
		WithEventBus(bus),
		WithAttention(AttentionFunc(func(context.Context, string, Event) Decision { return DecisionExclude })),
	)
	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}, {ID: "a2"}},
		Leads:         leads(5),
		Templates:     []string{"hello"},
		Concurrency:   2,
		PerAccountCap: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for len(ch) > 0 {
		e := <-ch
		if ev, ok := e.Data.(Event); ok && ev.Preflight {
			preflight = append(preflight, ev)
		}
	}
	if len(preflight) != 2 {
		t.Fatalf("preflight events = %d, want 2", len(preflight))
	}
	if client.count("a1") != 1 {
		t.Fatalf("a1 was used after failing preflight: %d calls", client.count("a1"))
	}
	// a2's recipient failure gives the unit back: 3 more sends fit.
	if sum.Sent["a2"] != 3 || sum.Errors["a2"] != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunProgressSnapshots(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var last Progress
	s, _ := fastScheduler(newScriptClient(nil), WithProgress(ProgressFunc(func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})))
	_, err := s.Run(context.Background(), Campaign{
		Accounts:       []Account{{ID: "a1"}},
		Leads:          leads(2),
		Templates:      []string{"hello"},
		Concurrency:    1,
		PerAccountCap:  5,
		LifetimeOK:     10,
		LifetimeFailed: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if last.State != StateStopped || last.RunOK != 2 || last.TotalOK != 12 || last.TotalFailed != 1 {
		t.Fatalf("last progress = %+v", last)
	}
	if last.LeadsRemaining != 0 || len(last.InFlight) != 0 {
		t.Fatalf("last progress = %+v", last)
	}
	if last.Format() == "" {
		t.Fatal("empty progress rendering")
	}
}

func TestRunUnevenCaps(t *testing.T) {
	t.Parallel()
	s, _ := fastScheduler(newScriptClient(nil))
	sum, err := s.Run(context.Background(), Campaign{
		Accounts:    []Account{{ID: "A", CapPerRun: 2}, {ID: "B", CapPerRun: 1}},
		Leads:       leads(3),
		Templates:   []string{"hello"},
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Sent["A"] != 2 || sum.Sent["B"] != 1 {
		t.Fatalf("sent = %v, want A:2 B:1", sum.Sent)
	}
	if sum.StopReason != StopNoLeads || sum.Dequeued != 3 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunEscalatesRepeatedReasonOnce(t *testing.T) {
	t.Parallel()
	notFound := errors.New("user not found")
	client := newScriptClient(map[string][]error{"a1": {notFound, notFound, notFound, notFound, notFound}})
	w := NewWorker(WorkerConfig{}, client, &fakeHealth{}, logx.Logger{}, WithSleep((&sleepLog{}).sleep))
	s := New(Config{EscalationThreshold: 3, Tick: time.Millisecond, AcquireTimeout: time.Millisecond}, w)

	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}},
		Leads:         leads(5),
		Templates:     []string{"hello"},
		Concurrency:   1,
		PerAccountCap: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Errors["a1"] != 5 {
		t.Fatalf("errors = %v, want 5", sum.Errors)
	}
	if len(sum.Escalations) != 1 {
		t.Fatalf("escalations = %+v, want exactly one", sum.Escalations)
	}
	if esc := sum.Escalations[0]; esc.Count != 3 || esc.Suggestion == "" {
		t.Fatalf("escalation = %+v", esc)
	}
}

func TestRunExcludedAccountHasNoCapacityLeft(t *testing.T) {
	t.Parallel()
	client := newScriptClient(map[string][]error{"a1": {errors.New("challenge_required")}})
	var mu sync.Mutex
	var last Progress
	s, _ := fastScheduler(client,
		WithAttention(AttentionFunc(func(context.Context, string, Event) Decision { return DecisionExclude })),
		WithProgress(ProgressFunc(func(p Progress) {
			mu.Lock()
			last = p
			mu.Unlock()
		})),
	)
	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}, {ID: "a2"}},
		Leads:         leads(4),
		Templates:     []string{"hello"},
		Concurrency:   1,
		PerAccountCap: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Excluded) != 1 || sum.Excluded[0] != "a1" {
		t.Fatalf("excluded = %v", sum.Excluded)
	}
	mu.Lock()
	defer mu.Unlock()
	if last.State != StateStopped {
		t.Fatalf("last state = %q", last.State)
	}
	for _, a := range last.Accounts {
		if a.ID != "a1" {
			continue
		}
		if !a.Excluded || a.Remaining != 0 || a.Sent != 0 || a.Errors != 1 {
			t.Fatalf("a1 tally = %+v", a)
		}
		return
	}
	t.Fatalf("a1 missing from %+v", last.Accounts)
}

func TestRunHoldsAccountThroughPacingDelay(t *testing.T) {
	t.Parallel()
	const pace = 20 * time.Millisecond
	var (
		mu      sync.Mutex
		lastEnd = map[string]time.Time{}
		minGap  = time.Hour
	)
	client := kit.ClientFunc(func(ctx context.Context, accountID string) (kit.Session, error) {
		return kit.SessionFunc(func(context.Context, string, string, *kit.SendOptions) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			now := time.Now()
			if end, ok := lastEnd[accountID]; ok {
				minGap = min(minGap, now.Sub(end))
			}
			lastEnd[accountID] = now
			return true, nil
		}), nil
	})
	// The real sleep blocks, so a lock released before pacing would let the
	// next send on the same account start right away.
	w := NewWorker(WorkerConfig{}, client, &fakeHealth{}, logx.Logger{}, WithSleep(Sleep))
	s := New(Config{Tick: time.Millisecond, AcquireTimeout: time.Millisecond}, w)

	sum, err := s.Run(context.Background(), Campaign{
		Accounts:      []Account{{ID: "a1"}},
		Leads:         leads(4),
		Templates:     []string{"hello"},
		Concurrency:   2,
		PerAccountCap: 4,
		DelayMin:      pace,
		DelayMax:      pace,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Sent["a1"] != 4 {
		t.Fatalf("sent = %v", sum.Sent)
	}
	mu.Lock()
	defer mu.Unlock()
	if minGap < pace {
		t.Fatalf("next send on a1 started %v after the previous one, want >= %v", minGap, pace)
	}
}
