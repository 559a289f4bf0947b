package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rotasend/internal/eventbus"
	"rotasend/internal/faults"
	kit "rotasend/internal/transport"
	logx "rotasend/pkg/logx"
)

// Health is the network/proxy health collaborator.
type Health interface {
	IsRetryable(err error) bool
	RecordFailure(accountID string, err error)
}

type successRecorder interface {
	RecordSuccess(accountID string)
}

// WorkerConfig controls local retry and send options.
type WorkerConfig struct {
	// Retries is the maximum number of transient failures tolerated per
	// lead. <=0 means 3.
	Retries int
	// BackoffStep multiplies the retry number. <=0 means 5s.
	BackoffStep time.Duration
	// BackoffCap bounds a single backoff sleep. <=0 means 30s.
	BackoffCap time.Duration
	// RatePerSec limits sends across all workers. <=0 disables it.
	RatePerSec float64

	SendOptions *kit.SendOptions
}

// Worker performs one lead's attempt sequence.
type Worker struct {
	cfg     WorkerConfig
	client  kit.Client
	health  Health
	limiter *rate.Limiter
	log     logx.Logger
	bus     eventbus.Bus

	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithSleep replaces the interruptible sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// WithRand seeds the pacing jitter source.
func WithRand(r *rand.Rand) WorkerOption {
	return func(w *Worker) {
		if r != nil {
			w.rng = r
		}
	}
}

// WithBus publishes retry notices.
func WithBus(bus eventbus.Bus) WorkerOption {
	return func(w *Worker) { w.bus = bus }
}

func NewWorker(cfg WorkerConfig, client kit.Client, health Health, log logx.Logger, opts ...WorkerOption) *Worker {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{
		cfg:    cfg,
		client: client,
		health: health,
		log:    log,
		sleep:  Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.RatePerSec > 0 {
		burst := max(1, int(cfg.RatePerSec))
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait before retry number n (1-based).
func (w *Worker) Backoff(n int) time.Duration {
	return min(w.cfg.BackoffCap, w.cfg.BackoffStep*time.Duration(n))
}

// PacingDelay draws a jittered delay inside acct's window.
func (w *Worker) PacingDelay(acct Account) time.Duration {
	lo, hi := acct.DelayMin, acct.DelayMax
	if hi <= lo {
		return max(0, lo)
	}
	w.rngMu.Lock()
	n := w.rng.Int63n(int64(hi-lo) + 1)
	w.rngMu.Unlock()
	return lo + time.Duration(n)
}

// Attempt sends text to lead as acct. It always returns a terminal event and
// the pacing delay the caller must wait before the account's next attempt.
func (w *Worker) Attempt(ctx context.Context, acct Account, lead, text string) (Event, time.Duration) {
	ev := w.attempt(ctx, acct, lead, text)
	ev.AccountID = acct.ID
	ev.LeadID = lead
	ev.At = time.Now()
	if !ev.Success && ev.Detail == "" {
		ev.Detail = "send failed"
	}
	if ev.ReasonLabel == "" && ev.ReasonCode != "" {
		ev.ReasonLabel = faults.DefaultLabel(ev.ReasonCode)
	}

	wait := w.PacingDelay(acct)
	w.log.Debug("pacing delay drawn",
		logx.String("account", acct.ID),
		logx.Duration("wait", wait),
		logx.Duration("min", acct.DelayMin),
		logx.Duration("max", acct.DelayMax),
		logx.Bool("low_profile", acct.LowProfile),
	)
	return ev, wait
}

func (w *Worker) attempt(ctx context.Context, acct Account, lead, text string) Event {
	retries := 0
	attempts := 0
	for {
		if ctx.Err() != nil {
			return cancelledEvent(attempts)
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return cancelledEvent(attempts)
			}
		}

		attempts++
		ok, err := w.sendOnce(ctx, acct.ID, lead, text)
		if err == nil {
			if sr, has := w.health.(successRecorder); has {
				sr.RecordSuccess(acct.ID)
			}
			if ok {
				return Event{Success: true, Attempts: attempts}
			}
			return Event{
				Attempts:    attempts,
				Detail:      "provider did not confirm the send",
				ReasonCode:  ReasonSendFailed,
				ReasonLabel: "Send not confirmed",
				Suggestion:  "Check whether the account can send messages manually.",
				Scope:       faults.ScopeAccount,
			}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return cancelledEvent(attempts)
		}

		// A definitive answer is classified even when the run is being
		// cancelled. Only the retry path stops on cancellation.
		if w.health != nil && w.health.IsRetryable(err) {
			if ctx.Err() != nil {
				return cancelledEvent(attempts)
			}
			retries++
			w.health.RecordFailure(acct.ID, err)
			wait := w.Backoff(retries)
			w.log.Warn("transport error",
				logx.String("account", acct.ID),
				logx.String("lead", lead),
				logx.Int("attempt", retries),
				logx.Int("max", w.cfg.Retries),
				logx.Err(err),
			)
			if retries >= w.cfg.Retries {
				return Event{
					Attempts:    attempts,
					Detail:      "transport unavailable",
					Attention:   fmt.Sprintf("The transport for %s failed repeatedly. Fix or remove its proxy before continuing.", acct.ID),
					ReasonCode:  ReasonProxyUnavailable,
					ReasonLabel: "Transport unavailable",
					Suggestion:  "Fix or remove the account's proxy/connectivity before continuing with it.",
					Scope:       faults.ScopeAccount,
				}
			}
			if w.bus != nil {
				w.bus.Publish(eventbus.Event{Type: EventSendRetry, Data: RetryNotice{
					AccountID: acct.ID, LeadID: lead, Attempt: retries, Wait: wait, Err: err.Error(),
				}})
			}
			if w.sleep(ctx, wait) != nil {
				return cancelledEvent(attempts)
			}
			continue
		}

		c := faults.Classify(err)
		w.log.Warn("send failed",
			logx.String("account", acct.ID),
			logx.String("lead", lead),
			logx.String("reason", string(c.Code)),
			logx.Err(err),
		)
		return Event{
			Attempts:    attempts,
			Detail:      c.Detail,
			Attention:   c.Attention,
			ReasonCode:  string(c.Code),
			ReasonLabel: c.Label,
			Suggestion:  c.Suggestion,
			Scope:       c.Scope,
		}
	}
}

func cancelledEvent(attempts int) Event {
	return Event{Detail: "cancelled", Cancelled: true, Attempts: attempts}
}

// sendOnce connects and sends. Transport panics come back as errors.
func (w *Worker) sendOnce(ctx context.Context, accountID, lead, text string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("send panicked", logx.String("account", accountID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			ok, err = false, fmt.Errorf("panic in send: %v", r)
		}
	}()
	if w.client == nil {
		return false, errors.New("no messaging client")
	}
	sess, err := w.client.Connect(ctx, accountID)
	if err != nil {
		return false, err
	}
	return sess.Send(ctx, lead, text, w.cfg.SendOptions)
}
