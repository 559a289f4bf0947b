package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "rotasend/pkg/logx"
)

// Recorder turns synchronous LogSendResult calls into queued appends so
// the scheduler never waits on disk. When the queue is full a failed result
// is dropped and counted; a successful one is written inline, since it is
// what keeps the lead from being contacted again.
type Recorder struct {
	store Store
	runID string
	log   logx.Logger

	q       chan Result
	dropped atomic.Uint64
	failed  atomic.Uint64
	closed  atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the writer goroutine. Close must be called to flush.
func NewRecorder(store Store, runID string, queue int, log logx.Logger) *Recorder {
	if queue <= 0 {
		queue = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{
		store: store,
		runID: runID,
		log:   log,
		q:     make(chan Result, queue),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// LogSendResult queues one result. Calls after Close are ignored.
func (r *Recorder) LogSendResult(accountID, leadID string, success bool, detail string) {
	if r.closed.Load() {
		return
	}
	res := Result{At: time.Now(), RunID: r.runID, AccountID: accountID, LeadID: leadID, Success: success, Detail: detail}
	select {
	case r.q <- res:
		return
	default:
	}
	if success {
		r.write(res)
		return
	}
	if r.dropped.Add(1) == 1 {
		r.log.Warn("result queue full; dropping failed results")
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for res := range r.q {
		r.write(res)
	}
}

func (r *Recorder) write(res Result) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := r.store.AppendResult(ctx, res)
	cancel()
	if err != nil {
		r.failed.Add(1)
		r.log.Error("append result failed", logx.String("lead", res.LeadID), logx.Err(err))
	}
}

// Close stops accepting results and waits until queued ones are written or
// ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.q)
	})
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := r.dropped.Load(); n > 0 {
		r.log.Warn("results dropped", logx.Uint64("count", n))
	}
	return nil
}

// Dropped and Failed report results that never reached the store.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
func (r *Recorder) Failed() uint64  { return r.failed.Load() }
