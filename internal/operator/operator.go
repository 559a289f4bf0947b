// Package operator answers "this account needs attention" questions raised
// by the dispatcher, either with a fixed policy or by asking a human on the
// console.
package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"rotasend/internal/dispatch"
	logx "rotasend/pkg/logx"
)

// Fixed always returns the same decision.
type Fixed dispatch.Decision

func (f Fixed) OnAccountAttention(ctx context.Context, accountID string, ev dispatch.Event) dispatch.Decision {
	return dispatch.Decision(f)
}

// Console prompts on Out and reads the answer from In. It also renders
// progress snapshots and alert lines so everything the operator sees goes
// through one writer.
type Console struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	log     logx.Logger

	mu        sync.Mutex
	lines     chan string
	startOnce sync.Once
	lastKey   string
}

// NewConsole builds a console. timeout <= 0 waits for an answer until ctx
// is done.
func NewConsole(in io.Reader, out io.Writer, timeout time.Duration, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{in: in, out: out, timeout: timeout, log: log, lines: make(chan string, 1)}
}

// readLines owns In. A blocked Read cannot be interrupted, so one goroutine
// reads for the whole process and prompts take lines from the channel.
func (c *Console) readLines() {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		c.lines <- sc.Text()
	}
	close(c.lines)
}

func (c *Console) OnAccountAttention(ctx context.Context, accountID string, ev dispatch.Event) dispatch.Decision {
	c.startOnce.Do(func() { go c.readLines() })

	// Drop input typed before the prompt appeared.
	for drained := false; !drained; {
		select {
		case _, ok := <-c.lines:
			drained = !ok
		default:
			drained = true
		}
	}

	c.mu.Lock()
	fmt.Fprintf(c.out, "\n!! account %s needs attention: %s\n", accountID, ev.Attention)
	if ev.Suggestion != "" {
		fmt.Fprintf(c.out, "   suggestion: %s\n", ev.Suggestion)
	}
	fmt.Fprint(c.out, "[1] continue without this account  [2] pause all\n> ")
	c.mu.Unlock()

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	decision := dispatch.DecisionExclude
	select {
	case line, ok := <-c.lines:
		if ok && strings.TrimSpace(line) == "2" {
			decision = dispatch.DecisionHalt
		}
	case <-timeout:
		c.log.Warn("no operator answer; continuing without account", logx.String("account", accountID))
	case <-ctx.Done():
	}
	c.log.Info("operator decision", logx.String("account", accountID), logx.String("decision", decision.String()))
	return decision
}

// Progress prints a snapshot when the counts or state changed since the
// last one.
func (c *Console) Progress(p dispatch.Progress) {
	key := fmt.Sprintf("%s/%d/%d/%d/%d", p.State, p.RunOK, p.RunFailed, p.LeadsRemaining, len(p.InFlight))
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == c.lastKey {
		return
	}
	c.lastKey = key
	fmt.Fprint(c.out, p.Format())
}

// Alert prints one alert line.
func (c *Console) Alert(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[alert] %s\n", line)
}

// Policy maps a config policy name to a handler. "prompt" uses console.
func Policy(name string, console *Console) dispatch.AttentionHandler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "halt":
		return Fixed(dispatch.DecisionHalt)
	case "exclude":
		return Fixed(dispatch.DecisionExclude)
	default:
		if console == nil {
			return Fixed(dispatch.DecisionExclude)
		}
		return console
	}
}
