package operator

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"rotasend/internal/dispatch"
	logx "rotasend/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConsoleDecisions(t *testing.T) {
	t.Parallel()
	ev := dispatch.Event{Attention: "rate limit hit", Suggestion: "slow down"}
	cases := []struct {
		name  string
		input string
		want  dispatch.Decision
	}{
		{"pause", "2\n", dispatch.DecisionHalt},
		{"continue", "1\n", dispatch.DecisionExclude},
		{"default", "\n", dispatch.DecisionExclude},
		{"garbage", "maybe\n", dispatch.DecisionExclude},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pr, pw := io.Pipe()
			out := &syncBuffer{}
			c := NewConsole(pr, out, 0, logx.Nop())

			done := make(chan dispatch.Decision, 1)
			go func() { done <- c.OnAccountAttention(context.Background(), "acct-1", ev) }()

			// Answer only after the prompt is visible.
			for !strings.Contains(out.String(), "> ") {
				time.Sleep(time.Millisecond)
			}
			_, _ = io.WriteString(pw, tc.input)

			select {
			case got := <-done:
				if got != tc.want {
					t.Fatalf("decision = %v, want %v", got, tc.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no decision")
			}
			if s := out.String(); !strings.Contains(s, "acct-1") || !strings.Contains(s, "slow down") {
				t.Fatalf("prompt = %q", s)
			}
			_ = pw.Close()
		})
	}
}

func TestConsoleTimeoutDefaultsToExclude(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsole(pr, io.Discard, 10*time.Millisecond, logx.Nop())
	if got := c.OnAccountAttention(context.Background(), "a", dispatch.Event{Attention: "x"}); got != dispatch.DecisionExclude {
		t.Fatalf("decision = %v", got)
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if d := Policy("halt", nil).OnAccountAttention(ctx, "a", dispatch.Event{}); d != dispatch.DecisionHalt {
		t.Fatalf("halt policy = %v", d)
	}
	if d := Policy("exclude", nil).OnAccountAttention(ctx, "a", dispatch.Event{}); d != dispatch.DecisionExclude {
		t.Fatalf("exclude policy = %v", d)
	}
	if d := Policy("prompt", nil).OnAccountAttention(ctx, "a", dispatch.Event{}); d != dispatch.DecisionExclude {
		t.Fatalf("prompt without console = %v", d)
	}
}

func TestConsoleProgressSkipsRepeats(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	c := NewConsole(strings.NewReader(""), out, 0, logx.Nop())
	p := dispatch.Progress{RunID: "r", State: dispatch.StateRunning, RunOK: 1}
	c.Progress(p)
	first := out.String()
	c.Progress(p)
	if out.String() != first {
		t.Fatal("identical snapshot printed twice")
	}
	p.RunOK = 2
	c.Progress(p)
	if out.String() == first {
		t.Fatal("changed snapshot not printed")
	}
}
