package dryrun

import (
	"context"
	"errors"
	"testing"

	kit "rotasend/internal/transport"
)

func TestClientRecordsSends(t *testing.T) {
	t.Parallel()
	c := &Client{Accounts: []string{"a"}}
	ctx := context.Background()

	if _, err := c.Connect(ctx, "b"); !errors.Is(err, kit.ErrUnknownAccount) {
		t.Fatalf("Connect(b) err = %v", err)
	}
	s, err := c.Connect(ctx, "a")
	if err != nil {
		t.Fatalf("Connect(a): %v", err)
	}
	ok, err := s.Send(ctx, "lead1", "hi", nil)
	if err != nil || !ok {
		t.Fatalf("Send = (%v, %v)", ok, err)
	}
	if got := c.Sent(); len(got) != 1 || got[0].Lead != "lead1" || got[0].Account != "a" {
		t.Fatalf("Sent = %+v", got)
	}
}

func TestClientInjectedFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	c := &Client{Fail: func(_, lead string) error {
		if lead == "bad" {
			return boom
		}
		return nil
	}}
	s, _ := c.Connect(context.Background(), "x")
	if _, err := s.Send(context.Background(), "bad", "hi", nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(c.Sent()) != 0 {
		t.Fatal("failed send was recorded")
	}
}
