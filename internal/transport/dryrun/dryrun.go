// Package dryrun is a transport that records sends instead of delivering
// them. It backs rehearsal runs and the dispatcher tests.
package dryrun

import (
	"context"
	"strings"
	"sync"
	"time"

	kit "rotasend/internal/transport"
	logx "rotasend/pkg/logx"
)

// Sent is one recorded delivery.
type Sent struct {
	Account string
	Lead    string
	Text    string
	At      time.Time
}

// Client accepts every account in Accounts (or any account when empty) and
// confirms every send. Fail can inject per-lead errors.
type Client struct {
	Accounts []string
	// Fail, when set, is consulted before each send; a non-nil error is
	// returned as the send result.
	Fail func(account, lead string) error
	Log  logx.Logger

	mu   sync.Mutex
	sent []Sent
}

func (c *Client) Connect(ctx context.Context, accountID string) (kit.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.Accounts) > 0 {
		found := false
		for _, a := range c.Accounts {
			if strings.EqualFold(strings.TrimSpace(a), accountID) {
				found = true
				break
			}
		}
		if !found {
			return nil, kit.ErrUnknownAccount
		}
	}
	return kit.SessionFunc(func(ctx context.Context, lead, text string, _ *kit.SendOptions) (bool, error) {
		return c.send(ctx, accountID, lead, text)
	}), nil
}

func (c *Client) send(ctx context.Context, account, lead, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.Fail != nil {
		if err := c.Fail(account, lead); err != nil {
			return false, err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{Account: account, Lead: lead, Text: text, At: time.Now()})
	c.mu.Unlock()
	if !c.Log.IsZero() {
		c.Log.Info("dry-run send", logx.String("account", account), logx.String("lead", lead), logx.Int("chars", len(text)))
	}
	return true, nil
}

// Sent returns a copy of every recorded delivery.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}
