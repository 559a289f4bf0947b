package transport

import (
	"context"
	"errors"
)

// ErrUnknownAccount is returned by Connect for ids the client has no
// credentials for.
var ErrUnknownAccount = errors.New("unknown account")

// Client is the messaging capability the dispatcher sends through. Any
// transport satisfying it can be rotated over.
type Client interface {
	// Connect returns a session bound to one sending account. Failures should
	// be *faults.Fault when the transport knows the cause.
	Connect(ctx context.Context, accountID string) (Session, error)
}

// Session sends as one account.
type Session interface {
	// Send delivers text to lead. ok=false with a nil error means the
	// provider accepted the call but did not confirm delivery.
	Send(ctx context.Context, lead string, text string, opt *SendOptions) (ok bool, err error)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, accountID string) (Session, error)

func (f ClientFunc) Connect(ctx context.Context, accountID string) (Session, error) {
	return f(ctx, accountID)
}

// SessionFunc adapts a function to Session.
type SessionFunc func(ctx context.Context, lead, text string, opt *SendOptions) (bool, error)

func (f SessionFunc) Send(ctx context.Context, lead, text string, opt *SendOptions) (bool, error) {
	return f(ctx, lead, text, opt)
}
