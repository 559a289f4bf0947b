// Package faults classifies send failures into a fixed taxonomy.
//
// Transports that know what went wrong return a *Fault with a Kind set at the
// boundary. Everything else (plain errors from SDKs that only expose text) is
// matched against an ordered keyword table where the first match wins.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the tagged variant of a transport fault.
type Kind string

const (
	KindUnknown             Kind = ""
	KindLoginRequired       Kind = "login_required"
	KindChallengeRequired   Kind = "challenge_required"
	KindTemporaryBlock      Kind = "temporary_block"
	KindRateLimit           Kind = "rate_limit"
	KindCheckpoint          Kind = "checkpoint"
	KindConsentRequired     Kind = "consent_required"
	KindRecipientRestricted Kind = "recipient_restricted"
	KindUserNotFound        Kind = "user_not_found"
	KindSpamBlock           Kind = "spam_block"
	KindNetwork             Kind = "network"
)

// Scope says what a failure invalidates.
type Scope string

const (
	ScopeNone      Scope = ""
	ScopeAccount   Scope = "account"
	ScopeRecipient Scope = "recipient"
	ScopeNetwork   Scope = "network"
)

// Fault is an error raised at the transport boundary with a known Kind.
type Fault struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return string(f.Kind)
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// New returns a *Fault for kind.
func New(kind Kind, detail string, err error) *Fault {
	return &Fault{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the tagged Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f.Kind
	}
	return KindUnknown
}
