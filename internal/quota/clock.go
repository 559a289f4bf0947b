// Package quota keeps the rolling per-day send/error counters.
package quota

import (
	"strings"
	"sync"
	"time"
)

// DefaultTimezone is used when no timezone is configured.
const DefaultTimezone = "America/Argentina/Cordoba"

// Kind selects which counter Bump touches.
type Kind string

const (
	Sent   Kind = "sent"
	Errors Kind = "errors"
)

// Snapshot is a point-in-time view of the clock.
type Snapshot struct {
	Date      string    `json:"date"`
	Sent      int       `json:"sent"`
	Errors    int       `json:"errors"`
	NextReset time.Time `json:"next_reset"`
}

// Clock counts sends and errors for the current local calendar day. Every
// access first rolls the day over if local midnight has passed.
type Clock struct {
	mu  sync.Mutex
	loc *time.Location
	now func() time.Time

	date      string
	sent      int
	errors    int
	nextReset time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow injects the wall clock. Tests use it to simulate midnight.
func WithNow(fn func() time.Time) Option {
	return func(c *Clock) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New returns a Clock in loc (UTC when nil).
func New(loc *time.Location, opts ...Option) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	c := &Clock{loc: loc, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.resetLocked(c.now().In(c.loc))
	return c
}

// LoadLocation resolves a timezone name, falling back to DefaultTimezone and
// then UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

// Bump adds delta to the counter named by kind. Negative deltas are ignored
// so counters never decrease within a day.
func (c *Clock) Bump(kind Kind, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	if delta <= 0 {
		return
	}
	switch kind {
	case Sent:
		c.sent += delta
	case Errors:
		c.errors += delta
	}
}

// Counts returns today's (sent, errors).
func (c *Clock) Counts() (sent, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return c.sent, c.errors
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return Snapshot{Date: c.date, Sent: c.sent, Errors: c.errors, NextReset: c.nextReset}
}

func (c *Clock) rollLocked() {
	now := c.now().In(c.loc)
	if !now.Before(c.nextReset) || now.Format(time.DateOnly) != c.date {
		c.resetLocked(now)
	}
}

func (c *Clock) resetLocked(now time.Time) {
	c.date = now.Format(time.DateOnly)
	c.sent = 0
	c.errors = 0
	c.nextReset = time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, c.loc)
}
