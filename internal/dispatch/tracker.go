package dispatch

import (
	"sort"
	"strings"
	"sync"
)

// DefaultEscalationSuggestion is used when a reason has no suggestion.
const DefaultEscalationSuggestion = "pause the campaign or adjust delays/concurrency before continuing"

// Escalation is the one-time notice raised when a reason repeats.
type Escalation struct {
	Key        string `json:"key"`
	Label      string `json:"label"`
	Count      int    `json:"count"`
	Suggestion string `json:"suggestion"`
}

// Tracker counts failures per normalized reason and escalates each reason at
// most once per run.
type Tracker struct {
	threshold int

	mu      sync.Mutex
	entries map[string]*trackerEntry
}

type trackerEntry struct {
	count      int
	alerted    bool
	label      string
	suggestion string
}

// NewTracker returns a tracker escalating at threshold (<=0 means 3).
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Tracker{threshold: threshold, entries: map[string]*trackerEntry{}}
}

// ReasonKey is the reason code, else the lowercased label, else the
// lowercased detail.
func ReasonKey(ev Event) string {
	if k := strings.ToLower(strings.TrimSpace(ev.ReasonCode)); k != "" {
		return k
	}
	if k := strings.ToLower(strings.TrimSpace(ev.ReasonLabel)); k != "" {
		return k
	}
	return strings.ToLower(strings.TrimSpace(ev.Detail))
}

// Record counts a failed event. It returns the escalation the first time the
// reason's count reaches the threshold.
func (t *Tracker) Record(ev Event) (Escalation, bool) {
	if ev.Success {
		return Escalation{}, false
	}
	key := ReasonKey(ev)
	if key == "" {
		return Escalation{}, false
	}
	label := ev.ReasonLabel
	if label == "" {
		label = ev.Detail
	}
	if label == "" {
		label = "unknown error"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		e = &trackerEntry{label: label, suggestion: ev.Suggestion}
		t.entries[key] = e
	}
	e.count++
	if ev.ReasonLabel != "" {
		e.label = ev.ReasonLabel
	}
	if e.suggestion == "" && ev.Suggestion != "" {
		e.suggestion = ev.Suggestion
	}
	if e.alerted || e.count < t.threshold {
		return Escalation{}, false
	}
	e.alerted = true
	sug := e.suggestion
	if sug == "" {
		sug = DefaultEscalationSuggestion
	}
	return Escalation{Key: key, Label: e.label, Count: e.count, Suggestion: sug}, true
}

// Counts returns failure counts by reason key.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.count
	}
	return out
}

// Keys returns tracked keys sorted by count desc, then key.
func (t *Tracker) Keys() []string {
	counts := t.Counts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
