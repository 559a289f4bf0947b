// Package dispatch runs one campaign: it rotates leads across sending
// accounts under a global concurrency cap while keeping every account to one
// attempt at a time and honouring its pacing delay.
//
// Ownership:
//   - The Scheduler goroutine owns the lead queue and every account's
//     remaining capacity. Workers never touch either.
//   - Workers report exactly one Event per dequeued lead on a buffered
//     channel the Scheduler drains.
//   - The quota Clock and the Tracker are the only state shared with
//     workers and carry their own locks.
//
// Run states: preflight, running, draining, stopped.
package dispatch
