// Package storage persists send results.
//
// It backs three things:
//   - the per-send result log (one row per terminal event)
//   - "already contacted" lookups used to filter lead lists
//   - lifetime OK/failed totals shown next to run counts
package storage
