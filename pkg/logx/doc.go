// Package logx is rotasend's structured logging facade over zerolog.
//
// A Logger is a small value; the zero value discards everything. The
// Service behind it owns the sinks:
//   - console output, human readable with short timestamps
//   - an append-only JSON file
//   - an optional alert hook fed WARN+ lines through a rate limiter,
//     used to echo problems on the operator console
//
// Service.Apply swaps sinks and levels at runtime when the config changes.
package logx
