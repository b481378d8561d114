// Package logx configures tablerun's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Job output forwarding bounded (optional per-second rate limit)
package logx
