/*
Package log provides structured logging for the proxy data buffer using zerolog.

The package wraps zerolog to give every buffer component a JSON or
console-formatted logger with configurable level, without threading a
logger instance through every constructor.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (zerolog.Logger)                           │
	│    initialized once via log.Init()                        │
	│        │                                                   │
	│        ▼                                                   │
	│  Context Loggers                                           │
	│    WithComponent("pbuffer")                                │
	│      .With().Str("instance_id", id).Logger()               │
	└────────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	l := log.WithComponent("pbuffer").With().Str("instance_id", id.String()).Logger()
	l.Warn().Str("record_type", "history").Msg("arena saturated, dropping record")

# Design Patterns

Global logger + context-logger child pattern: one `Init` call at process
start, a single `.With()` child built per Buffer instance, and zerolog's own
builder chain at every call site that needs fields beyond that (record
type, state transition, retry count).

Never log record payload values (history/discovery/autoreg fields may carry
operator-supplied strings); log ids, counts, and states only.
*/
package log
