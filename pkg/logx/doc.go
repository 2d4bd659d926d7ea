// Package logx is fragbot's structured logging layer. A small Logger
// type wraps zerolog so call sites attach fields without building event
// chains, while the Service swaps sinks underneath on config reload: a
// readable console stream (short timestamp, short caller), a JSON file
// rotated by lumberjack, and an optional rate-limited Telegram relay.
package logx
