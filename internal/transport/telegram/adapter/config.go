package adapter

import "time"

type Config struct {
	// Token authenticates against the Bot API. It must never reach the
	// log stream.
	Token string
	// PollTimeout bounds each getUpdates long poll. Zero means 10s.
	PollTimeout time.Duration
}
