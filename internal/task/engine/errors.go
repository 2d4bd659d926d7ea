package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
)

// NoRetry marks an error as permanent so retry gives up immediately. The
// stats client uses it for 404s: a player name that does not exist will not
// start existing on the next attempt.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("player %q not found", name))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{cause: err}
}

// IsNoRetry reports whether err carries the NoRetry marker.
func IsNoRetry(err error) bool {
	var marker noRetryError
	return errors.As(err, &marker)
}

type noRetryError struct {
	cause error
}

func (e noRetryError) Error() string { return "permanent: " + e.cause.Error() }
func (e noRetryError) Unwrap() error { return e.cause }

// RetryAfter attaches an explicit delay hint to err, for downstreams that say
// when to come back (the stats API's 429 Retry-After header). The engine
// respects the hint bounded by RetryMaxDelay, jitter still applies.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	return retryAfterError{cause: err, delay: delay}
}

// RetryAfterError is satisfied by errors carrying their own retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	cause error
	delay time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.delay, e.cause)
}

func (e retryAfterError) Unwrap() error { return e.cause }

func (e retryAfterError) RetryAfter() time.Duration { return e.delay }
