package track

import (
	"errors"
	"fmt"
	"time"
)

// Snapshot is one fetched reading of a player's cumulative counters.
// TimePlayed is seconds of accumulated playtime; Kills is lifetime kills.
type Snapshot struct {
	TimePlayed int64 `json:"time_played"`
	Kills      int64 `json:"kills"`
}

// FetchErrorKind classifies why a snapshot fetch failed.
type FetchErrorKind string

const (
	FetchNotFound    FetchErrorKind = "not_found"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchTimeout     FetchErrorKind = "timeout"
	FetchUnavailable FetchErrorKind = "unavailable"
	FetchMalformed   FetchErrorKind = "malformed"
)

// FetchError is a classified snapshot-fetch failure.
//
// Evaluate treats every kind identically (stay silent, keep state); the
// kinds exist for logging and for the one-shot lookup command, which
// surfaces NotFound to the user.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func NewFetchError(kind FetchErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the FetchErrorKind from err, if err wraps a FetchError.
func KindOf(err error) (FetchErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe != nil {
		return fe.Kind, true
	}
	return "", false
}

// FetchResult is the outcome of one snapshot fetch: a Snapshot or a
// classified failure.
type FetchResult struct {
	Snapshot Snapshot
	Err      *FetchError
}

func Ok(s Snapshot) FetchResult        { return FetchResult{Snapshot: s} }
func Fail(err *FetchError) FetchResult { return FetchResult{Err: err} }
func (r FetchResult) OK() bool         { return r.Err == nil }

// Result adapts a (Snapshot, error) pair, as returned by the stats client,
// into a FetchResult. Errors that don't carry a FetchError are classified
// as Unavailable.
func Result(s Snapshot, err error) FetchResult {
	if err == nil {
		return Ok(s)
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe != nil {
		return Fail(fe)
	}
	return Fail(NewFetchError(FetchUnavailable, err))
}

// SessionState is the persisted per-player record.
//
// LastSeenKills is the kills baseline for the current notification window
// (session start), not the most recent reading: reported kill deltas grow
// cumulatively within one session. LastSeenTimePlayed tracks the most
// recent observed playtime counter. SessionStartTimePlayed remembers the
// playtime baseline at session open so the close summary can report total
// session minutes.
type SessionState struct {
	LastSeenTimePlayed     int64      `json:"last_seen_time_played"`
	LastSeenKills          int64      `json:"last_seen_kills"`
	SessionStartTimePlayed int64      `json:"session_start_time_played"`
	LastActivityAt         time.Time  `json:"last_activity_at"`
	SessionActive          bool       `json:"session_active"`
	LastNotifiedAt         *time.Time `json:"last_notified_at,omitempty"`
}

// DecisionKind says what the caller should do with a poll tick.
type DecisionKind int

const (
	DecideStaySilent DecisionKind = iota
	DecideNotify
	DecideMarkInactive
)

func (k DecisionKind) String() string {
	switch k {
	case DecideStaySilent:
		return "stay_silent"
	case DecideNotify:
		return "notify"
	case DecideMarkInactive:
		return "mark_inactive"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

// Decision is Evaluate's verdict for one tick. The engine never formats
// text; deltas carry the data a renderer needs.
//
// For DecideNotify, KillDelta is cumulative since session start and
// TimePlayedDelta is the per-tick playtime movement. SessionStart is true
// when this tick opened the session. For DecideMarkInactive both deltas are
// session totals.
type Decision struct {
	Kind            DecisionKind
	Identity        string
	KillDelta       int64
	TimePlayedDelta int64
	SessionStart    bool
}
