// Package track is the session-tracking engine.
//
// It owns one SessionState per tracked player and advances it one poll tick
// at a time through Evaluate: given the previous state and the latest stats
// snapshot (or fetch failure), it decides whether the player just started
// playing, kept playing, went idle long enough to close the session, or
// whether an external counter reset happened.
//
// Contract:
//   - Evaluate is a pure function of its inputs plus the supplied clock
//     value. It performs no I/O and never blocks. Fetching, persistence and
//     message delivery all live in the caller (the tracker plugin).
//   - TimePlayed/Kills are cumulative lifetime counters reported by an
//     external system that may reset, stall, or be briefly unavailable.
//     Strict monotonicity is never assumed; a decrease rebaselines.
//   - Fetch failures are transient: state is left untouched and nothing is
//     reported. They must never escalate to fatal from this layer.
package track
