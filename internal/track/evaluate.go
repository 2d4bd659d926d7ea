package track

import "time"

// Evaluate advances one player's session state by one poll tick and returns
// the next state plus a Decision for the caller.
//
// prior is nil for a never-observed player. The returned state is either a
// fresh value or prior itself when nothing changed; callers must treat it
// as the authoritative record either way.
//
// idleTimeout is the inactivity window after which an open session closes.
func Evaluate(identity string, prior *SessionState, res FetchResult, now time.Time, idleTimeout time.Duration) (*SessionState, Decision) {
	silent := Decision{Kind: DecideStaySilent, Identity: identity}

	// Fetch failures are expected and transient. Keep what we knew.
	if !res.OK() {
		return prior, silent
	}
	snap := res.Snapshot

	// First-ever observation, or the external playtime counter went
	// backwards (account reset, API glitch): (re)baseline and say nothing.
	// A reset must never produce a negative delta or a false notification.
	if prior == nil || snap.TimePlayed < prior.LastSeenTimePlayed {
		return &SessionState{
			LastSeenTimePlayed:     snap.TimePlayed,
			LastSeenKills:          snap.Kills,
			SessionStartTimePlayed: snap.TimePlayed,
			LastActivityAt:         now,
			SessionActive:          false,
		}, silent
	}

	// Unchanged playtime: no new activity since the previous tick.
	if snap.TimePlayed == prior.LastSeenTimePlayed {
		if prior.SessionActive && now.Sub(prior.LastActivityAt) > idleTimeout {
			// Session over. Report totals and refresh both baselines so
			// the next session starts clean.
			st := *prior
			st.SessionActive = false
			st.LastSeenKills = snap.Kills
			st.SessionStartTimePlayed = st.LastSeenTimePlayed
			return &st, Decision{
				Kind:            DecideMarkInactive,
				Identity:        identity,
				KillDelta:       clampDelta(snap.Kills - prior.LastSeenKills),
				TimePlayedDelta: prior.LastSeenTimePlayed - prior.SessionStartTimePlayed,
			}
		}
		return prior, silent
	}

	// Playtime moved: the player is (still) in game.
	st := *prior
	st.LastSeenTimePlayed = snap.TimePlayed
	st.LastActivityAt = now
	st.SessionActive = true

	d := Decision{
		Kind:            DecideNotify,
		Identity:        identity,
		TimePlayedDelta: snap.TimePlayed - prior.LastSeenTimePlayed,
	}
	if !prior.SessionActive {
		// Opening a session: measure it against the pre-activity baseline.
		st.SessionStartTimePlayed = prior.LastSeenTimePlayed
		d.SessionStart = true
	}
	if snap.Kills < prior.LastSeenKills {
		// Kills counter reset on its own (playtime kept moving): rebase
		// and report zero for this tick.
		st.LastSeenKills = snap.Kills
	} else {
		d.KillDelta = snap.Kills - prior.LastSeenKills
	}
	st.LastNotifiedAt = &now
	return &st, d
}

func clampDelta(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
