package gametools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fragbot/internal/track"
)

// statsResponse picks the two counters the tracker cares about out of the
// (much larger) stats document. Pointer fields so absent counters are
// distinguishable from zero.
type statsResponse struct {
	UserName      string     `json:"userName"`
	SecondsPlayed *flexInt64 `json:"secondsPlayed"`
	Kills         *flexInt64 `json:"kills"`
}

// flexInt64 decodes a counter the API may serialize as a JSON number or as a
// numeric string, depending on the format_values query parameter. Formatted
// strings ("12,345") are accepted too.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.ReplaceAll(strings.TrimSpace(str), ",", "")
		if s == "" {
			return errors.New("empty numeric string")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse counter %q: %w", s, err)
	}
	*f = flexInt64(v)
	return nil
}

func decodeSnapshot(body []byte) (track.Snapshot, error) {
	var sr statsResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return track.Snapshot{}, track.NewFetchError(track.FetchMalformed, fmt.Errorf("decode stats: %w", err))
	}
	if sr.SecondsPlayed == nil || sr.Kills == nil {
		return track.Snapshot{}, track.NewFetchError(track.FetchMalformed, errors.New("stats response missing counters"))
	}
	snap := track.Snapshot{
		TimePlayed: int64(*sr.SecondsPlayed),
		Kills:      int64(*sr.Kills),
	}
	if snap.TimePlayed < 0 || snap.Kills < 0 {
		return track.Snapshot{}, track.NewFetchError(track.FetchMalformed,
			fmt.Errorf("negative counters: timePlayed=%d kills=%d", snap.TimePlayed, snap.Kills))
	}
	return snap, nil
}
