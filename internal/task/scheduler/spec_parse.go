package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized shape of a schedule string: a cron
// expression handled by robfig/cron, or a fixed repeat interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is the result of ParseSchedule. Source records which input
// form produced it ("cron", "duration" or "hhmm") so user-facing
// surfaces can echo the schedule back the way it was written.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

var clockRe = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule normalizes a user-entered schedule string.
//
// Accepted forms:
//   - cron expressions and descriptors: "*/5 * * * *", "@hourly", "@every 55m"
//   - Go durations: "55m", "2h30m"
//   - HH:MM intervals: "00:50" is every 50 minutes, "02:30" every 2.5 hours
//
// A "cron:", "interval:" or "every:" prefix forces the interpretation
// when the heuristics would guess wrong.
func ParseSchedule(raw string) (ParsedSpec, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	switch prefix, rest := splitForcePrefix(text); prefix {
	case "cron:":
		if rest == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	case "interval:", "every:":
		every, src, err := parseEvery(rest)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: every, Source: src}, nil
	}

	// Whitespace or a leading @ cannot be a duration, so it must be cron.
	if strings.ContainsAny(text, " \t\n\r") || text[0] == '@' {
		return ParsedSpec{Kind: SpecCron, Cron: text, Source: "cron"}, nil
	}

	if clockRe.MatchString(text) {
		every, err := clockSpan(text)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: every, Source: "hhmm"}, nil
	}

	if every, err := time.ParseDuration(text); err == nil {
		if every <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: every, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// splitForcePrefix strips a recognized forcing prefix,
// case-insensitively. Returns the matched prefix in canonical lowercase
// and the trimmed remainder, or ("", text) when no prefix applies.
func splitForcePrefix(text string) (prefix, rest string) {
	for _, want := range []string{"cron:", "interval:", "every:"} {
		if len(text) >= len(want) && strings.EqualFold(text[:len(want)], want) {
			return want, strings.TrimSpace(text[len(want):])
		}
	}
	return "", text
}

func parseEvery(in string) (time.Duration, string, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if clockRe.MatchString(in) {
		every, err := clockSpan(in)
		return every, "hhmm", err
	}
	every, err := time.ParseDuration(in)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", in)
	}
	if every <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return every, "duration", nil
}

// clockSpan reads "HH:MM" as a total duration, not a wall-clock time:
// hours may run past 23 (up to three digits), minutes must stay under
// 60.
func clockSpan(in string) (time.Duration, error) {
	parts := clockRe.FindStringSubmatch(in)
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", in)
	}
	hours, _ := strconv.Atoi(parts[1])
	minutes, _ := strconv.Atoi(parts[2])
	if minutes > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", in)
	}
	span := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	if span <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return span, nil
}
