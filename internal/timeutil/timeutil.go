// Package timeutil normalizes the wildly heterogeneous time strings and
// section labels the upstream page publishes against a configured local
// timezone. Every function here is pure — no I/O, no global state.
package timeutil

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// tbaMarkers are raw_time values that mean "not yet announced," compared
// case-insensitively after trimming.
var tbaMarkers = map[string]bool{
	"":                true,
	"tba":             true,
	"to be announced": true,
	"待定":              true,
	"—":               true,
	"-":               true,
	"na":              true,
	"n/a":             true,
}

var hhmmPattern = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
var dateOnlyPattern = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)

// Now returns the current instant in the given zone. Callers validate
// the zone name at startup, which keeps Now infallible for use deep in
// the pipeline.
func Now(tz *time.Location) time.Time {
	return time.Now().In(tz)
}

// LoadLocation loads an IANA timezone by name.
func LoadLocation(name string) (*time.Location, error) {
	return time.LoadLocation(name)
}

// ParseEventTime tries, in order: full ISO-8601, first "HH:MM" occurrence
// (combined with reference's date, rolled forward a day if that would put
// it more than an hour in the past), then first "YYYY-MM-DD" occurrence at
// local midnight. TBA markers return (nil, nil) — absent, not an error.
func ParseEventTime(raw string, tz *time.Location, reference time.Time) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if tbaMarkers[strings.ToLower(trimmed)] {
		return nil, nil
	}

	if t, ok := parseISO(trimmed, tz); ok {
		return &t, nil
	}
	if t, ok := parseHHMM(trimmed, tz, reference); ok {
		return &t, nil
	}
	if t, ok := parseDateOnly(trimmed, tz); ok {
		return &t, nil
	}
	return nil, nil
}

// parseISO treats a trailing "Z" as "+00:00"; if the parsed value has no
// zone offset, it is attached to tz before converting to tz.
func parseISO(value string, tz *time.Location) (time.Time, bool) {
	normalized := value
	if strings.HasSuffix(normalized, "Z") {
		normalized = strings.TrimSuffix(normalized, "Z") + "+00:00"
	}

	layouts := []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
	}
	for _, layout := range layouts {
		if strings.Contains(layout, "Z07:00") {
			if t, err := time.Parse(layout, normalized); err == nil {
				return t.In(tz), true
			}
			continue
		}
		// Naive layout: parse in tz directly, since there's no offset to
		// convert from.
		if t, err := time.ParseInLocation(layout, normalized, tz); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseHHMM implements the midnight-rollover rule (P2): combine the first
// HH:MM occurrence with reference's date; if that candidate precedes
// reference by more than one hour, add a day.
func parseHHMM(value string, tz *time.Location, reference time.Time) (time.Time, bool) {
	m := hhmmPattern.FindStringSubmatch(value)
	if m == nil {
		return time.Time{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	ref := reference.In(tz)
	candidate := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, 0, 0, tz)
	if candidate.Before(reference.Add(-1 * time.Hour)) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, true
}

func parseDateOnly(value string, tz *time.Location) (time.Time, bool) {
	m := dateOnlyPattern.FindStringSubmatch(value)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, tz), true
}

// IsWithinWindow reports whether eventTime is at or after now and no more
// than aheadMinutes in the future.
func IsWithinWindow(eventTime *time.Time, now time.Time, aheadMinutes int) bool {
	if eventTime == nil {
		return false
	}
	if eventTime.Before(now) {
		return false
	}
	return eventTime.Sub(now) <= time.Duration(aheadMinutes)*time.Minute
}

// QuietWindow is a wall-clock [start, end) window, expressed as
// minutes-since-midnight so membership checks need no date arithmetic.
type QuietWindow struct {
	StartMinute int
	EndMinute   int
}

// ParseQuietHours accepts "HH:MM<delim>HH:MM" with delimiter in
// {-, –, —, " to "}, or two space-separated "HH:MM"s. Returns false on
// malformed input.
func ParseQuietHours(raw string) (QuietWindow, bool) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return QuietWindow{}, false
	}

	var parts []string
	switch {
	case strings.Contains(cleaned, " to "):
		parts = splitTrim(cleaned, " to ")
	case strings.ContainsRune(cleaned, '-'):
		parts = splitTrim(cleaned, "-")
	case strings.ContainsRune(cleaned, '–'):
		parts = splitTrim(cleaned, "–")
	case strings.ContainsRune(cleaned, '—'):
		parts = splitTrim(cleaned, "—")
	default:
		parts = strings.Fields(cleaned)
	}
	if len(parts) != 2 {
		return QuietWindow{}, false
	}

	start, ok := parseClockMinutes(parts[0])
	if !ok {
		return QuietWindow{}, false
	}
	end, ok := parseClockMinutes(parts[1])
	if !ok {
		return QuietWindow{}, false
	}
	return QuietWindow{StartMinute: start, EndMinute: end}, true
}

func splitTrim(s, sep string) []string {
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseClockMinutes(value string) (int, bool) {
	hm := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(hm) != 2 {
		return 0, false
	}
	hour, err1 := strconv.Atoi(hm[0])
	minute, err2 := strconv.Atoi(hm[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// InQuietHours reports window membership for now. A nil window (no quiet
// hours configured) is never active. If start <= end the window is the
// inclusive-exclusive [start, end) same-day range; otherwise it wraps past
// midnight.
func InQuietHours(now time.Time, window *QuietWindow) bool {
	if window == nil {
		return false
	}
	nowMinute := now.Hour()*60 + now.Minute()
	if window.StartMinute <= window.EndMinute {
		return nowMinute >= window.StartMinute && nowMinute < window.EndMinute
	}
	return nowMinute >= window.StartMinute || nowMinute < window.EndMinute
}

// NormalizeSection maps free-form heading text to the closed section
// enumeration, scanning for the configured keyword sets before falling
// back to a plain substring match.
func NormalizeSection(text string) string {
	lowered := strings.ToLower(text)
	for _, kw := range todayKeywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return "today"
		}
	}
	for _, kw := range upcomingKeywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return "upcoming"
		}
	}
	if strings.Contains(lowered, "today") {
		return "today"
	}
	if strings.Contains(lowered, "upcoming") {
		return "upcoming"
	}
	return "unknown"
}

var todayKeywords = []string{
	"today", "today's airdrops", "今日", "今日上币", "今日空投", "today list",
}

var upcomingKeywords = []string{
	"upcoming", "即将", "即将上币", "即将空投", "upcoming list",
}

// LooksLikeTime reports whether a free-form fragment looks like a time
// value: an HH:MM pattern, a YYYY-MM-DD pattern, or a recognized TBA
// marker.
func LooksLikeTime(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	if hhmmPattern.MatchString(trimmed) {
		return true
	}
	if dateOnlyPattern.MatchString(trimmed) {
		return true
	}
	return tbaMarkers[strings.ToLower(trimmed)]
}
