package extractor

import (
	"strconv"
	"strings"

	"github.com/alpha-watch/alpha-watch/internal/model"
	"github.com/alpha-watch/alpha-watch/internal/timeutil"
)

var tokenKeys = []string{"token", "coin", "project", "name", "symbol", "ticker"}
var timeKeys = []string{"time", "start_time", "startTime", "listing_time", "airdrop_time", "airdropTime"}

// ExtractJSON walks each captured payload recursively; any list of objects
// found at any path is a candidate section, labelled by the dotted key
// path that led to it (the label itself is only used for section
// normalization, not retained on the Event).
func ExtractJSON(payloads []map[string]any) []model.Event {
	var events []model.Event
	for _, payload := range payloads {
		walkJSON(payload, "", &events)
	}
	return events
}

func walkJSON(node any, path string, out *[]model.Event) {
	switch v := node.(type) {
	case map[string]any:
		for key, value := range v {
			nestedKey := key
			if path != "" {
				nestedKey = path + "." + key
			}
			if list, ok := asObjectList(value); ok {
				section := timeutil.NormalizeSection(nestedKey)
				extractJSONSection(list, section, out)
				continue
			}
			walkJSON(value, nestedKey, out)
		}
	case []any:
		for _, item := range v {
			walkJSON(item, path, out)
		}
	}
}

func asObjectList(value any) ([]map[string]any, bool) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

func extractJSONSection(items []map[string]any, section string, out *[]model.Event) {
	for _, item := range items {
		token, ok := selectFirst(item, tokenKeys)
		if !ok || strings.TrimSpace(token) == "" {
			continue
		}
		rawTime, _ := selectFirst(item, timeKeys)

		details := make(map[string]any, len(item))
		for key, value := range item {
			if isConsumedKey(key, tokenKeys) || isConsumedKey(key, timeKeys) {
				continue
			}
			details[key] = value
		}

		*out = append(*out, model.Event{
			Token:   strings.TrimSpace(token),
			Section: model.Section(section),
			RawTime: rawTime,
			Details: details,
			Source:  model.SourceJSON,
		})
	}
}

// isConsumedKey reports whether key is one of the spellings selectFirst
// reads a token or time value from. A key that supplied (or could supply)
// the token/time is consumed, not copied into details.
func isConsumedKey(key string, keys []string) bool {
	for _, k := range keys {
		for _, candidate := range variants(k) {
			if key == candidate {
				return true
			}
		}
	}
	return false
}

// selectFirst tries each key in order, plus its capitalized/upper/lower
// variants, returning the first non-empty string-ish value found.
func selectFirst(data map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		for _, candidate := range variants(key) {
			if v, ok := data[candidate]; ok {
				if s, ok := stringifyJSONValue(v); ok && s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

func variants(key string) []string {
	return []string{key, capitalizeASCII(key), strings.ToUpper(key), strings.ToLower(key)}
}

func capitalizeASCII(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 32
	}
	return string(b)
}

func stringifyJSONValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return trimFloat(t), true
	case nil:
		return "", false
	default:
		return "", false
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
