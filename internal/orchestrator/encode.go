package orchestrator

import "encoding/json"

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// jsonMarshalString prepares a raw response body for storage in a JSONB
// column. The upstream endpoint is not guaranteed to return JSON, so a
// body that doesn't already parse as JSON is wrapped as a JSON string
// rather than passed through verbatim — an unescaped plain-text body
// would otherwise fail the column's JSON validation on insert.
func jsonMarshalString(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if json.Valid([]byte(s)) {
		return []byte(s), nil
	}
	return json.Marshal(s)
}
