package llm

import (
	"encoding/json"
	"strings"
)

// cleanResponseText strips whitespace and a surrounding Markdown code fence,
// which models add even in JSON mode.
func cleanResponseText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string ("json")
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// dropNulls removes null-valued object members recursively so optional
// fields the model spelled as null validate as absent.
func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			t[k] = dropNulls(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = dropNulls(val)
		}
		return t
	default:
		return v
	}
}

// decodeResponse parses model text into a generic JSON value and re-encodes
// the normalized form.
func decodeResponse(text string) (any, json.RawMessage, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, nil, err
	}
	v = dropNulls(v)
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return v, raw, nil
}
