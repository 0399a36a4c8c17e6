package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// text decodes any JSON scalar into a string; null, objects and arrays
// become "".
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		*t = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	case 'n', '{', '[':
		*t = ""
	default:
		// numbers and booleans keep their literal form
		*t = text(b)
	}
	return nil
}

// number decodes a JSON number or a numeric string; anything else is 0.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*n = number(f)
			return nil
		}
	}
	*n = 0
	return nil
}

// record is the union of fields programmatic and restricted sources use.
type record struct {
	ID          text   `json:"id"`
	Title       text   `json:"title"`
	Name        text   `json:"name"`
	Summary     text   `json:"summary"`
	Description text   `json:"description"`
	Body        text   `json:"body"`
	URL         text   `json:"url"`
	Indicator   text   `json:"indicator"`
	Confidence  number `json:"confidence"`
}

// decodeRecords accepts a top-level array or an object holding the array
// under key. An object without key yields no records.
func decodeRecords(body []byte, key string) ([]record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	switch body[0] {
	case '[':
		var recs []record
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		return recs, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		raw, ok := wrapper[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, nil
		}
		var recs []record
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return recs, nil
	default:
		return nil, fmt.Errorf("response is neither a JSON array nor an object")
	}
}

func firstNonEmpty(values ...text) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}
