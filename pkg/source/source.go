// Package source models the upstream content sources the pipeline reads
// from and the registry that stores them.
package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/exploopio/intelpipe/pkg/errors"
)

// Type selects the collection strategy for a source.
type Type string

const (
	TypeFeed       Type = "feed"
	TypePage       Type = "page"
	TypeAPI        Type = "programmatic-API"
	TypeRestricted Type = "restricted-network"
	TypeUnknown    Type = ""
)

// Types lists every known source type.
var Types = []Type{TypeFeed, TypePage, TypeAPI, TypeRestricted}

// ParseType maps a stored type name to a Type. The short names used by
// older deployments (rss, html, api, darkweb) are accepted too.
// Anything else is TypeUnknown.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "feed", "rss", "atom":
		return TypeFeed
	case "page", "html":
		return TypePage
	case "programmatic-api", "api":
		return TypeAPI
	case "restricted-network", "darkweb":
		return TypeRestricted
	default:
		return TypeUnknown
	}
}

// Canonical returns the canonical spelling of t, or t unchanged when it
// is not recognised.
func (t Type) Canonical() Type {
	if c := ParseType(string(t)); c != TypeUnknown {
		return c
	}
	return t
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, k := range Types {
		if t == k {
			return true
		}
	}
	return false
}

// Source is an upstream content source.
type Source struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Type          Type          `json:"type" yaml:"type"`
	URL           string        `json:"url" yaml:"url"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Configuration Configuration `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	CreatedAt     time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time     `json:"updated_at" yaml:"-"`
	LastScannedAt *time.Time    `json:"last_scanned_at,omitempty" yaml:"-"`
}

// Configuration holds strategy-specific settings of a source:
// selector, method, headers, body, timeout.
type Configuration map[string]any

// RawConfigurationKey holds stored configuration text that could not be
// decoded when the source was loaded.
const RawConfigurationKey = "_raw"

// ParseConfiguration normalizes a stored configuration value. It accepts
// nil, a map, a JSON string, []byte or json.RawMessage. On a parse
// failure it returns an empty Configuration together with a
// KindConfigParse error; callers log it as a warning and carry on.
func ParseConfiguration(raw any) (Configuration, error) {
	const op = "source.ParseConfiguration"

	switch v := raw.(type) {
	case nil:
		return Configuration{}, nil
	case Configuration:
		if v == nil {
			return Configuration{}, nil
		}
		if rawText, ok := v[RawConfigurationKey].(string); ok && len(v) == 1 {
			return parseJSONConfig(op, []byte(rawText))
		}
		return v, nil
	case map[string]any:
		if v == nil {
			return Configuration{}, nil
		}
		return Configuration(v), nil
	case string:
		return parseJSONConfig(op, []byte(v))
	case []byte:
		return parseJSONConfig(op, v)
	case json.RawMessage:
		return parseJSONConfig(op, v)
	default:
		return Configuration{}, errors.E(errors.KindConfigParse, op, fmt.Sprintf("unsupported configuration type %T", raw))
	}
}

func parseJSONConfig(op string, b []byte) (Configuration, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return Configuration{}, nil
	}
	var cfg Configuration
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Configuration{}, errors.E(errors.KindConfigParse, op, "invalid configuration JSON", err)
	}
	if cfg == nil {
		cfg = Configuration{}
	}
	return cfg, nil
}

// String returns a string setting or def when absent or not a string.
func (c Configuration) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns a numeric setting or def.
func (c Configuration) Int(key string, def int) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Headers returns the "headers" sub-object as string pairs. Non-string
// values are formatted with %v.
func (c Configuration) Headers() map[string]string {
	out := map[string]string{}
	raw, ok := c["headers"].(map[string]any)
	if !ok {
		if typed, ok := c["headers"].(map[string]string); ok {
			for k, v := range typed {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Method returns the HTTP method for programmatic sources (default GET).
func (c Configuration) Method() string {
	return strings.ToUpper(c.String("method", "GET"))
}

// Selector returns the CSS selector for page sources (default "article").
func (c Configuration) Selector() string {
	return c.String("selector", "article")
}

// Body returns the request body for programmatic sources. Objects and
// arrays are re-encoded as JSON.
func (c Configuration) Body() []byte {
	switch v := c["body"].(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}

// Timeout reads "timeout" as a Go duration ("45s") or a number of seconds.
func (c Configuration) Timeout(def time.Duration) time.Duration {
	switch v := c["timeout"].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return def
}
