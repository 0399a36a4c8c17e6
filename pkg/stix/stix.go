// Package stix holds the subset of the STIX 2.1 object model the pipeline
// produces: indicators, notes, observed data, relationships and bundles.
package stix

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/observable"
)

// SpecVersion is the STIX version stamped on every object.
const SpecVersion = "2.1"

// Object type names.
const (
	TypeIndicator    = "indicator"
	TypeNote         = "note"
	TypeObservedData = "observed-data"
	TypeRelationship = "relationship"
	TypeBundle       = "bundle"
)

// Object is any STIX object that can be placed in a bundle.
type Object interface {
	ObjectType() string
	ObjectID() string
}

// Timestamp marshals as RFC 3339 UTC with millisecond precision.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) String() string {
	return t.UTC().Format(timestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("stix: invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// ExternalReference points at material outside the bundle.
type ExternalReference struct {
	SourceName  string `json:"source_name"`
	URL         string `json:"url,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Indicator is a detection pattern derived from an observable.
type Indicator struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	Created            Timestamp           `json:"created"`
	Modified           Timestamp           `json:"modified"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	PatternType        string              `json:"pattern_type"`
	Pattern            string              `json:"pattern"`
	ValidFrom          Timestamp           `json:"valid_from"`
	Confidence         int                 `json:"confidence"`
	Labels             []string            `json:"labels,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`

	// Observable the pattern was built from. Not serialized.
	Observable *observable.Observable `json:"-"`
}

func (i *Indicator) ObjectType() string { return i.Type }
func (i *Indicator) ObjectID() string   { return i.ID }

// HasLabel reports whether the indicator carries label.
func (i *Indicator) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabel appends label once.
func (i *Indicator) AddLabel(label string) {
	if !i.HasLabel(label) {
		i.Labels = append(i.Labels, label)
	}
}

// Note is free-text intelligence with no recognised observable.
type Note struct {
	Type        string    `json:"type"`
	SpecVersion string    `json:"spec_version"`
	ID          string    `json:"id"`
	Created     Timestamp `json:"created"`
	Modified    Timestamp `json:"modified"`
	Content     string    `json:"content"`
	ObjectRefs  []string  `json:"object_refs"`
	Confidence  int       `json:"confidence"`
}

func (n *Note) ObjectType() string { return n.Type }
func (n *Note) ObjectID() string   { return n.ID }

// ObservedData records that an observable was seen.
type ObservedData struct {
	Type           string                    `json:"type"`
	SpecVersion    string                    `json:"spec_version"`
	ID             string                    `json:"id"`
	Created        Timestamp                 `json:"created"`
	Modified       Timestamp                 `json:"modified"`
	FirstObserved  Timestamp                 `json:"first_observed"`
	LastObserved   Timestamp                 `json:"last_observed"`
	NumberObserved int                       `json:"number_observed"`
	Objects        map[string]map[string]any `json:"objects"`
}

func (o *ObservedData) ObjectType() string { return o.Type }
func (o *ObservedData) ObjectID() string   { return o.ID }

// Relationship links two objects by id.
type Relationship struct {
	Type             string    `json:"type"`
	SpecVersion      string    `json:"spec_version"`
	ID               string    `json:"id"`
	Created          Timestamp `json:"created"`
	Modified         Timestamp `json:"modified"`
	RelationshipType string    `json:"relationship_type"`
	SourceRef        string    `json:"source_ref"`
	TargetRef        string    `json:"target_ref"`
	Confidence       int       `json:"confidence"`
}

func (r *Relationship) ObjectType() string { return r.Type }
func (r *Relationship) ObjectID() string   { return r.ID }

// Bundle is the container submitted to knowledge-graph sinks.
type Bundle struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	SpecVersion string   `json:"spec_version"`
	Objects     []Object `json:"objects"`
}

func (b *Bundle) ObjectType() string { return b.Type }
func (b *Bundle) ObjectID() string   { return b.ID }

// Indicators returns the indicators of b in order.
func (b *Bundle) Indicators() []*Indicator {
	var out []*Indicator
	for _, o := range b.Objects {
		if ind, ok := o.(*Indicator); ok {
			out = append(out, ind)
		}
	}
	return out
}

// CountByType tallies objects by type name.
func (b *Bundle) CountByType() map[string]int {
	out := make(map[string]int)
	for _, o := range b.Objects {
		out[o.ObjectType()]++
	}
	return out
}

// MarshalJSON always emits an objects array, never null.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	type alias Bundle
	cp := alias(*b)
	if cp.Objects == nil {
		cp.Objects = []Object{}
	}
	return json.Marshal(cp)
}

// ParseBundle decodes a serialized bundle, typing each object by its
// "type" field. Unknown object types are rejected.
func ParseBundle(data []byte) (*Bundle, error) {
	var raw struct {
		Type        string            `json:"type"`
		ID          string            `json:"id"`
		SpecVersion string            `json:"spec_version"`
		Objects     []json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("stix: decode bundle: %w", err)
	}
	if raw.Type != TypeBundle {
		return nil, fmt.Errorf("stix: expected bundle, got %q", raw.Type)
	}

	b := &Bundle{Type: raw.Type, ID: raw.ID, SpecVersion: raw.SpecVersion, Objects: make([]Object, 0, len(raw.Objects))}
	for i, msg := range raw.Objects {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &head); err != nil {
			return nil, fmt.Errorf("stix: object %d: %w", i, err)
		}
		var obj Object
		switch head.Type {
		case TypeIndicator:
			obj = &Indicator{}
		case TypeNote:
			obj = &Note{}
		case TypeObservedData:
			obj = &ObservedData{}
		case TypeRelationship:
			obj = &Relationship{}
		default:
			return nil, fmt.Errorf("stix: object %d: unsupported type %q", i, head.Type)
		}
		if err := json.Unmarshal(msg, obj); err != nil {
			return nil, fmt.Errorf("stix: object %d: %w", i, err)
		}
		b.Objects = append(b.Objects, obj)
	}
	return b, nil
}

var idPattern = regexp.MustCompile(`^([a-z][a-z0-9-]*)--[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewID returns "<type>--<uuid>".
func NewID(objectType string, id uuid.UUID) string {
	return objectType + "--" + id.String()
}

// ValidID reports whether id is "<objectType>--<uuid>".
func ValidID(objectType, id string) bool {
	m := idPattern.FindStringSubmatch(id)
	return m != nil && m[1] == objectType
}

// TypeOfID returns the type prefix of a STIX id.
func TypeOfID(id string) string {
	if idx := strings.Index(id, "--"); idx > 0 {
		return id[:idx]
	}
	return ""
}

var (
	_ Object = (*Indicator)(nil)
	_ Object = (*Note)(nil)
	_ Object = (*ObservedData)(nil)
	_ Object = (*Relationship)(nil)
	_ Object = (*Bundle)(nil)
)
