package stix

import (
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/fingerprint"
	"github.com/exploopio/intelpipe/pkg/observable"
)

// Namespace seeds content-derived (UUIDv5) object ids.
var Namespace = uuid.MustParse("6f1c6a1e-3c55-4c8e-9a43-6e0f4b2f0a51")

// Builder creates objects with consistent timestamps and ids.
// The zero value uses time.Now and random ids.
type Builder struct {
	// Now returns the creation time. Defaults to time.Now.
	Now func() time.Time

	// NewUUID returns a random id. Defaults to uuid.New.
	NewUUID func() uuid.UUID

	// Deterministic derives object ids from content fingerprints, so the
	// same content yields the same id across runs. Bundle ids stay random.
	Deterministic bool
}

func (b *Builder) now() time.Time {
	if b != nil && b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Builder) random() uuid.UUID {
	if b != nil && b.NewUUID != nil {
		return b.NewUUID()
	}
	return uuid.New()
}

func (b *Builder) id(objectType string, fp fingerprint.Input) string {
	if b != nil && b.Deterministic {
		return NewID(objectType, uuid.NewSHA1(Namespace, []byte(fingerprint.Generate(fp))))
	}
	return NewID(objectType, b.random())
}

// IndicatorInput carries the item fields an indicator is built from.
type IndicatorInput struct {
	Observable  observable.Observable
	Name        string
	Description string
	Confidence  int

	// Source scopes content-derived ids to the originating source.
	Source string
}

// NoteInput carries the item fields a note is built from. Title, URL and
// Source only feed the content-derived id.
type NoteInput struct {
	Content    string
	Title      string
	URL        string
	Source     string
	Confidence int
}

// DefaultIndicatorName is used when an item has no title.
const DefaultIndicatorName = "Observed Threat Indicator"

// Default confidences applied when the input carries none.
const (
	DefaultIndicatorConfidence    = 40
	DefaultNoteConfidence         = 30
	DefaultRelationshipConfidence = 50
)

// Indicator builds an indicator. Created, modified and valid_from share
// one timestamp.
func (b *Builder) Indicator(in IndicatorInput) *Indicator {
	ts := NewTimestamp(b.now())
	pattern := in.Observable.Pattern()

	name := in.Name
	if name == "" {
		name = DefaultIndicatorName
	}
	confidence := in.Confidence
	if confidence == 0 {
		confidence = DefaultIndicatorConfidence
	}
	obs := in.Observable

	return &Indicator{
		Type:        TypeIndicator,
		SpecVersion: SpecVersion,
		ID:          b.id(TypeIndicator, fingerprint.Input{Type: fingerprint.TypeIndicator, Pattern: pattern, Source: in.Source}),
		Created:     ts,
		Modified:    ts,
		Name:        name,
		Description: in.Description,
		PatternType: "stix",
		Pattern:     pattern,
		ValidFrom:   ts,
		Confidence:  confidence,
		Observable:  &obs,
	}
}

// Note builds a note with no object references.
func (b *Builder) Note(in NoteInput) *Note {
	ts := NewTimestamp(b.now())
	confidence := in.Confidence
	if confidence == 0 {
		confidence = DefaultNoteConfidence
	}
	return &Note{
		Type:        TypeNote,
		SpecVersion: SpecVersion,
		ID: b.id(TypeNote, fingerprint.Input{
			Type: fingerprint.TypeNote, Content: in.Content, Title: in.Title, SourceURL: in.URL, Source: in.Source,
		}),
		Created:     ts,
		Modified:    ts,
		Content:     in.Content,
		ObjectRefs:  []string{},
		Confidence:  confidence,
	}
}

// ObservedData records a single sighting of obs at source.
func (b *Builder) ObservedData(obs observable.Observable, source string) *ObservedData {
	ts := NewTimestamp(b.now())
	return &ObservedData{
		Type:           TypeObservedData,
		SpecVersion:    SpecVersion,
		ID:             b.id(TypeObservedData, fingerprint.Input{Type: fingerprint.TypeObservedData, Pattern: obs.Pattern(), Source: source}),
		Created:        ts,
		Modified:       ts,
		FirstObserved:  ts,
		LastObserved:   ts,
		NumberObserved: 1,
		Objects: map[string]map[string]any{
			"0": {"type": string(obs.Kind), obs.Property: obs.Value},
		},
	}
}

// Relationship links source to target. A zero confidence becomes 50.
func (b *Builder) Relationship(sourceRef, targetRef, relationshipType string, confidence int) *Relationship {
	ts := NewTimestamp(b.now())
	if confidence == 0 {
		confidence = DefaultRelationshipConfidence
	}
	return &Relationship{
		Type:        TypeRelationship,
		SpecVersion: SpecVersion,
		ID: b.id(TypeRelationship, fingerprint.Input{
			Type: fingerprint.TypeRelationship, Verb: relationshipType, SourceRef: sourceRef, TargetRef: targetRef,
		}),
		Created:          ts,
		Modified:         ts,
		RelationshipType: relationshipType,
		SourceRef:        sourceRef,
		TargetRef:        targetRef,
		Confidence:       confidence,
	}
}

// Bundle wraps objects, in order, under a fresh bundle id.
func (b *Builder) Bundle(objects []Object) *Bundle {
	if objects == nil {
		objects = []Object{}
	}
	return &Bundle{
		Type:        TypeBundle,
		ID:          NewID(TypeBundle, b.random()),
		SpecVersion: SpecVersion,
		Objects:     objects,
	}
}
