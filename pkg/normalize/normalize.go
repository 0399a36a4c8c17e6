// Package normalize maps collected items to STIX objects.
package normalize

import (
	"github.com/exploopio/intelpipe/pkg/collector"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// RelationshipBasedOn links an indicator to the observation it was derived from.
const RelationshipBasedOn = "based-on"

// Options configures a Normalizer.
type Options struct {
	// DeterministicIDs derives object ids from content.
	DeterministicIDs bool `yaml:"deterministic_ids" json:"deterministic_ids"`

	// ObservedData emits an observed-data object and a based-on
	// relationship after every indicator.
	ObservedData bool `yaml:"observed_data" json:"observed_data"`
}

// Normalizer is safe for concurrent use as long as its Builder clock and
// uuid source are.
type Normalizer struct {
	builder      *stix.Builder
	observedData bool
}

// New creates a Normalizer. A nil builder gets the default clock and
// random ids.
func New(b *stix.Builder, opts Options) *Normalizer {
	if b == nil {
		b = &stix.Builder{}
	}
	b.Deterministic = b.Deterministic || opts.DeterministicIDs
	return &Normalizer{builder: b, observedData: opts.ObservedData}
}

// Normalize returns an Indicator when the item carries an observable and
// a Note otherwise.
func (n *Normalizer) Normalize(item collector.Item) stix.Object {
	if item.Observable == nil {
		return n.builder.Note(stix.NoteInput{
			Content:    item.Summary,
			Title:      item.Title,
			URL:        item.URL,
			Source:     item.Source,
			Confidence: item.Confidence,
		})
	}
	return n.builder.Indicator(stix.IndicatorInput{
		Observable:  *item.Observable,
		Name:        item.Title,
		Description: item.Summary,
		Confidence:  item.Confidence,
		Source:      item.Source,
	})
}

// NormalizeAll maps items in order. With observed-data emission enabled
// each indicator is followed by its observed-data and relationship.
//
// Every object id appears once. With content-derived ids, an item that
// repeats an earlier one from the same source is dropped along with its
// observed-data.
func (n *Normalizer) NormalizeAll(items []collector.Item) []stix.Object {
	objects := make([]stix.Object, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	add := func(obj stix.Object) bool {
		if _, dup := seen[obj.ObjectID()]; dup {
			return false
		}
		seen[obj.ObjectID()] = struct{}{}
		objects = append(objects, obj)
		return true
	}

	for _, item := range items {
		obj := n.Normalize(item)
		if !add(obj) {
			continue
		}

		ind, ok := obj.(*stix.Indicator)
		if !ok || !n.observedData || ind.Observable == nil {
			continue
		}
		od := n.builder.ObservedData(*ind.Observable, item.Source)
		add(od)
		add(n.builder.Relationship(ind.ID, od.ID, RelationshipBasedOn, 0))
	}
	return objects
}

// Bundle wraps objects, preserving order, under a fresh bundle id.
func (n *Normalizer) Bundle(objects []stix.Object) *stix.Bundle {
	return n.builder.Bundle(objects)
}
