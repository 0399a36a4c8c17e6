package stix

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/observable"
)

var fixedTime = time.Date(2026, 5, 1, 12, 30, 45, 123456789, time.UTC)

func fixedBuilder() *Builder {
	return &Builder{Now: func() time.Time { return fixedTime }}
}

func TestBuilder_Indicator(t *testing.T) {
	b := fixedBuilder()
	obs := observable.Observable{Kind: observable.KindIPv4, Property: "value", Value: "10.0.0.5"}

	ind := b.Indicator(IndicatorInput{Observable: obs, Description: "beacon"})

	if !ValidID(TypeIndicator, ind.ID) {
		t.Errorf("ID = %q, want indicator--<uuid>", ind.ID)
	}
	if ind.Pattern != "[ipv4-addr:value = '10.0.0.5']" {
		t.Errorf("Pattern = %q", ind.Pattern)
	}
	if ind.Name != DefaultIndicatorName {
		t.Errorf("Name = %q, want default", ind.Name)
	}
	if ind.Confidence != 40 {
		t.Errorf("Confidence = %d, want 40", ind.Confidence)
	}
	if ind.PatternType != "stix" || ind.SpecVersion != "2.1" {
		t.Errorf("pattern_type/spec_version = %q/%q", ind.PatternType, ind.SpecVersion)
	}
	if !ind.Created.Equal(ind.Modified.Time) || !ind.Created.Equal(ind.ValidFrom.Time) {
		t.Error("created, modified and valid_from must share a timestamp")
	}
	if ind.Observable == nil || *ind.Observable != obs {
		t.Error("observable not attached")
	}

	named := b.Indicator(IndicatorInput{Observable: obs, Name: "C2 node", Confidence: 60})
	if named.Name != "C2 node" || named.Confidence != 60 {
		t.Errorf("explicit name/confidence lost: %q %d", named.Name, named.Confidence)
	}
	if named.ID == ind.ID {
		t.Error("random ids should differ")
	}
}

func TestIndicator_JSONShape(t *testing.T) {
	ind := fixedBuilder().Indicator(IndicatorInput{
		Observable: observable.Observable{Kind: observable.KindVulnerability, Property: "name", Value: "CVE-2024-2222"},
		Name:       "Exploit",
	})
	data, err := json.Marshal(ind)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"type", "spec_version", "id", "created", "modified", "name", "description", "pattern_type", "pattern", "valid_from", "confidence"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := m["Observable"]; ok {
		t.Error("observable must not be serialized")
	}
	if m["created"] != "2026-05-01T12:30:45.123Z" {
		t.Errorf("created = %v, want millisecond UTC", m["created"])
	}
	if _, ok := m["labels"]; ok {
		t.Error("empty labels should be omitted")
	}
	if m["description"] != "" {
		t.Errorf("description = %v, want empty string", m["description"])
	}
}

func TestBuilder_Note(t *testing.T) {
	n := fixedBuilder().Note(NoteInput{Content: "Ransomware group targets hospitals", URL: "https://news.example/a"})
	if !ValidID(TypeNote, n.ID) {
		t.Errorf("ID = %q", n.ID)
	}
	if n.Confidence != 30 {
		t.Errorf("Confidence = %d, want 30", n.Confidence)
	}

	data, _ := json.Marshal(n)
	if !strings.Contains(string(data), `"object_refs":[]`) {
		t.Errorf("object_refs should serialize as empty array: %s", data)
	}
	if !strings.Contains(string(data), `"content":"Ransomware group targets hospitals"`) {
		t.Errorf("content missing: %s", data)
	}
}

func TestBuilder_ObservedDataAndRelationship(t *testing.T) {
	b := fixedBuilder()
	obs := observable.Observable{Kind: observable.KindIPv4, Property: "value", Value: "10.0.0.5"}
	od := b.ObservedData(obs, "")
	if od.NumberObserved != 1 || od.Objects["0"]["value"] != "10.0.0.5" || od.Objects["0"]["type"] != "ipv4-addr" {
		t.Errorf("observed-data = %+v", od)
	}

	ind := b.Indicator(IndicatorInput{Observable: obs})
	rel := b.Relationship(ind.ID, od.ID, "based-on", 0)
	if rel.Confidence != 50 || rel.SourceRef != ind.ID || rel.TargetRef != od.ID {
		t.Errorf("relationship = %+v", rel)
	}
	if !ValidID(TypeRelationship, rel.ID) {
		t.Errorf("ID = %q", rel.ID)
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	b := &Builder{Deterministic: true}
	obs := observable.Observable{Kind: observable.KindVulnerability, Property: "name", Value: "CVE-2024-2222"}

	a := b.Indicator(IndicatorInput{Observable: obs})
	c := b.Indicator(IndicatorInput{Observable: obs, Name: "other title"})
	if a.ID != c.ID {
		t.Errorf("same pattern should yield same id: %s vs %s", a.ID, c.ID)
	}
	if !ValidID(TypeIndicator, a.ID) {
		t.Errorf("ID = %q", a.ID)
	}

	if b.Indicator(IndicatorInput{Observable: obs, Source: "feed-a"}).ID == b.Indicator(IndicatorInput{Observable: obs, Source: "feed-b"}).ID {
		t.Error("the same pattern from different sources should yield different ids")
	}
	if b.ObservedData(obs, "feed-a").ID == b.ObservedData(obs, "feed-b").ID {
		t.Error("observed-data ids should be scoped to the source")
	}

	n1 := b.Note(NoteInput{Content: "same text", URL: "https://x.example"})
	n2 := b.Note(NoteInput{Content: "same  text", URL: "https://x.example/"})
	if n1.ID != n2.ID {
		t.Error("normalized note content should yield same id")
	}

	b1 := b.Bundle(nil)
	b2 := b.Bundle(nil)
	if b1.ID == b2.ID {
		t.Error("bundle ids stay random")
	}
}

func TestBuilder_InjectedUUID(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	b := &Builder{NewUUID: func() uuid.UUID { return id }}
	if got := b.Bundle(nil).ID; got != "bundle--11111111-2222-3333-4444-555555555555" {
		t.Errorf("bundle id = %q", got)
	}
}

func TestBundle_RoundTrip(t *testing.T) {
	b := fixedBuilder()
	obs := observable.Observable{Kind: observable.KindIPv4, Property: "value", Value: "10.0.0.5"}
	ind := b.Indicator(IndicatorInput{Observable: obs, Name: "C2"})
	note := b.Note(NoteInput{Content: "text"})
	od := b.ObservedData(obs, "")
	rel := b.Relationship(ind.ID, od.ID, "based-on", 0)

	bundle := b.Bundle([]Object{ind, note, od, rel})
	if !ValidID(TypeBundle, bundle.ID) || bundle.SpecVersion != "2.1" {
		t.Fatalf("bundle header = %s %s", bundle.ID, bundle.SpecVersion)
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseBundle(data)
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}
	if parsed.ID != bundle.ID || len(parsed.Objects) != 4 {
		t.Fatalf("parsed = %+v", parsed)
	}
	for i, o := range parsed.Objects {
		if o.ObjectID() != bundle.Objects[i].ObjectID() {
			t.Errorf("object %d: id %s, want %s", i, o.ObjectID(), bundle.Objects[i].ObjectID())
		}
	}
	if got := parsed.Indicators(); len(got) != 1 || got[0].Pattern != ind.Pattern {
		t.Errorf("Indicators() = %+v", got)
	}
	counts := parsed.CountByType()
	if counts[TypeIndicator] != 1 || counts[TypeNote] != 1 || counts[TypeObservedData] != 1 || counts[TypeRelationship] != 1 {
		t.Errorf("CountByType() = %v", counts)
	}
}

func TestBundle_EmptyObjects(t *testing.T) {
	data, err := json.Marshal(fixedBuilder().Bundle(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"objects":[]`) {
		t.Errorf("empty bundle should carry objects array: %s", data)
	}
}

func TestParseBundle_Errors(t *testing.T) {
	tests := []string{
		`not json`,
		`{"type":"indicator","id":"x"}`,
		`{"type":"bundle","id":"bundle--x","objects":[{"type":"malware"}]}`,
	}
	for _, in := range tests {
		if _, err := ParseBundle([]byte(in)); err == nil {
			t.Errorf("ParseBundle(%s) should fail", in)
		}
	}
}

func TestTypeOfID(t *testing.T) {
	if got := TypeOfID("observed-data--abc"); got != "observed-data" {
		t.Errorf("TypeOfID = %q", got)
	}
	if got := TypeOfID("nodashes"); got != "" {
		t.Errorf("TypeOfID = %q", got)
	}
	if ValidID(TypeNote, "indicator--11111111-2222-3333-4444-555555555555") {
		t.Error("prefix mismatch should be invalid")
	}
}

func TestIndicatorLabels(t *testing.T) {
	ind := &Indicator{}
	ind.AddLabel("known-exploited")
	ind.AddLabel("known-exploited")
	if len(ind.Labels) != 1 || !ind.HasLabel("known-exploited") {
		t.Errorf("Labels = %v", ind.Labels)
	}
}
