// Package enrich adds threat-intelligence context to indicators before
// they are published. Enrichment is best effort: a failing enricher is
// logged and the indicators go out unchanged.
package enrich

import (
	"context"
	"strings"

	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// Enricher adds context to indicators in place.
type Enricher interface {
	// Name returns the enricher name (e.g., "kev", "epss")
	Name() string

	// Enrich updates the indicators it has data for and reports how many
	// it changed. An error means no data was available for this batch.
	Enrich(ctx context.Context, indicators []*stix.Indicator) (int, error)
}

// CVE returns the upper-cased CVE id an indicator was built from, or ""
// when the indicator does not describe a vulnerability.
func CVE(ind *stix.Indicator) string {
	if ind == nil || ind.Observable == nil || ind.Observable.Kind != observable.KindVulnerability {
		return ""
	}
	return strings.ToUpper(ind.Observable.Value)
}

// CVEs returns the distinct CVE ids of indicators in first-seen order.
func CVEs(indicators []*stix.Indicator) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ind := range indicators {
		id := CVE(ind)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RaiseConfidence lifts the indicator confidence to at least floor.
func RaiseConfidence(ind *stix.Indicator, floor int) {
	if ind.Confidence < floor {
		ind.Confidence = floor
	}
}

// AddReference appends ref unless one with the same source and external id exists.
func AddReference(ind *stix.Indicator, ref stix.ExternalReference) {
	for _, r := range ind.ExternalReferences {
		if r.SourceName == ref.SourceName && r.ExternalID == ref.ExternalID {
			return
		}
	}
	ind.ExternalReferences = append(ind.ExternalReferences, ref)
}

// Apply runs each enricher over indicators in order. Failures are logged
// as warnings and counted; they never stop the remaining enrichers.
func Apply(ctx context.Context, enrichers []Enricher, indicators []*stix.Indicator, log logger.Logger, m metrics.Collector) {
	if len(enrichers) == 0 || len(indicators) == 0 {
		return
	}
	log = logger.OrDefault(log)
	m = metrics.OrNop(m)

	for _, e := range enrichers {
		n, err := e.Enrich(ctx, indicators)
		if err != nil {
			log.Log(logger.LevelWarn, logger.Fields{"enricher": e.Name(), "err": err}, "enrichment failed, publishing indicators unchanged")
			m.CounterInc(metrics.EnrichmentsTotal.Name, "enricher", e.Name(), "status", "error")
			continue
		}
		m.CounterAdd(metrics.EnrichmentsTotal.Name, float64(n), "enricher", e.Name(), "status", "ok")
		log.Log(logger.LevelDebug, logger.Fields{"enricher": e.Name(), "enriched": n}, "enrichment applied")
	}
}
