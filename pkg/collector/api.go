package collector

import (
	"context"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/source"
)

// APIConfidence is the default confidence of programmatic records.
const APIConfidence = 50

// APIStrategy reads JSON records from a programmatic endpoint.
type APIStrategy struct {
	fetcher *Fetcher
}

// NewAPIStrategy creates a programmatic-API strategy.
func NewAPIStrategy(f *Fetcher) *APIStrategy {
	return &APIStrategy{fetcher: f}
}

func (s *APIStrategy) Type() source.Type { return source.TypeAPI }

// Collect issues the configured request (method, headers, body) and maps
// a top-level array, or the "items" array of an object, to items. The
// observable comes from the record's indicator field, else its url.
func (s *APIStrategy) Collect(ctx context.Context, src source.Source) ([]Item, error) {
	cfg := src.Configuration
	body, err := s.fetcher.Do(ctx, Request{
		Method:  cfg.Method(),
		URL:     src.URL,
		Headers: cfg.Headers(),
		Body:    cfg.Body(),
		Accept:  "application/json",
	})
	if err != nil {
		return nil, err
	}

	recs, err := decodeRecords(body, "items")
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(recs))
	for _, r := range recs {
		id := firstNonEmpty(r.ID)
		if id == "" {
			id = uuid.New().String()
		}
		url := firstNonEmpty(r.URL)
		if url == "" {
			url = src.URL
		}

		item := Item{
			ID:         id,
			Title:      firstNonEmpty(r.Title, r.Name),
			URL:        url,
			Summary:    firstNonEmpty(r.Summary, r.Description),
			Confidence: clampConfidence(float64(r.Confidence), APIConfidence),
			Source:     src.Name,
		}
		if obs, ok := observable.Extract(firstNonEmpty(r.Indicator, r.URL)); ok {
			item.Observable = &obs
		}
		items = append(items, item)
	}
	return items, nil
}
