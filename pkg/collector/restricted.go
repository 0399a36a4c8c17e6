package collector

import (
	"context"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/source"
)

// RestrictedConfidence is the default confidence of restricted-network posts.
const RestrictedConfidence = 30

// RestrictedStrategy reads posts from a restricted-network gateway that
// answers JSON. Access details, such as a proxy token, travel in the
// configured headers.
type RestrictedStrategy struct {
	fetcher *Fetcher
}

// NewRestrictedStrategy creates a restricted-network strategy.
func NewRestrictedStrategy(f *Fetcher) *RestrictedStrategy {
	return &RestrictedStrategy{fetcher: f}
}

func (s *RestrictedStrategy) Type() source.Type { return source.TypeRestricted }

// Collect maps a top-level array, or the "posts" array of an object, to
// items. The observable comes from the post body.
func (s *RestrictedStrategy) Collect(ctx context.Context, src source.Source) ([]Item, error) {
	body, err := s.fetcher.Do(ctx, Request{
		URL:     src.URL,
		Headers: src.Configuration.Headers(),
		Accept:  "application/json",
	})
	if err != nil {
		return nil, err
	}

	posts, err := decodeRecords(body, "posts")
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(posts))
	for _, p := range posts {
		id := firstNonEmpty(p.ID)
		if id == "" {
			id = uuid.New().String()
		}
		summary := string(p.Body)

		item := Item{
			ID:         id,
			Title:      firstNonEmpty(p.Title),
			URL:        firstNonEmpty(p.URL),
			Summary:    summary,
			Confidence: clampConfidence(float64(p.Confidence), RestrictedConfidence),
			Source:     src.Name,
		}
		if obs, ok := observable.Extract(summary); ok {
			item.Observable = &obs
		}
		items = append(items, item)
	}
	return items, nil
}
