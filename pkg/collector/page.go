package collector

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/source"
)

// PageConfidence is the confidence assigned to scraped page blocks.
const PageConfidence = 40

// PageStrategy scrapes content blocks out of an HTML page.
type PageStrategy struct {
	fetcher *Fetcher
}

// NewPageStrategy creates a page strategy.
func NewPageStrategy(f *Fetcher) *PageStrategy {
	return &PageStrategy{fetcher: f}
}

func (s *PageStrategy) Type() source.Type { return source.TypePage }

// Collect selects blocks with the configured selector (default
// "article"). Each block contributes its first heading as title and its
// first paragraph as summary; blocks without a heading are skipped.
func (s *PageStrategy) Collect(ctx context.Context, src source.Source) ([]Item, error) {
	selector := src.Configuration.Selector()
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "page.Collect", fmt.Sprintf("invalid selector %q", selector), err)
	}

	body, err := s.fetcher.Do(ctx, Request{
		URL:     src.URL,
		Headers: src.Configuration.Headers(),
		Accept:  "text/html, application/xhtml+xml;q=0.9, */*;q=0.8",
	})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var items []Item
	doc.FindMatcher(matcher).Each(func(_ int, block *goquery.Selection) {
		title := strings.TrimSpace(block.Find("h1, h2, h3").First().Text())
		if title == "" {
			return
		}
		summary := strings.TrimSpace(block.Find("p").First().Text())

		item := Item{
			ID:         uuid.New().String(),
			Title:      title,
			URL:        src.URL,
			Summary:    summary,
			Confidence: PageConfidence,
			Source:     src.Name,
		}
		if obs, ok := observable.Extract(summary); ok {
			item.Observable = &obs
		}
		items = append(items, item)
	})
	return items, nil
}
