package collector

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/source"
)

// FeedConfidence is the confidence assigned to feed entries.
const FeedConfidence = 60

// FeedStrategy reads RSS, Atom and JSON feeds.
type FeedStrategy struct {
	fetcher *Fetcher
}

// NewFeedStrategy creates a feed strategy.
func NewFeedStrategy(f *Fetcher) *FeedStrategy {
	return &FeedStrategy{fetcher: f}
}

func (s *FeedStrategy) Type() source.Type { return source.TypeFeed }

// Collect maps each feed entry to an item. The observable comes from the
// entry link.
func (s *FeedStrategy) Collect(ctx context.Context, src source.Source) ([]Item, error) {
	body, err := s.fetcher.Do(ctx, Request{
		URL:     src.URL,
		Headers: src.Configuration.Headers(),
		Accept:  "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8",
	})
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := checkFeed(feed); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry == nil {
			continue
		}
		id := entry.GUID
		if id == "" {
			id = entry.Link
		}
		if id == "" {
			id = uuid.New().String()
		}

		summary := plainText(entry.Description)
		if summary == "" {
			summary = plainText(entry.Content)
		}

		item := Item{
			ID:         id,
			Title:      strings.TrimSpace(entry.Title),
			URL:        entry.Link,
			Summary:    summary,
			Published:  entry.PublishedParsed,
			Confidence: FeedConfidence,
			Source:     src.Name,
		}
		if obs, ok := observable.Extract(entry.Link); ok {
			item.Observable = &obs
		}
		items = append(items, item)
	}
	return items, nil
}

// plainText strips markup from an HTML fragment and collapses whitespace.
func plainText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// jsonFeedVersion prefixes every JSON Feed version URL.
const jsonFeedVersion = "https://jsonfeed.org/version/"

// checkFeed rejects documents gofeed parses without recognising them.
// Any JSON object decodes as a JSON Feed, so one without a JSON Feed
// version is an API payload, not a feed.
func checkFeed(feed *gofeed.Feed) error {
	const op = "collector.FeedStrategy"

	switch feed.FeedType {
	case "rss", "atom":
		return nil
	case "json":
		if strings.HasPrefix(feed.FeedVersion, jsonFeedVersion) {
			return nil
		}
		return errors.E(errors.KindInvalidInput, op, "JSON document is not a JSON Feed (version "+strconv.Quote(feed.FeedVersion)+")")
	default:
		return errors.E(errors.KindInvalidInput, op, "unrecognised feed type "+strconv.Quote(feed.FeedType))
	}
}
