// Package feedimport turns the items of an RSS or Atom feed into saved-entry
// keys.
package feedimport

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/failure"
	"github.com/pders01/stow/internal/fetch"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/validation"
)

// Item is one feed entry that can be saved.
type Item struct {
	Key   string
	Title string
	Link  string
}

type Importer struct {
	getter  fetch.Getter
	origins *validation.OriginValidator
	parser  *gofeed.Parser
}

func New(getter fetch.Getter, origins *validation.OriginValidator) *Importer {
	if origins == nil {
		origins = validation.NewOriginValidator()
	}
	return &Importer{
		getter:  getter,
		origins: origins,
		parser:  gofeed.NewParser(),
	}
}

// Import fetches feedURL and returns the canonical entry keys of its items
// in feed order, without duplicates.
func (im *Importer) Import(ctx context.Context, feedURL string) ([]string, error) {
	items, err := im.Items(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	return keys, nil
}

// Items is Import with titles and original links kept.
func (im *Importer) Items(ctx context.Context, feedURL string) ([]Item, error) {
	target, err := im.origins.Normalize(feedURL)
	if err != nil {
		return nil, failure.Malformed("import", feedURL, err)
	}

	resp, err := im.getter.Fetch(ctx, target, fetch.Options{Accept: fetch.AcceptFeed})
	if err != nil {
		return nil, err
	}

	final := resp.URL
	if final == "" {
		final = target
	}
	base, err := url.Parse(final)
	if err != nil {
		return nil, failure.Malformed("import", final, err)
	}
	return im.parse(resp.Body, base)
}

func (im *Importer) parse(body []byte, base *url.URL) ([]Item, error) {
	feed, err := im.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, failure.Malformed("import", base.String(), fmt.Errorf("parsing feed: %w", err))
	}

	seen := make(map[string]bool, len(feed.Items))
	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		link := itemLink(it)
		if link == "" {
			continue
		}
		if u, err := url.Parse(link); err == nil {
			link = base.ResolveReference(u).String()
		}
		key, err := resource.EntryKey(link)
		if err != nil {
			debuglog.Debugf("skipping feed item %q: %v", it.Title, err)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, Item{Key: key, Title: strings.TrimSpace(it.Title), Link: link})
	}
	debuglog.Infof("feed %s: %d of %d items importable", base, len(items), len(feed.Items))
	return items, nil
}

// itemLink prefers the item's link and falls back to a GUID that is a URL.
func itemLink(it *gofeed.Item) string {
	if l := strings.TrimSpace(it.Link); l != "" {
		return l
	}
	for _, l := range it.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	if g := strings.TrimSpace(it.GUID); strings.HasPrefix(g, "http://") || strings.HasPrefix(g, "https://") {
		return g
	}
	return ""
}
