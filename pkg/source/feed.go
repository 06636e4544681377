package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

const (
	maxCitation = 1024
	maxIdea     = 4000
)

// Options configures an Importer.
type Options struct {
	// AutoApprove makes imported submissions eligible for ranking right away.
	AutoApprove bool
	// MaxAge skips entries published longer ago than this. Zero keeps all.
	MaxAge time.Duration
	Client *http.Client
	Logger *zap.Logger
	Now    func() time.Time
}

// Importer turns feed entries into submissions.
type Importer struct {
	client *http.Client
	parser *gofeed.Parser
	feeds  []Feed
	filter *Filter
	store  ImportStore
	units  UnitRunner
	opts   Options
	logger *zap.Logger
}

// NewImporter creates a feed importer. filter may be nil.
func NewImporter(feeds []Feed, filter *Filter, s ImportStore, units UnitRunner, opts Options) *Importer {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if filter == nil {
		filter = NewFilter(nil, nil)
	}
	return &Importer{
		client: opts.Client,
		parser: gofeed.NewParser(),
		feeds:  feeds,
		filter: filter,
		store:  s,
		units:  units,
		opts:   opts,
		logger: opts.Logger,
	}
}

// ImportAll imports every configured feed and returns how many new
// submissions were created. A failing feed does not stop the others.
func (im *Importer) ImportAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, feed := range im.feeds {
		n, err := im.Import(ctx, feed)
		total += n
		if err != nil {
			im.logger.Warn("feed import failed", zap.String("feed", feed.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		im.logger.Debug("feed imported", zap.String("feed", feed.Name), zap.Int("new", n))
	}
	return total, errors.Join(errs...)
}

// Import fetches one feed and stores its matching entries in a single
// read-write unit of work.
func (im *Importer) Import(ctx context.Context, feed Feed) (int, error) {
	entries, err := im.Fetch(ctx, feed)
	if err != nil {
		return 0, err
	}

	created := 0
	err = im.units.Do(ctx, dbrouter.ReadWrite, func(ctx context.Context) error {
		if feed.Category != "" {
			if err := im.store.EnsureCategory(ctx, store.Category{Name: feed.Category}); err != nil {
				return err
			}
		}
		for _, e := range entries {
			sub := &store.Submission{
				Category:  feed.Category,
				Headline:  e.Title,
				Idea:      truncate(e.Summary, maxIdea),
				Citation:  e.Link,
				Source:    feed.Name,
				CreatedAt: e.Published,
				Approved:  im.opts.AutoApprove,
			}
			inserted, err := im.store.ImportSubmission(ctx, sub)
			if err != nil {
				return err
			}
			if inserted {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return created, fmt.Errorf("import feed %s: %w", feed.Name, err)
	}
	return created, nil
}

// Fetch downloads and parses one feed, returning the entries that pass the
// filter and age cutoff.
func (im *Importer) Fetch(ctx context.Context, feed Feed) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", "debaterank/1.0")

	resp, err := im.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s status %d", feed.Name, resp.StatusCode)
	}

	parsed, err := im.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feed.Name, err)
	}

	now := im.opts.Now().UTC()
	var cutoff time.Time
	if im.opts.MaxAge > 0 {
		cutoff = now.Add(-im.opts.MaxAge)
	}

	var entries []Entry
	for _, item := range parsed.Items {
		published := now
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			published = item.UpdatedParsed.UTC()
		}
		if !cutoff.IsZero() && published.Before(cutoff) {
			continue
		}

		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}

		link := item.Link
		if link == "" && len(item.Links) > 0 {
			link = item.Links[0]
		}
		// Without a link there is nothing to dedupe on.
		if link == "" || len(link) > maxCitation {
			continue
		}

		if !im.filter.Matches(title + " " + item.Description) {
			continue
		}

		entries = append(entries, Entry{
			Title:     title,
			Link:      link,
			Summary:   strings.TrimSpace(item.Description),
			Published: published,
		})
	}
	return entries, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
