// Package source imports debate question submissions from external RSS and
// Atom feeds.
package source

import (
	"context"
	"time"

	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
)

// Feed is a named feed URL whose entries land in one category.
type Feed struct {
	Name     string
	URL      string
	Category string
}

// Entry is one feed item, normalized.
type Entry struct {
	Title     string
	Link      string
	Summary   string
	Published time.Time
}

// ImportStore is the part of the datastore the importer writes to.
type ImportStore interface {
	EnsureCategory(ctx context.Context, c store.Category) error
	ImportSubmission(ctx context.Context, sub *store.Submission) (bool, error)
}

// UnitRunner runs fn as one routed unit of work.
type UnitRunner interface {
	Do(ctx context.Context, mode dbrouter.Mode, fn func(ctx context.Context) error) error
}
