package trend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elonfeng/debaterank/internal/metrics"
	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"go.uber.org/zap"
)

// DefaultActivityLimit is how many recent events are kept.
const DefaultActivityLimit = 10

// ActivityStore is the part of the datastore the activity feed reads.
type ActivityStore interface {
	RecentActivity(ctx context.Context, limit int) ([]store.Event, error)
	CountVotes(ctx context.Context) (int, error)
}

// Activity is a cached snapshot of recent site activity.
type Activity struct {
	Events     []store.Event `json:"events"`
	TotalVotes int           `json:"total_votes"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ActivityTracker periodically caches the newest votes and submissions.
type ActivityTracker struct {
	store   ActivityStore
	units   UnitRunner
	limit   int
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	snap Activity
	ok   bool

	// failing suppresses repeat error logs until the next success.
	failing atomic.Bool
}

// NewActivityTracker creates a tracker. logger and m may be nil.
func NewActivityTracker(s ActivityStore, units UnitRunner, logger *zap.Logger, m *metrics.Metrics) *ActivityTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityTracker{
		store:   s,
		units:   units,
		limit:   DefaultActivityLimit,
		logger:  logger,
		metrics: m,
	}
}

// Refresh reloads the snapshot in a read-only unit of work. On failure the
// previous snapshot is kept.
func (a *ActivityTracker) Refresh(ctx context.Context, now time.Time) error {
	var next Activity
	err := a.units.Do(ctx, dbrouter.ReadOnly, func(ctx context.Context) error {
		events, err := a.store.RecentActivity(ctx, a.limit)
		if err != nil {
			return fmt.Errorf("load recent activity: %w", err)
		}
		votes, err := a.store.CountVotes(ctx)
		if err != nil {
			return fmt.Errorf("count votes: %w", err)
		}
		next = Activity{Events: events, TotalVotes: votes, UpdatedAt: now}
		return nil
	})
	if err != nil {
		a.count("error")
		if !a.failing.Swap(true) {
			a.logger.Error("refresh recent activity", zap.Error(err))
		}
		return err
	}

	a.failing.Store(false)
	a.mu.Lock()
	a.snap = next
	a.ok = true
	a.mu.Unlock()
	a.count("ok")

	a.logger.Debug("recent activity refreshed",
		zap.Int("events", len(next.Events)),
		zap.Int("votes", next.TotalVotes))
	return nil
}

// Snapshot returns the last successful refresh. ok is false before the first.
func (a *ActivityTracker) Snapshot() (Activity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap, a.ok
}

func (a *ActivityTracker) count(outcome string) {
	if a.metrics != nil {
		a.metrics.ActivityRefreshes.WithLabelValues(outcome).Inc()
	}
}
