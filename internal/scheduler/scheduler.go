package scheduler

import (
	"context"
	"time"

	"github.com/elonfeng/debaterank/pkg/trend"
	"go.uber.org/zap"
)

// ScorePass recomputes trending scores.
type ScorePass interface {
	UpdateTrendingScores(ctx context.Context, now time.Time) (trend.Result, error)
}

// ActivityRefresher reloads the recent activity cache.
type ActivityRefresher interface {
	Refresh(ctx context.Context, now time.Time) error
}

// FeedImporter pulls new submissions from external feeds.
type FeedImporter interface {
	ImportAll(ctx context.Context) (int, error)
}

// Intervals sets how often each task runs. A zero ImportInterval disables
// feed import.
type Intervals struct {
	Score  time.Duration
	Recent time.Duration
	Import time.Duration
}

// Scheduler runs periodic scoring, activity and import tasks.
type Scheduler struct {
	scores   ScorePass
	activity ActivityRefresher
	importer FeedImporter
	iv       Intervals
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a new scheduler. importer may be nil.
func New(scores ScorePass, activity ActivityRefresher, importer FeedImporter, iv Intervals, logger *zap.Logger) *Scheduler {
	if iv.Score <= 0 {
		iv.Score = 10 * time.Minute
	}
	if iv.Recent <= 0 {
		iv.Recent = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scores:   scores,
		activity: activity,
		importer: importer,
		iv:       iv,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	scoreTicker := time.NewTicker(s.iv.Score)
	recentTicker := time.NewTicker(s.iv.Recent)
	defer scoreTicker.Stop()
	defer recentTicker.Stop()

	var importC <-chan time.Time
	if s.importer != nil && s.iv.Import > 0 {
		importTicker := time.NewTicker(s.iv.Import)
		defer importTicker.Stop()
		importC = importTicker.C
	}

	// Run immediately on start.
	s.runScores(ctx)
	s.runActivity(ctx)
	if importC != nil {
		s.runImport(ctx)
	}

	s.logger.Info("scheduler running",
		zap.Duration("score_interval", s.iv.Score),
		zap.Duration("recent_interval", s.iv.Recent),
		zap.Duration("import_interval", s.iv.Import))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-scoreTicker.C:
			s.runScores(ctx)
		case <-recentTicker.C:
			s.runActivity(ctx)
		case <-importC:
			s.runImport(ctx)
		}
	}
}

func (s *Scheduler) runScores(ctx context.Context) {
	if _, err := s.scores.UpdateTrendingScores(ctx, s.now()); err != nil {
		s.logger.Error("update trending scores", zap.Error(err))
	}
}

// runActivity leaves error logging to the refresher, which rate-limits it.
func (s *Scheduler) runActivity(ctx context.Context) {
	_ = s.activity.Refresh(ctx, s.now())
}

func (s *Scheduler) runImport(ctx context.Context) {
	n, err := s.importer.ImportAll(ctx)
	if err != nil {
		s.logger.Warn("import feeds", zap.Error(err))
	}
	if n > 0 {
		s.logger.Info("imported submissions", zap.Int("count", n))
	}
}
