package trend

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/elonfeng/debaterank/internal/metrics"
	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"go.uber.org/zap"
)

// ScoreStore is the part of the datastore a score pass needs.
type ScoreStore interface {
	EligibleSubmissions(ctx context.Context, shortSince, longSince time.Time) ([]store.ScoreInput, error)
	ApplyScores(ctx context.Context, updates []store.ScoreUpdate) error
}

// DeadlineSource supplies the instant after which rankings freeze.
type DeadlineSource interface {
	DebateDeadline(ctx context.Context) (time.Time, error)
}

// StaticDeadline is a fixed deadline, usually from config.
type StaticDeadline time.Time

func (d StaticDeadline) DebateDeadline(context.Context) (time.Time, error) {
	return time.Time(d), nil
}

// UnitRunner runs fn as one routed unit of work. *dbrouter.Router implements it.
type UnitRunner interface {
	Do(ctx context.Context, mode dbrouter.Mode, fn func(ctx context.Context) error) error
}

// Result describes one score pass.
type Result struct {
	Frozen   bool
	Scored   int
	Deadline time.Time
	Duration time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the source of random_id values.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rnd = r }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records pass outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine recomputes trending scores for every eligible submission.
type Engine struct {
	store     ScoreStore
	deadlines DeadlineSource
	units     UnitRunner
	scorer    *Scorer

	mu  sync.Mutex
	rnd *rand.Rand

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a trending score engine.
func NewEngine(s ScoreStore, deadlines DeadlineSource, units UnitRunner, p Params, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		deadlines: deadlines,
		units:     units,
		scorer:    NewScorer(p),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return e
}

// Scorer returns the engine's scorer.
func (e *Engine) Scorer() *Scorer { return e.scorer }

// UpdateTrendingScores runs one pass at now. After the debate deadline the
// pass does nothing, so rankings stay as they were when the deadline hit.
// Scores and random_ids are written in a single transaction; any failure
// leaves every submission untouched.
func (e *Engine) UpdateTrendingScores(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	var res Result

	err := e.units.Do(ctx, dbrouter.ReadWrite, func(ctx context.Context) error {
		deadline, err := e.deadlines.DebateDeadline(ctx)
		if err != nil {
			return fmt.Errorf("read debate deadline: %w", err)
		}
		res.Deadline = deadline

		if now.After(deadline) {
			res.Frozen = true
			return nil
		}

		p := e.scorer.Params()
		inputs, err := e.store.EligibleSubmissions(ctx, now.Add(-p.ShortWindow), now.Add(-p.LongWindow))
		if err != nil {
			return fmt.Errorf("select eligible submissions: %w", err)
		}

		updates := make([]store.ScoreUpdate, len(inputs))
		e.mu.Lock()
		for i, in := range inputs {
			updates[i] = store.ScoreUpdate{
				ID:       in.ID,
				Score:    e.scorer.Score(in, now),
				RandomID: e.rnd.Float64(),
			}
		}
		e.mu.Unlock()

		if err := e.store.ApplyScores(ctx, updates); err != nil {
			return fmt.Errorf("apply scores: %w", err)
		}
		res.Scored = len(updates)
		return nil
	})
	res.Duration = time.Since(start)

	switch {
	case err != nil:
		e.observe("error", res)
		return res, err
	case res.Frozen:
		e.observe("frozen", res)
		e.logger.Debug("rankings frozen, skipping score pass",
			zap.Time("deadline", res.Deadline),
			zap.Time("now", now))
	default:
		e.observe("ok", res)
		e.logger.Info("trending scores updated",
			zap.Int("submissions", res.Scored),
			zap.Duration("took", res.Duration))
	}
	return res, nil
}

func (e *Engine) observe(outcome string, res Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.ScorePasses.WithLabelValues(outcome).Inc()
	e.metrics.ScorePassDuration.Observe(res.Duration.Seconds())
	if outcome == "ok" {
		e.metrics.ScoredSubmissions.Set(float64(res.Scored))
	}
}
