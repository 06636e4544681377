package trend

import (
	"math"
	"time"

	"github.com/elonfeng/debaterank/internal/store"
)

// Params are the tunable constants of the trending formula.
type Params struct {
	MinVotes    int
	Gravity     float64
	ShortWindow time.Duration
	ShortWeight float64
	LongWindow  time.Duration
	LongWeight  float64
}

// DefaultParams returns the production constants.
func DefaultParams() Params {
	return Params{
		MinVotes:    15,
		Gravity:     1.5,
		ShortWindow: 2 * time.Hour,
		ShortWeight: 200,
		LongWindow:  4 * time.Hour,
		LongWeight:  100,
	}
}

// withDefaults fills zero fields from DefaultParams. A zero MinVotes is
// kept, since scoring everything is a valid choice.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Gravity <= 0 {
		p.Gravity = d.Gravity
	}
	if p.ShortWindow <= 0 {
		p.ShortWindow = d.ShortWindow
	}
	if p.LongWindow <= 0 {
		p.LongWindow = d.LongWindow
	}
	if p.ShortWeight < 0 {
		p.ShortWeight = 0
	}
	if p.LongWeight < 0 {
		p.LongWeight = 0
	}
	if p.MinVotes < 0 {
		p.MinVotes = 0
	}
	return p
}

// Scorer computes trending scores.
type Scorer struct {
	params Params
}

// NewScorer returns a scorer using p, with unset fields defaulted.
func NewScorer(p Params) *Scorer {
	return &Scorer{params: p.withDefaults()}
}

// Params returns the effective parameters.
func (s *Scorer) Params() Params { return s.params }

// Score rates one submission at now. Submissions below the vote floor score
// zero. Otherwise the vote total, boosted by recent votes, decays with age.
func (s *Scorer) Score(in store.ScoreInput, now time.Time) float64 {
	if in.Votes < s.params.MinVotes {
		return 0
	}

	weighted := float64(in.Votes) +
		float64(in.RecentShort)*s.params.ShortWeight +
		float64(in.RecentLong)*s.params.LongWeight

	age := now.Sub(in.CreatedAt).Seconds()
	if age < 1 {
		age = 1
	}
	return weighted / math.Pow(age, s.params.Gravity)
}
