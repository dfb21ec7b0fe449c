package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoScorer is returned when neither a model nor a fallback is loaded.
var ErrNoScorer = errors.New("model not loaded")

// Ranker orders cardholders by health score. The scorer may be swapped
// while requests are in flight.
type Ranker struct {
	mu     sync.RWMutex
	scorer Scorer
}

// NewRanker creates a ranker. s may be nil until a model is loaded.
func NewRanker(s Scorer) *Ranker {
	return &Ranker{scorer: s}
}

// SetScorer replaces the active scorer.
func (r *Ranker) SetScorer(s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorer = s
}

// Scorer returns the active scorer or nil.
func (r *Ranker) Scorer() Scorer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scorer
}

// Rank scores and sorts cardholders by descending health score. Ties keep
// their input order. Ranks start at 1.
func (r *Ranker) Rank(ctx context.Context, cardholders []*Cardholder, merchantCategory string) ([]*RankedCardholder, error) {
	s := r.Scorer()
	if s == nil {
		return nil, ErrNoScorer
	}

	scores, err := s.Score(ctx, cardholders, merchantCategory)
	if err != nil {
		return nil, fmt.Errorf("ranking failed: %w", err)
	}
	if len(scores) != len(cardholders) {
		return nil, fmt.Errorf("ranking failed: %d scores for %d cardholders", len(scores), len(cardholders))
	}

	ranked := make([]*RankedCardholder, len(cardholders))
	for i, ch := range cardholders {
		ranked[i] = newRanked(ch, scores[i])
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].HealthScore > ranked[j].HealthScore
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// Top ranks all cardholders and returns the first k.
func (r *Ranker) Top(ctx context.Context, cardholders []*Cardholder, merchantCategory string, k int) ([]*RankedCardholder, error) {
	ranked, err := r.Rank(ctx, cardholders, merchantCategory)
	if err != nil {
		return nil, err
	}
	if k < len(ranked) {
		ranked = ranked[:max(k, 0)]
	}
	return ranked, nil
}

// Summary holds descriptive statistics of a ranking.
type Summary struct {
	Count   int     `json:"total_cardholders" yaml:"total_cardholders"`
	Highest float64 `json:"highest_health_score" yaml:"highest_health_score"`
	Lowest  float64 `json:"lowest_health_score" yaml:"lowest_health_score"`
	Average float64 `json:"average_health_score" yaml:"average_health_score"`
	Median  float64 `json:"median_health_score" yaml:"median_health_score"`
}

// Summarize computes the score statistics of an already ranked list.
func Summarize(ranked []*RankedCardholder) *Summary {
	s := &Summary{Count: len(ranked)}
	if len(ranked) == 0 {
		return s
	}

	scores := make([]float64, len(ranked))
	for i, r := range ranked {
		scores[i] = r.HealthScore
	}
	sort.Float64s(scores)

	s.Lowest = scores[0]
	s.Highest = scores[len(scores)-1]
	s.Average = mean(scores)
	mid := len(scores) / 2
	if len(scores)%2 == 0 {
		s.Median = (scores[mid-1] + scores[mid]) / 2
	} else {
		s.Median = scores[mid]
	}
	return s
}
