package fraud

import (
	"log/slog"
	"sync"

	"github.com/mchmarny/cardscore/pkg/model"
)

// DefaultScore stands in for a score that could not be computed.
const DefaultScore = 0.5

// MLScorer returns the model fraud probability of a transaction.
type MLScorer struct {
	mu     sync.RWMutex
	bundle *model.Bundle
	fe     *FeatureExtractor
}

// NewMLScorer creates a scorer. b may be nil, in which case every score is
// DefaultScore until a model is set.
func NewMLScorer(b *model.Bundle, fe *FeatureExtractor) *MLScorer {
	return &MLScorer{bundle: b, fe: fe}
}

// SetBundle swaps the model and pipeline.
func (s *MLScorer) SetBundle(b *model.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = b
}

// Bundle returns the loaded model or nil.
func (s *MLScorer) Bundle() *model.Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundle
}

// Loaded reports whether a model is available.
func (s *MLScorer) Loaded() bool {
	return s.Bundle() != nil
}

// Score predicts tx. Unseen categorical values encode as 0. Any failure
// yields DefaultScore.
func (s *MLScorer) Score(tx *Transaction, history []*Transaction) float64 {
	b := s.Bundle()
	if b == nil {
		return DefaultScore
	}

	features := s.fe.Extract(tx, history)
	for _, name := range categoricalFeatures {
		idx := 0
		if enc := b.Pipeline.Encoder(name); enc != nil {
			if i, ok := enc.Transform(categoricalValue(tx, name)); ok {
				idx = i
			}
		}
		features[name] = float64(idx)
	}

	p, err := b.Predict(features)
	if err != nil {
		slog.Warn("ml prediction failed, using default score", "user", tx.UserID, "error", err)
		return DefaultScore
	}
	return p
}
