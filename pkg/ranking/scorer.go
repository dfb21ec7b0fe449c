package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/mchmarny/cardscore/pkg/model"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultScore is returned for a cardholder the model fails to score.
	DefaultScore = 0.5

	ScorerModel    = "model"
	ScorerWeighted = "weighted"

	parallelChunkSize = 256
)

var defaultCategoricalFeatures = []string{"card_type", "geographic_location"}

// inverse components score higher when the raw value is lower.
var inverseComponents = map[string]bool{
	"avg_repayment_days": true,
	"response_time_sec":  true,
	"default_count":      true,
}

// Scorer assigns a health score in [0,1] to each cardholder.
type Scorer interface {
	Score(ctx context.Context, cardholders []*Cardholder, merchantCategory string) ([]float64, error)
	Name() string
}

// ModelScorer scores with a trained classifier and its pipeline.
type ModelScorer struct {
	bundle     *model.Bundle
	fe         *FeatureEngineer
	aggregates map[string]*Aggregate
}

// NewModelScorer creates a model scorer. aggregates may be nil.
func NewModelScorer(b *model.Bundle, fe *FeatureEngineer, aggregates map[string]*Aggregate) (*ModelScorer, error) {
	if b == nil || b.Model == nil || b.Pipeline == nil {
		return nil, fmt.Errorf("model bundle required")
	}
	if fe == nil {
		return nil, fmt.Errorf("feature engineer required")
	}
	return &ModelScorer{bundle: b, fe: fe, aggregates: aggregates}, nil
}

func (s *ModelScorer) Name() string { return ScorerModel }

// Bundle returns the loaded model and pipeline.
func (s *ModelScorer) Bundle() *model.Bundle { return s.bundle }

// Score encodes categoricals with the pipeline encoders extended by any
// values first seen in this batch, then predicts each cardholder. Large
// batches are scored in parallel chunks.
func (s *ModelScorer) Score(ctx context.Context, cardholders []*Cardholder, merchantCategory string) ([]float64, error) {
	encoders := s.batchEncoders(cardholders)
	scores := make([]float64, len(cardholders))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for start := 0; start < len(cardholders); start += parallelChunkSize {
		end := min(start+parallelChunkSize, len(cardholders))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				scores[i] = s.scoreOne(cardholders[i], encoders, merchantCategory)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scoring cardholders: %w", err)
	}
	return scores, nil
}

func (s *ModelScorer) scoreOne(ch *Cardholder, encoders map[string]*model.LabelEncoder, merchantCategory string) float64 {
	features := s.fe.Features(ch, AggregateFor(ch, s.aggregates), merchantCategory)
	for name, enc := range encoders {
		idx, _ := enc.Transform(categoricalValue(ch, name))
		features[name] = float64(idx)
	}

	p, err := s.bundle.Predict(features)
	if err != nil {
		slog.Warn("health score prediction failed, using default", "cardholder", ch.ID, "error", err)
		return DefaultScore
	}
	return p
}

func (s *ModelScorer) batchEncoders(cardholders []*Cardholder) map[string]*model.LabelEncoder {
	names := s.bundle.Pipeline.CategoricalFeatures
	if len(names) == 0 {
		names = defaultCategoricalFeatures
	}

	out := make(map[string]*model.LabelEncoder, len(names))
	for _, name := range names {
		values := make([]string, 0, len(cardholders))
		for _, ch := range cardholders {
			values = append(values, categoricalValue(ch, name))
		}
		if enc := s.bundle.Pipeline.Encoder(name); enc != nil {
			out[name] = enc.Extend(values)
		} else {
			out[name] = model.NewLabelEncoder(values)
		}
	}
	return out
}

func categoricalValue(ch *Cardholder, name string) string {
	switch name {
	case "card_type":
		return ch.CardType
	case "geographic_location":
		return ch.Location
	default:
		return ""
	}
}

// WeightedScorer is the model-free fallback: a weighted sum of normalized
// profile components.
type WeightedScorer struct {
	fe      *FeatureEngineer
	weights map[string]float64
	names   []string
}

// NewWeightedScorer creates a fallback scorer from the ranking config.
func NewWeightedScorer(cfg config.RankingConfig) *WeightedScorer {
	names := make([]string, 0, len(cfg.Weights))
	for name := range cfg.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return &WeightedScorer{fe: NewFeatureEngineer(cfg), weights: cfg.Weights, names: names}
}

func (s *WeightedScorer) Name() string { return ScorerWeighted }

func (s *WeightedScorer) Score(_ context.Context, cardholders []*Cardholder, _ string) ([]float64, error) {
	scores := make([]float64, len(cardholders))
	for i, ch := range cardholders {
		scores[i] = s.scoreOne(ch)
	}
	return scores, nil
}

func (s *WeightedScorer) scoreOne(ch *Cardholder) float64 {
	raw := map[string]float64{
		"credit_limit":             ch.CreditLimit,
		"avg_repayment_days":       ch.AvgRepaymentDays,
		"transaction_success_rate": ch.TransactionSuccessRate,
		"response_time_sec":        ch.ResponseTimeSec,
		"discount_hit_rate":        ch.DiscountHitRate,
		"commission_acceptance":    ch.CommissionAcceptance,
		"user_rating":              ch.UserRating,
		"default_count":            float64(ch.DefaultCount),
	}

	// fixed order keeps equal profiles at bit-identical scores
	score := 0.0
	for _, name := range s.names {
		w := s.weights[name]
		v, ok := raw[name]
		if !ok {
			continue
		}
		n := s.fe.normalize(name, v)
		if inverseComponents[name] {
			n = 1 - n
		}
		score += w * n
	}
	return score
}
