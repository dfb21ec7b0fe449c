package cli

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/mchmarny/cardscore/pkg/data"
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/mchmarny/cardscore/pkg/model"
	"github.com/mchmarny/cardscore/pkg/ranking"
)

// rankService holds the ranker of the ranking server and the bundle the
// active model scorer was built from.
type rankService struct {
	cfg    config.RankingConfig
	fe     *ranking.FeatureEngineer
	aggs   map[string]*ranking.Aggregate
	ranker *ranking.Ranker
}

// newRankService loads the configured model. aggs may be nil.
func newRankService(cfg config.RankingConfig, aggs map[string]*ranking.Aggregate) *rankService {
	s := &rankService{
		cfg:    cfg,
		fe:     ranking.NewFeatureEngineer(cfg),
		aggs:   aggs,
		ranker: ranking.NewRanker(nil),
	}
	if err := s.reload(); err != nil {
		slog.Warn("ranking model not loaded", "path", cfg.ModelPath, "error", err)
	}
	return s
}

// reload rebuilds the scorer from the configured files. When the model
// cannot be loaded the weighted scorer is used if fallback is enabled.
func (s *rankService) reload() error {
	scorer, err := s.modelScorer()
	if err == nil {
		s.ranker.SetScorer(scorer)
		slog.Info("ranking model loaded", "path", s.cfg.ModelPath)
		return nil
	}

	if s.cfg.Fallback {
		// keep a model that was loaded earlier
		if cur := s.ranker.Scorer(); cur == nil || cur.Name() != ranking.ScorerModel {
			s.ranker.SetScorer(ranking.NewWeightedScorer(s.cfg))
			slog.Info("using weighted fallback scorer")
		}
	}
	return err
}

func (s *rankService) modelScorer() (*ranking.ModelScorer, error) {
	if s.cfg.ModelPath == "" {
		return nil, fmt.Errorf("ranking.model_path not set")
	}
	b, err := model.LoadBundle(s.cfg.ModelPath, s.cfg.PipelinePath)
	if err != nil {
		return nil, fmt.Errorf("loading ranking model: %w", err)
	}
	return ranking.NewModelScorer(b, s.fe, s.aggs)
}

// bundle returns the bundle of the active model scorer, or nil.
func (s *rankService) bundle() *model.Bundle {
	if ms, ok := s.ranker.Scorer().(*ranking.ModelScorer); ok {
		return ms.Bundle()
	}
	return nil
}

// newDetector wires a detector over the sql store when db is set, or over
// memory otherwise.
func newDetector(cfg *config.Config, db *sql.DB, driver string) (*fraud.Detector, error) {
	var history fraud.HistoryStore = fraud.NewMemoryHistory(cfg.Storage.MaxHistory)
	var recorder fraud.DetectionRecorder
	if db != nil {
		hs, err := data.NewHistoryStore(db, driver, cfg.Storage.MaxHistory)
		if err != nil {
			return nil, fmt.Errorf("creating history store: %w", err)
		}
		ds, err := data.NewDetectionStore(db, driver)
		if err != nil {
			return nil, fmt.Errorf("creating detection store: %w", err)
		}
		history, recorder = hs, ds
	}

	ml := fraud.NewMLScorer(nil, fraud.NewFeatureExtractor(cfg.Fraud))
	if err := reloadFraudModel(cfg.Fraud, ml); err != nil {
		slog.Warn("fraud model not loaded, using default ml score", "path", cfg.Fraud.ModelPath, "error", err)
	}

	d, err := fraud.NewDetector(cfg.Fraud, ml, history)
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	if recorder != nil {
		d.SetRecorder(recorder)
	}
	return d, nil
}

func reloadFraudModel(cfg config.FraudConfig, ml *fraud.MLScorer) error {
	if cfg.ModelPath == "" {
		return fmt.Errorf("fraud.model_path not set")
	}
	b, err := model.LoadBundle(cfg.ModelPath, cfg.PipelinePath)
	if err != nil {
		return fmt.Errorf("loading fraud model: %w", err)
	}
	ml.SetBundle(b)
	slog.Info("fraud model loaded", "path", cfg.ModelPath)
	return nil
}
