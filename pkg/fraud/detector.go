package fraud

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/mchmarny/cardscore/pkg/config"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	MethodHybrid = "hybrid_ml_rule"
	MethodError  = "error"

	DecisionBlock = "block"
	DecisionAllow = "allow"

	ConfidenceHigh = "high"
	ConfidenceLow  = "low"

	suspiciousHourFrom = 1
	suspiciousHourTo   = 5

	userLockStripes = 64
)

// HybridAnalysis shows how the hybrid score was composed.
type HybridAnalysis struct {
	MLScore     float64 `json:"ml_score" yaml:"ml_score"`
	RuleScore   float64 `json:"rule_score" yaml:"rule_score"`
	HybridScore float64 `json:"hybrid_score" yaml:"hybrid_score"`
	MLWeight    float64 `json:"ml_weight" yaml:"ml_weight"`
	RuleWeight  float64 `json:"rule_weight" yaml:"rule_weight"`
}

// Detection is the outcome of scoring one transaction.
type Detection struct {
	RiskScore            float64         `json:"risk_score" yaml:"risk_score"`
	RiskLevel            string          `json:"risk_level" yaml:"risk_level"`
	RequiresVerification bool            `json:"requires_verification" yaml:"requires_verification"`
	BlockTransaction     bool            `json:"block_transaction" yaml:"block_transaction"`
	DetectionMethod      string          `json:"detection_method" yaml:"detection_method"`
	MLScore              float64         `json:"ml_score" yaml:"ml_score"`
	RuleScore            float64         `json:"rule_score" yaml:"rule_score"`
	HybridAnalysis       *HybridAnalysis `json:"hybrid_analysis,omitempty" yaml:"hybrid_analysis,omitempty"`
	Reasons              []string        `json:"reasons" yaml:"reasons"`
	Confidence           string          `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	RulesTriggered       []string        `json:"rules_triggered" yaml:"rules_triggered"`
	Error                string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Decision returns block or allow.
func (d *Detection) Decision() string {
	if d.BlockTransaction {
		return DecisionBlock
	}
	return DecisionAllow
}

func errorDetection(err error) *Detection {
	return &Detection{
		RiskScore:            DefaultScore,
		RiskLevel:            RiskMedium,
		RequiresVerification: true,
		DetectionMethod:      MethodError,
		MLScore:              DefaultScore,
		RuleScore:            DefaultScore,
		Reasons:              []string{},
		RulesTriggered:       []string{},
		Error:                err.Error(),
	}
}

// Detector combines the ML scorer and the rule engine over a history store.
type Detector struct {
	cfg      config.FraudConfig
	ml       *MLScorer
	rules    *RuleEngine
	history  HistoryStore
	recorder DetectionRecorder
	printer  *message.Printer
	locks    [userLockStripes]sync.Mutex
}

// NewDetector creates a detector. ml may be nil to run on rules only with
// the default ML score.
func NewDetector(cfg config.FraudConfig, ml *MLScorer, history HistoryStore) (*Detector, error) {
	if history == nil {
		return nil, ErrNoHistoryStore
	}
	if ml == nil {
		ml = NewMLScorer(nil, NewFeatureExtractor(cfg))
	}
	return &Detector{
		cfg:     cfg,
		ml:      ml,
		rules:   NewRuleEngine(cfg),
		history: history,
		printer: message.NewPrinter(language.English),
	}, nil
}

// SetRecorder persists every processed detection to r.
func (d *Detector) SetRecorder(r DetectionRecorder) {
	d.recorder = r
}

// ML returns the detector's model scorer.
func (d *Detector) ML() *MLScorer { return d.ml }

// History returns the detector's history store.
func (d *Detector) History() HistoryStore { return d.history }

// Detect scores tx against the stored history of its user without
// changing that history.
func (d *Detector) Detect(ctx context.Context, tx *Transaction) *Detection {
	history, err := d.history.History(ctx, tx.UserID)
	if err != nil {
		slog.Warn("hybrid detection failed, using default score", "user", tx.UserID, "error", err)
		return errorDetection(fmt.Errorf("reading history: %w", err))
	}
	return d.detect(tx, history)
}

// Process detects and then appends tx to the user's history. Both steps
// run under the user's lock so concurrent requests for the same user
// observe each other in order.
func (d *Detector) Process(ctx context.Context, tx *Transaction) (*Detection, error) {
	mu := d.lockFor(tx.UserID)
	mu.Lock()
	defer mu.Unlock()

	det := d.Detect(ctx, tx)
	if err := d.history.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("appending history for %s: %w", tx.UserID, err)
	}

	if d.recorder != nil {
		if err := d.recorder.Record(ctx, tx, det); err != nil {
			slog.Warn("recording detection failed", "user", tx.UserID, "error", err)
		}
	}

	slog.Info("fraud detection",
		"user", tx.UserID,
		"amount", fmt.Sprintf("$%.2f", tx.Amount),
		"decision", det.Decision(),
		"risk", fmt.Sprintf("%.3f", det.RiskScore))
	return det, nil
}

// Append adds tx to its user's history without scoring it and returns the
// resulting history length. It takes the same user lock as Process.
func (d *Detector) Append(ctx context.Context, tx *Transaction) (int, error) {
	mu := d.lockFor(tx.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := d.history.Append(ctx, tx); err != nil {
		return 0, fmt.Errorf("appending history for %s: %w", tx.UserID, err)
	}
	list, err := d.history.History(ctx, tx.UserID)
	if err != nil {
		return 0, fmt.Errorf("reading history for %s: %w", tx.UserID, err)
	}
	return len(list), nil
}

func (d *Detector) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &d.locks[h.Sum32()%userLockStripes]
}

func (d *Detector) detect(tx *Transaction, history []*Transaction) *Detection {
	ml := d.mlScore(tx, history)
	ra, rule := d.ruleScore(tx, history)
	hybrid := d.cfg.MLWeight*ml + d.cfg.RuleWeight*rule

	det := &Detection{
		RiskScore:       hybrid,
		DetectionMethod: MethodHybrid,
		MLScore:         ml,
		RuleScore:       rule,
		HybridAnalysis: &HybridAnalysis{
			MLScore:     ml,
			RuleScore:   rule,
			HybridScore: hybrid,
			MLWeight:    d.cfg.MLWeight,
			RuleWeight:  d.cfg.RuleWeight,
		},
		Reasons:        d.reasons(tx, ml, rule),
		RulesTriggered: []string{},
	}
	if ra != nil {
		for _, r := range ra.Rules {
			det.RulesTriggered = append(det.RulesTriggered, r.Rule)
		}
	}

	d.applyPolicy(det, ml, rule, hybrid)
	if det.RiskLevel == RiskHigh {
		det.Confidence = ConfidenceHigh
	} else {
		det.Confidence = ConfidenceLow
	}
	return det
}

func (d *Detector) applyPolicy(det *Detection, ml, rule, hybrid float64) {
	if d.cfg.Policy == config.PolicyTiered {
		p := d.cfg.Tiered
		switch {
		case hybrid >= p.Block:
			det.RiskLevel = RiskHigh
			det.BlockTransaction = true
		case hybrid >= p.High:
			det.RiskLevel = RiskHigh
		case hybrid >= p.Medium:
			det.RiskLevel = RiskMedium
		default:
			det.RiskLevel = RiskLow
		}
		det.RequiresVerification = hybrid > p.Medium
		return
	}

	p := d.cfg.Aggressive
	if ml >= p.ML || rule >= p.Rule || hybrid >= p.Hybrid {
		det.RiskLevel = RiskHigh
		det.RequiresVerification = true
		det.BlockTransaction = true
		return
	}
	det.RiskLevel = RiskLow
}

func (d *Detector) reasons(tx *Transaction, ml, rule float64) []string {
	out := []string{}
	if ml > d.cfg.ReasonThreshold {
		out = append(out, fmt.Sprintf("ML model indicates possible fraud (%.3f)", ml))
	}
	if rule > d.cfg.ReasonThreshold {
		out = append(out, fmt.Sprintf("Rule-based system flags as possible fraud (%.3f)", rule))
	}
	if tx.Amount > d.cfg.HighAmount {
		out = append(out, d.printer.Sprintf("High amount transaction ($%.2f)", tx.Amount))
	}
	if tx.HourOfDay >= suspiciousHourFrom && tx.HourOfDay <= suspiciousHourTo {
		out = append(out, fmt.Sprintf("Suspicious time (%d:00)", tx.HourOfDay))
	}
	return out
}

func (d *Detector) mlScore(tx *Transaction, history []*Transaction) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("ml scoring panicked, using default score", "user", tx.UserID, "panic", r)
			score = DefaultScore
		}
	}()
	return d.ml.Score(tx, history)
}

func (d *Detector) ruleScore(tx *Transaction, history []*Transaction) (ra *RuleAnalysis, score float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("rule scoring panicked, using default score", "user", tx.UserID, "panic", r)
			ra, score = nil, DefaultScore
		}
	}()
	ra = d.rules.Evaluate(history, tx)
	return ra, ra.RiskScore
}

// Info describes the detector configuration.
type Info struct {
	MLModelLoaded     bool    `json:"ml_model_loaded" yaml:"ml_model_loaded"`
	MLWeight          float64 `json:"ml_weight" yaml:"ml_weight"`
	RuleWeight        float64 `json:"rule_weight" yaml:"rule_weight"`
	DetectionMethod   string  `json:"detection_method" yaml:"detection_method"`
	Policy            string  `json:"policy" yaml:"policy"`
	FeaturesAvailable int     `json:"features_available" yaml:"features_available"`
	ScalersLoaded     bool    `json:"scalers_loaded" yaml:"scalers_loaded"`
}

// Info returns the current model and weight setup.
func (d *Detector) Info() *Info {
	info := &Info{
		MLWeight:        d.cfg.MLWeight,
		RuleWeight:      d.cfg.RuleWeight,
		DetectionMethod: MethodHybrid,
		Policy:          d.cfg.Policy,
	}
	if b := d.ml.Bundle(); b != nil {
		info.MLModelLoaded = true
		info.FeaturesAvailable = len(b.Pipeline.FeatureNames)
		info.ScalersLoaded = b.Pipeline.Scaler != nil
	}
	if info.Policy == "" {
		info.Policy = config.PolicyAggressive
	}
	return info
}
