package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/mchmarny/cardscore/pkg/metrics"
)

const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"

	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"

	escalationMinCount = 3
	escalationRate     = 0.6
	escalationJump     = 3.0
	rapidMinutes       = 5
	rapidShare         = 0.3
	scorePrecision     = 4
)

var recommendations = map[string]string{
	LevelCritical: "Immediate account review required. Consider account suspension and manual verification.",
	LevelHigh:     "Enhanced monitoring recommended. Require additional authentication for future transactions.",
	LevelMedium:   "Monitor closely. Consider transaction limits or additional verification for high-value transactions.",
	LevelLow:      "Normal monitoring. User appears to have legitimate transaction patterns.",
}

// riskFactor adds points to a user assessment when its check holds.
type riskFactor struct {
	points int
	text   string
	check  func(*BehavioralAnalysis) bool
}

var riskFactors = []riskFactor{
	{3, "High transaction block rate", func(b *BehavioralAnalysis) bool { return b.BlockRate > 0.5 }},
	{2, "Escalating risk pattern", func(b *BehavioralAnalysis) bool { return b.RiskScoreStats.Trend == TrendIncreasing }},
	{2, "Suspicious amount escalation", func(b *BehavioralAnalysis) bool { return b.Patterns.AmountEscalation }},
	{2, "Multiple geographic locations", func(b *BehavioralAnalysis) bool { return b.Patterns.GeographicSpread > 3 }},
	{1, "Frequent device switching", func(b *BehavioralAnalysis) bool { return b.Patterns.DeviceSwitching > 2 }},
	{2, "Rapid-fire transaction pattern", func(b *BehavioralAnalysis) bool { return b.Patterns.RapidTransactions }},
	{2, "Consistently high risk scores", func(b *BehavioralAnalysis) bool { return b.RiskScoreStats.Mean > 0.7 }},
}

// TransactionResult is the detection of one transaction in a sequence.
type TransactionResult struct {
	Sequence             int      `json:"sequence" yaml:"sequence"`
	TransactionID        string   `json:"transaction_id" yaml:"transaction_id"`
	Amount               float64  `json:"amount" yaml:"amount"`
	MerchantCategory     string   `json:"merchant_category" yaml:"merchant_category"`
	City                 string   `json:"city" yaml:"city"`
	DeviceType           string   `json:"device_type" yaml:"device_type"`
	HourOfDay            int      `json:"hour_of_day" yaml:"hour_of_day"`
	Decision             string   `json:"decision" yaml:"decision"`
	RiskScore            float64  `json:"risk_score" yaml:"risk_score"`
	RiskLevel            string   `json:"risk_level" yaml:"risk_level"`
	MLScore              float64  `json:"ml_score" yaml:"ml_score"`
	RuleScore            float64  `json:"rule_score" yaml:"rule_score"`
	DetectionMethod      string   `json:"detection_method" yaml:"detection_method"`
	RequiresVerification bool     `json:"requires_verification" yaml:"requires_verification"`
	Reasons              []string `json:"reasons" yaml:"reasons"`
	Confidence           string   `json:"confidence" yaml:"confidence"`
	ActualFraud          *bool    `json:"actual_fraud" yaml:"actual_fraud"`
}

type RiskScoreStats struct {
	Min   float64 `json:"min" yaml:"min"`
	Max   float64 `json:"max" yaml:"max"`
	Mean  float64 `json:"mean" yaml:"mean"`
	Std   float64 `json:"std" yaml:"std"`
	Trend string  `json:"trend" yaml:"trend"`
}

type ModelAnalysis struct {
	MLAvg       float64 `json:"ml_avg" yaml:"ml_avg"`
	RuleAvg     float64 `json:"rule_avg" yaml:"rule_avg"`
	MLDominance float64 `json:"ml_dominance" yaml:"ml_dominance"`
}

type Patterns struct {
	AmountEscalation  bool    `json:"amount_escalation" yaml:"amount_escalation"`
	GeographicSpread  int     `json:"geographic_spread" yaml:"geographic_spread"`
	DeviceSwitching   int     `json:"device_switching" yaml:"device_switching"`
	TimeSpanHours     float64 `json:"time_span_hours" yaml:"time_span_hours"`
	RapidTransactions bool    `json:"rapid_transactions" yaml:"rapid_transactions"`
	MerchantDiversity int     `json:"merchant_diversity" yaml:"merchant_diversity"`
}

// BehavioralAnalysis summarizes a user's transaction sequence.
type BehavioralAnalysis struct {
	TransactionCount    int            `json:"transaction_count" yaml:"transaction_count"`
	BlockedTransactions int            `json:"blocked_transactions" yaml:"blocked_transactions"`
	AllowedTransactions int            `json:"allowed_transactions" yaml:"allowed_transactions"`
	BlockRate           float64        `json:"block_rate" yaml:"block_rate"`
	RiskScoreStats      RiskScoreStats `json:"risk_score_stats" yaml:"risk_score_stats"`
	ModelAnalysis       ModelAnalysis  `json:"model_analysis" yaml:"model_analysis"`
	Patterns            Patterns       `json:"patterns" yaml:"patterns"`
}

// RiskAssessment is the overall verdict on a user.
type RiskAssessment struct {
	OverallRiskLevel string   `json:"overall_risk_level" yaml:"overall_risk_level"`
	RiskScore        int      `json:"risk_score" yaml:"risk_score"`
	RiskFactors      []string `json:"risk_factors" yaml:"risk_factors"`
	Recommendation   string   `json:"recommendation" yaml:"recommendation"`
}

// Analysis is the result of a user behaviour analysis.
type Analysis struct {
	UserID             string               `json:"user_id" yaml:"user_id"`
	TransactionResults []*TransactionResult `json:"transaction_results" yaml:"transaction_results"`
	BehavioralAnalysis *BehavioralAnalysis  `json:"behavioral_analysis" yaml:"behavioral_analysis"`
	RiskAssessment     *RiskAssessment      `json:"risk_assessment" yaml:"risk_assessment"`
	AccuracyMetrics    *metrics.Report      `json:"accuracy_metrics,omitempty" yaml:"accuracy_metrics,omitempty"`
}

// Analyze processes txs in order as transactions of userID, adding each to
// the user's history, and profiles the resulting sequence.
func (d *Detector) Analyze(ctx context.Context, userID string, txs []*Transaction) (*Analysis, error) {
	if len(txs) == 0 {
		return nil, &ValidationError{Message: "Transactions must be a non-empty list"}
	}

	results := make([]*TransactionResult, 0, len(txs))
	dets := make([]*Detection, 0, len(txs))
	for i, tx := range txs {
		tx.UserID = userID
		det, err := d.Process(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("processing transaction %d: %w", i, err)
		}
		dets = append(dets, det)
		results = append(results, newTransactionResult(i, tx, det))
	}

	ba := behavioralAnalysis(txs, dets)
	a := &Analysis{
		UserID:             userID,
		TransactionResults: results,
		BehavioralAnalysis: ba,
		RiskAssessment:     assess(ba),
		AccuracyMetrics:    accuracy(txs, dets),
	}

	slog.Info("user behavior analysis",
		"user", userID,
		"transactions", ba.TransactionCount,
		"blocked", ba.BlockedTransactions,
		"trend", ba.RiskScoreStats.Trend)
	return a, nil
}

func newTransactionResult(i int, tx *Transaction, det *Detection) *TransactionResult {
	id := tx.TransactionID
	if id == "" {
		id = fmt.Sprintf("seq_%d", i+1)
	}
	return &TransactionResult{
		Sequence:             i + 1,
		TransactionID:        id,
		Amount:               tx.Amount,
		MerchantCategory:     tx.MerchantCategory,
		City:                 tx.City,
		DeviceType:           tx.DeviceType,
		HourOfDay:            tx.HourOfDay,
		Decision:             det.Decision(),
		RiskScore:            Round(det.RiskScore),
		RiskLevel:            det.RiskLevel,
		MLScore:              Round(det.MLScore),
		RuleScore:            Round(det.RuleScore),
		DetectionMethod:      det.DetectionMethod,
		RequiresVerification: det.RequiresVerification,
		Reasons:              det.Reasons,
		Confidence:           det.Confidence,
		ActualFraud:          tx.IsFraud,
	}
}

func behavioralAnalysis(txs []*Transaction, dets []*Detection) *BehavioralAnalysis {
	n := len(dets)
	risk := make([]float64, n)
	ml := make([]float64, n)
	rule := make([]float64, n)
	amounts := make([]float64, n)
	dominant := make([]float64, n)
	cities := map[string]bool{}
	devices := map[string]bool{}
	merchants := map[string]bool{}

	blocked := 0
	for i, det := range dets {
		risk[i], ml[i], rule[i] = det.RiskScore, det.MLScore, det.RuleScore
		amounts[i] = txs[i].Amount
		dominant[i] = boolFloat(det.MLScore > det.RuleScore)
		if det.BlockTransaction {
			blocked++
		}
		cities[txs[i].City] = true
		devices[txs[i].DeviceType] = true
		merchants[txs[i].MerchantCategory] = true
	}

	trend := TrendStable
	switch {
	case risk[n-1] > risk[0]:
		trend = TrendIncreasing
	case risk[n-1] < risk[0]:
		trend = TrendDecreasing
	}

	return &BehavioralAnalysis{
		TransactionCount:    n,
		BlockedTransactions: blocked,
		AllowedTransactions: n - blocked,
		BlockRate:           float64(blocked) / float64(n),
		RiskScoreStats: RiskScoreStats{
			Min:   slices.Min(risk),
			Max:   slices.Max(risk),
			Mean:  mean(risk),
			Std:   populationStd(risk),
			Trend: trend,
		},
		ModelAnalysis: ModelAnalysis{
			MLAvg:       mean(ml),
			RuleAvg:     mean(rule),
			MLDominance: mean(dominant),
		},
		Patterns: Patterns{
			AmountEscalation:  amountEscalation(amounts),
			GeographicSpread:  len(cities),
			DeviceSwitching:   len(devices),
			TimeSpanHours:     timeSpanHours(txs),
			RapidTransactions: rapidTransactions(txs),
			MerchantDiversity: len(merchants),
		},
	}
}

// amountEscalation holds when most steps increase and at least one step
// more than triples the amount.
func amountEscalation(amounts []float64) bool {
	if len(amounts) < escalationMinCount {
		return false
	}

	increases := 0
	maxJump := 0.0
	for i := 1; i < len(amounts); i++ {
		if amounts[i] > amounts[i-1] {
			increases++
		}
		if amounts[i-1] > 0 {
			maxJump = math.Max(maxJump, amounts[i]/amounts[i-1])
		}
	}
	rate := float64(increases) / float64(len(amounts)-1)
	return rate > escalationRate && maxJump > escalationJump
}

func timeSpanHours(txs []*Transaction) float64 {
	if len(txs) < 2 {
		return 0
	}
	first, ok1 := txs[0].Time()
	last, ok2 := txs[len(txs)-1].Time()
	if !ok1 || !ok2 {
		return 0
	}
	return last.Sub(first).Hours()
}

// rapidTransactions holds when more than 30% of the transactions follow
// their predecessor within five minutes. Unparsable pairs are skipped.
func rapidTransactions(txs []*Transaction) bool {
	if len(txs) < 2 {
		return false
	}

	rapid := 0
	for i := 1; i < len(txs); i++ {
		prev, ok1 := txs[i-1].Time()
		cur, ok2 := txs[i].Time()
		if !ok1 || !ok2 {
			continue
		}
		if cur.Sub(prev).Minutes() < rapidMinutes {
			rapid++
		}
	}
	return float64(rapid) > float64(len(txs))*rapidShare
}

func assess(b *BehavioralAnalysis) *RiskAssessment {
	a := &RiskAssessment{RiskFactors: []string{}}
	for _, f := range riskFactors {
		if f.check(b) {
			a.RiskFactors = append(a.RiskFactors, f.text)
			a.RiskScore += f.points
		}
	}

	switch {
	case a.RiskScore >= 8:
		a.OverallRiskLevel = LevelCritical
	case a.RiskScore >= 5:
		a.OverallRiskLevel = LevelHigh
	case a.RiskScore >= 3:
		a.OverallRiskLevel = LevelMedium
	default:
		a.OverallRiskLevel = LevelLow
	}
	a.Recommendation = recommendations[a.OverallRiskLevel]
	return a
}

// accuracy scores block decisions against labels. It is nil unless every
// transaction is labelled.
func accuracy(txs []*Transaction, dets []*Detection) *metrics.Report {
	labels := make([]bool, len(txs))
	preds := make([]bool, len(txs))
	for i, tx := range txs {
		if tx.IsFraud == nil {
			return nil
		}
		labels[i] = *tx.IsFraud
		preds[i] = dets[i].BlockTransaction
	}

	m, err := metrics.Confusion(labels, preds)
	if err != nil {
		return nil
	}
	return m.Report()
}

// Round rounds a score to four decimal places.
func Round(v float64) float64 {
	p := math.Pow10(scorePrecision)
	return math.Round(v*p) / p
}
