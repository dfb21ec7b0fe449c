package fraud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T, ml float64, mutate ...func(*config.FraudConfig)) *Detector {
	t.Helper()
	cfg := config.Default().Fraud
	for _, m := range mutate {
		m(&cfg)
	}
	d, err := NewDetector(cfg, NewMLScorer(constBundle(t, ml), NewFeatureExtractor(cfg)), NewMemoryHistory(100))
	require.NoError(t, err)
	return d
}

func tx(user string, amount float64, hour int) *Transaction {
	return &Transaction{
		UserID:           user,
		Amount:           amount,
		MerchantCategory: "Grocery",
		City:             "Mumbai",
		DeviceType:       "mobile",
		PaymentMethod:    "UPI",
		HourOfDay:        hour,
	}
}

func TestNewDetectorRequiresHistory(t *testing.T) {
	_, err := NewDetector(config.Default().Fraud, nil, nil)
	assert.ErrorIs(t, err, ErrNoHistoryStore)
}

func TestDetectAggressive(t *testing.T) {
	tests := []struct {
		name    string
		ml      float64
		tx      *Transaction
		level   string
		block   bool
		reasons []string
	}{
		{"allow", 0.1, tx("u", 1000, 14), RiskLow, false, []string{}},
		{
			"reasons without block", 0.1, tx("u", 75000, 3), RiskLow, false,
			[]string{"High amount transaction ($75,000.00)", "Suspicious time (3:00)"},
		},
		{"ml block", 0.35, tx("u", 1000, 14), RiskHigh, true, []string{"ML model indicates possible fraud (0.350)"}},
		{"below thresholds", 0.29, tx("u", 1000, 14), RiskLow, false, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(t, tt.ml)
			det := d.Detect(context.Background(), tt.tx)

			assert.Equal(t, MethodHybrid, det.DetectionMethod)
			assert.InDelta(t, 0.7*tt.ml+0.3*0.1, det.RiskScore, 1e-9)
			assert.InDelta(t, tt.ml, det.MLScore, 1e-9)
			assert.InDelta(t, 0.1, det.RuleScore, 1e-9)
			assert.Equal(t, tt.level, det.RiskLevel)
			assert.Equal(t, tt.block, det.BlockTransaction)
			assert.Equal(t, tt.block, det.RequiresVerification)
			assert.Equal(t, tt.reasons, det.Reasons)
			require.NotNil(t, det.HybridAnalysis)
			assert.Equal(t, 0.7, det.HybridAnalysis.MLWeight)

			if tt.level == RiskHigh {
				assert.Equal(t, ConfidenceHigh, det.Confidence)
			} else {
				assert.Equal(t, ConfidenceLow, det.Confidence)
			}
		})
	}
}

func TestDetectTiered(t *testing.T) {
	tiered := func(c *config.FraudConfig) { c.Policy = config.PolicyTiered }

	tests := []struct {
		ml     float64
		level  string
		verify bool
		block  bool
	}{
		{0.5, RiskLow, false, false},
		{0.6, RiskMedium, true, false},
		{0.9, RiskHigh, true, false},
		{1.0, RiskHigh, true, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("ml %.1f", tt.ml), func(t *testing.T) {
			det := newTestDetector(t, tt.ml, tiered).Detect(context.Background(), tx("u", 100, 12))
			assert.Equal(t, tt.level, det.RiskLevel)
			assert.Equal(t, tt.verify, det.RequiresVerification)
			assert.Equal(t, tt.block, det.BlockTransaction)
		})
	}

	// rules push the hybrid score over the block threshold
	d := newTestDetector(t, 1.0, tiered)
	for i := 0; i < 3; i++ {
		_, err := d.Process(context.Background(), tx("u", 1000, 14))
		require.NoError(t, err)
	}
	big := tx("u", 35000, 3)
	big.City = "Delhi"
	det := d.Detect(context.Background(), big)
	assert.InDelta(t, 0.97, det.RiskScore, 1e-9)
	assert.True(t, det.BlockTransaction)
}

func TestProcessBuildsHistory(t *testing.T) {
	d := newTestDetector(t, 0.1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		det, err := d.Process(ctx, tx("u1", 1000, 14))
		require.NoError(t, err)
		assert.InDelta(t, 0.1, det.RuleScore, 1e-9)
	}

	h, err := d.History().History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, h, 3)

	det, err := d.Process(ctx, tx("u1", 1000, 20))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, det.RuleScore, 1e-9)
	assert.Equal(t, []string{config.RuleUnusualTimePattern}, det.RulesTriggered)
	assert.True(t, det.BlockTransaction)
	assert.Contains(t, det.Reasons, "Rule-based system flags as possible fraud (0.400)")
}

func TestProcessConcurrentSameUser(t *testing.T) {
	d := newTestDetector(t, 0.1)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Process(ctx, tx("same", 100, 10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h, err := d.History().History(ctx, "same")
	require.NoError(t, err)
	assert.Len(t, h, n)
}

// overlapHistory records the most calls that were in flight at once.
type overlapHistory struct {
	*MemoryHistory
	inFlight atomic.Int32
	max      atomic.Int32
}

func (o *overlapHistory) enter() func() {
	n := o.inFlight.Add(1)
	for {
		m := o.max.Load()
		if n <= m || o.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { o.inFlight.Add(-1) }
}

func (o *overlapHistory) Append(ctx context.Context, tx *Transaction) error {
	defer o.enter()()
	return o.MemoryHistory.Append(ctx, tx)
}

func (o *overlapHistory) History(ctx context.Context, userID string) ([]*Transaction, error) {
	defer o.enter()()
	return o.MemoryHistory.History(ctx, userID)
}

func TestAppendSharesUserLock(t *testing.T) {
	h := &overlapHistory{MemoryHistory: NewMemoryHistory(100)}
	d, err := NewDetector(config.Default().Fraud, nil, h)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := d.Process(ctx, tx("same", 100, 10))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			l, err := d.Append(ctx, tx("same", 200, 11))
			assert.NoError(t, err)
			assert.Positive(t, l)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.max.Load())
	list, err := h.MemoryHistory.History(ctx, "same")
	require.NoError(t, err)
	assert.Len(t, list, 2*n)
}

func TestAppendReturnsLength(t *testing.T) {
	d := newTestDetector(t, 0.1)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		l, err := d.Append(ctx, tx("u", 10, 10))
		require.NoError(t, err)
		assert.Equal(t, i, l)
	}
	l, err := d.Append(ctx, tx("other", 10, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, l)
}

type failingHistory struct{ *MemoryHistory }

func (f *failingHistory) History(context.Context, string) ([]*Transaction, error) {
	return nil, errors.New("store down")
}

func TestDetectHistoryFailure(t *testing.T) {
	cfg := config.Default().Fraud
	d, err := NewDetector(cfg, nil, &failingHistory{MemoryHistory: NewMemoryHistory(10)})
	require.NoError(t, err)

	det := d.Detect(context.Background(), tx("u", 10, 10))
	assert.Equal(t, MethodError, det.DetectionMethod)
	assert.Equal(t, DefaultScore, det.RiskScore)
	assert.Equal(t, RiskMedium, det.RiskLevel)
	assert.True(t, det.RequiresVerification)
	assert.False(t, det.BlockTransaction)
	assert.Contains(t, det.Error, "store down")
}

type memoryRecorder struct {
	mu   sync.Mutex
	dets []*Detection
}

func (r *memoryRecorder) Record(_ context.Context, _ *Transaction, d *Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dets = append(r.dets, d)
	return nil
}

func TestProcessRecords(t *testing.T) {
	d := newTestDetector(t, 0.1)
	rec := &memoryRecorder{}
	d.SetRecorder(rec)

	_, err := d.Process(context.Background(), tx("u", 10, 10))
	require.NoError(t, err)
	assert.Len(t, rec.dets, 1)
}

func TestInfo(t *testing.T) {
	info := newTestDetector(t, 0.1).Info()
	assert.True(t, info.MLModelLoaded)
	assert.Equal(t, 1, info.FeaturesAvailable)
	assert.False(t, info.ScalersLoaded)
	assert.Equal(t, MethodHybrid, info.DetectionMethod)
	assert.Equal(t, config.PolicyAggressive, info.Policy)

	d, err := NewDetector(config.Default().Fraud, nil, NewMemoryHistory(0))
	require.NoError(t, err)
	assert.False(t, d.Info().MLModelLoaded)
}

func TestAnalyze(t *testing.T) {
	d := newTestDetector(t, 0.1)
	start := time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC)
	no, yes := false, true

	amounts := []float64{1000, 1200, 1500, 80000}
	txs := make([]*Transaction, len(amounts))
	for i, a := range amounts {
		txs[i] = tx("ignored", a, 14)
		txs[i].Timestamp = start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		txs[i].IsFraud = &no
	}
	txs[3].HourOfDay = 3
	txs[3].City = "Delhi"
	txs[3].IsFraud = &yes
	txs[1].TransactionID = "given"

	a, err := d.Analyze(context.Background(), "u9", txs)
	require.NoError(t, err)
	assert.Equal(t, "u9", a.UserID)
	require.Len(t, a.TransactionResults, 4)

	r := a.TransactionResults
	assert.Equal(t, "seq_1", r[0].TransactionID)
	assert.Equal(t, "given", r[1].TransactionID)
	assert.Equal(t, 4, r[3].Sequence)
	assert.Equal(t, DecisionAllow, r[0].Decision)
	assert.Equal(t, DecisionBlock, r[3].Decision)
	assert.Equal(t, 0.34, r[3].RiskScore)

	b := a.BehavioralAnalysis
	assert.Equal(t, 4, b.TransactionCount)
	assert.Equal(t, 1, b.BlockedTransactions)
	assert.Equal(t, 3, b.AllowedTransactions)
	assert.Equal(t, 0.25, b.BlockRate)
	assert.Equal(t, TrendIncreasing, b.RiskScoreStats.Trend)
	assert.InDelta(t, 0.1, b.RiskScoreStats.Min, 1e-9)
	assert.InDelta(t, 0.34, b.RiskScoreStats.Max, 1e-9)
	assert.InDelta(t, 0.16, b.RiskScoreStats.Mean, 1e-9)
	assert.Equal(t, 0.0, b.ModelAnalysis.MLDominance)
	assert.True(t, b.Patterns.AmountEscalation)
	assert.Equal(t, 2, b.Patterns.GeographicSpread)
	assert.Equal(t, 1, b.Patterns.DeviceSwitching)
	assert.Equal(t, 1, b.Patterns.MerchantDiversity)
	assert.InDelta(t, 0.05, b.Patterns.TimeSpanHours, 1e-9)
	assert.True(t, b.Patterns.RapidTransactions)

	ra := a.RiskAssessment
	assert.Equal(t, 6, ra.RiskScore)
	assert.Equal(t, LevelHigh, ra.OverallRiskLevel)
	assert.Equal(t, []string{"Escalating risk pattern", "Suspicious amount escalation", "Rapid-fire transaction pattern"}, ra.RiskFactors)
	assert.Equal(t, recommendations[LevelHigh], ra.Recommendation)

	require.NotNil(t, a.AccuracyMetrics)
	assert.Equal(t, 1.0, a.AccuracyMetrics.Accuracy)
	assert.Equal(t, 1.0, a.AccuracyMetrics.F1)

	h, err := d.History().History(context.Background(), "u9")
	require.NoError(t, err)
	assert.Len(t, h, 4)
}

func TestAnalyzeWithoutLabels(t *testing.T) {
	d := newTestDetector(t, 0.1)
	a, err := d.Analyze(context.Background(), "u", []*Transaction{tx("u", 10, 10)})
	require.NoError(t, err)
	assert.Nil(t, a.AccuracyMetrics)
	assert.Equal(t, TrendStable, a.BehavioralAnalysis.RiskScoreStats.Trend)
	assert.Equal(t, LevelLow, a.RiskAssessment.OverallRiskLevel)
	assert.False(t, a.BehavioralAnalysis.Patterns.RapidTransactions)

	_, err = d.Analyze(context.Background(), "u", nil)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestAmountEscalation(t *testing.T) {
	assert.False(t, amountEscalation([]float64{1, 100}))
	assert.False(t, amountEscalation([]float64{100, 200, 300, 400}))
	assert.True(t, amountEscalation([]float64{100, 200, 300, 1000}))
	assert.False(t, amountEscalation([]float64{100, 1000, 500, 400}))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.1235, Round(0.123456))
	assert.Equal(t, 0.5, Round(0.5))
}

func TestMemoryHistory(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(2)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Append(ctx, tx("a", float64(i), 1)))
	}
	require.NoError(t, h.Append(ctx, tx("b", 9, 1)))
	assert.Error(t, h.Append(ctx, nil))

	list, err := h.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1.0, list[0].Amount)
	assert.Equal(t, 2.0, list[1].Amount)

	// returned slice is a copy
	list[0] = nil
	again, _ := h.History(ctx, "a")
	assert.NotNil(t, again[0])

	s, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Users)
	assert.Equal(t, 3, s.Transactions)
	assert.Equal(t, 1.5, s.AvgTransactionsPerUser)

	empty, err := h.History(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
