package ranking

import (
	"math"
	"slices"
	"time"

	"github.com/mchmarny/cardscore/pkg/config"
)

const (
	statusSuccess = "success"

	ratingConfidenceCount = 10
	riskRepaymentScale    = 30
	riskResponseScale     = 1800
	ratingScale           = 5
	hoursPerDay           = 24
)

// Aggregate summarizes the transactions of one cardholder.
type Aggregate struct {
	Count           int     `json:"total_transactions"`
	AvgAmount       float64 `json:"avg_amount"`
	AmountStd       float64 `json:"amount_std"`
	TotalAmount     float64 `json:"total_amount"`
	SuccessRate     float64 `json:"success_rate_from_txns"`
	DiscountRate    float64 `json:"discount_success_rate"`
	AvgCommission   float64 `json:"avg_commission"`
	TotalCommission float64 `json:"total_commission"`
	AvgResponse     float64 `json:"avg_response_time"`
	ResponseStd     float64 `json:"response_time_std"`
	AvgRating       float64 `json:"avg_user_rating"`
	RatingCount     int     `json:"rating_count"`
}

// defaultAggregate is used for cardholders without transactions.
func defaultAggregate(ch *Cardholder) *Aggregate {
	return &Aggregate{
		SuccessRate:  ch.TransactionSuccessRate,
		DiscountRate: ch.DiscountHitRate,
		AvgResponse:  ch.ResponseTimeSec,
		AvgRating:    ch.UserRating,
	}
}

// AggregateFor picks the aggregate of ch from a batch's aggregates.
// Without any batch transactions the cardholder's own rates stand in. A
// cardholder missing from a non-empty batch gets zero transaction rates,
// and a cardholder with no rated transactions keeps its own user rating.
func AggregateFor(ch *Cardholder, aggs map[string]*Aggregate) *Aggregate {
	if len(aggs) == 0 {
		return defaultAggregate(ch)
	}
	agg, ok := aggs[ch.ID]
	if !ok {
		return &Aggregate{AvgResponse: ch.ResponseTimeSec, AvgRating: ch.UserRating}
	}
	if agg.RatingCount == 0 {
		c := *agg
		c.AvgRating = ch.UserRating
		return &c
	}
	return agg
}

// AggregateTransactions groups transactions by cardholder. Standard
// deviations are sample deviations and 0 for a single transaction.
func AggregateTransactions(txs []*CardholderTransaction) map[string]*Aggregate {
	type acc struct {
		amounts, commissions, responses []float64
		success, discounts             int
		ratingSum                      float64
		ratings                        int
	}

	groups := make(map[string]*acc)
	for _, tx := range txs {
		a, ok := groups[tx.CardholderID]
		if !ok {
			a = &acc{}
			groups[tx.CardholderID] = a
		}
		a.amounts = append(a.amounts, tx.Amount)
		a.commissions = append(a.commissions, tx.CommissionCharged)
		a.responses = append(a.responses, tx.ResponseTimeSec)
		if tx.Status == statusSuccess {
			a.success++
		}
		if tx.DiscountApplied() {
			a.discounts++
		}
		if r, ok := tx.Rating(); ok {
			a.ratingSum += r
			a.ratings++
		}
	}

	out := make(map[string]*Aggregate, len(groups))
	for id, a := range groups {
		n := float64(len(a.amounts))
		agg := &Aggregate{
			Count:           len(a.amounts),
			AvgAmount:       mean(a.amounts),
			AmountStd:       sampleStd(a.amounts),
			TotalAmount:     sum(a.amounts),
			SuccessRate:     float64(a.success) / n,
			DiscountRate:    float64(a.discounts) / n,
			AvgCommission:   mean(a.commissions),
			TotalCommission: sum(a.commissions),
			AvgResponse:     mean(a.responses),
			ResponseStd:     sampleStd(a.responses),
			RatingCount:     a.ratings,
		}
		if a.ratings > 0 {
			agg.AvgRating = a.ratingSum / float64(a.ratings)
		}
		out[id] = agg
	}
	return out
}

// FeatureEngineer derives model features from a cardholder profile.
type FeatureEngineer struct {
	cfg config.RankingConfig
	now func() time.Time
}

// NewFeatureEngineer creates a feature engineer over the ranking config.
func NewFeatureEngineer(cfg config.RankingConfig) *FeatureEngineer {
	return &FeatureEngineer{cfg: cfg, now: time.Now}
}

func (f *FeatureEngineer) normalize(name string, v float64) float64 {
	r, ok := f.cfg.FeatureRanges[name]
	if !ok {
		return v
	}
	return r.Normalize(v)
}

// Features returns the numeric features of ch. A nil agg falls back to the
// cardholder's own rates. Categorical features are not included.
func (f *FeatureEngineer) Features(ch *Cardholder, agg *Aggregate, merchantCategory string) map[string]float64 {
	if agg == nil {
		agg = defaultAggregate(ch)
	}
	now := f.now()

	m := map[string]float64{
		"credit_limit":                 ch.CreditLimit,
		"avg_repayment_days":           ch.AvgRepaymentDays,
		"transaction_success_rate":     ch.TransactionSuccessRate,
		"response_time_sec":            ch.ResponseTimeSec,
		"discount_hit_rate":            ch.DiscountHitRate,
		"commission_acceptance":        ch.CommissionAcceptance,
		"user_rating":                  ch.UserRating,
		"default_count":                float64(ch.DefaultCount),
		"usage_frequency_last_30_days": float64(ch.UsageFrequency),
		"account_tenure_months":        float64(ch.AccountTenureMonths),
		"cashback_earning_potential":   ch.CashbackPotential,

		"total_transactions":     float64(agg.Count),
		"avg_amount":             agg.AvgAmount,
		"amount_std":             agg.AmountStd,
		"total_amount":           agg.TotalAmount,
		"success_rate_from_txns": agg.SuccessRate,
		"discount_success_rate":  agg.DiscountRate,
		"avg_commission":         agg.AvgCommission,
		"total_commission":       agg.TotalCommission,
		"avg_response_time":      agg.AvgResponse,
		"response_time_std":      agg.ResponseStd,
		"avg_user_rating":        agg.AvgRating,
		"rating_count":           float64(agg.RatingCount),

		"transaction_volume_score": math.Log1p(float64(agg.Count)),
		"amount_consistency":       1 / (1 + agg.AmountStd),
		"commission_efficiency":    agg.TotalCommission / (agg.TotalAmount + 1),
		"response_consistency":     1 / (1 + agg.ResponseStd),
		"rating_confidence":        math.Min(float64(agg.RatingCount)/ratingConfidenceCount, 1),

		"card_type_multiplier":   f.cfg.CardTypes[ch.CardType],
		"is_premium_card":        boolFloat(slices.Contains(f.cfg.PremiumCards, ch.CardType)),
		"days_since_last_active": days(now, ch.LastActive),
		"account_age_days":       days(now, ch.CreatedAt),
	}

	risk := float64(ch.DefaultCount)*0.3 +
		(1-ch.TransactionSuccessRate)*0.3 +
		(ch.AvgRepaymentDays/riskRepaymentScale)*0.2 +
		(ch.ResponseTimeSec/riskResponseScale)*0.2
	m["risk_score"] = risk
	m["reliability_score"] = ch.TransactionSuccessRate*0.4 + ch.UserRating/ratingScale*0.3 + (1-risk)*0.3

	compatible := false
	if preferred, ok := f.cfg.MerchantCategories[merchantCategory]; ok && merchantCategory != "" {
		compatible = slices.Contains(preferred, ch.CardType)
	}
	m["merchant_card_compatibility"] = boolFloat(compatible)

	m["credit_limit_normalized"] = f.normalize("credit_limit", ch.CreditLimit)
	m["repayment_speed_normalized"] = 1 - f.normalize("avg_repayment_days", ch.AvgRepaymentDays)
	m["response_speed_normalized"] = 1 - f.normalize("response_time_sec", ch.ResponseTimeSec)

	return m
}

// days returns whole days elapsed between t and now, truncated like a
// timedelta's day component.
func days(now, t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return math.Floor(now.Sub(t).Hours() / hoursPerDay)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return sum(v) / float64(len(v))
}

func sampleStd(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	m := mean(v)
	ss := 0.0
	for _, x := range v {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(v)-1))
}
