package fraud

import (
	"math"
	"slices"

	"github.com/mchmarny/cardscore/pkg/config"
)

const (
	amountBinWidth = 10000
	amountBins     = 10

	nightFrom    = 22
	nightTo      = 6
	businessFrom = 9
	businessTo   = 17

	ratioEpsilon     = 1e-8
	increaseMultiple = 2
	spikeMultiple    = 5
	newUserAvgHour   = 12
)

// categoricalFeatures are the string fields encoded by the pipeline.
var categoricalFeatures = []string{
	fieldMerchantCategory,
	fieldCity,
	fieldDeviceType,
	fieldPaymentMethod,
}

// FeatureExtractor builds the numeric model input of a transaction.
type FeatureExtractor struct {
	highRiskCategories []string
	highRiskCities     []string
	highAmount         float64
	veryHighAmount     float64
}

// NewFeatureExtractor creates an extractor from the fraud config.
func NewFeatureExtractor(cfg config.FraudConfig) *FeatureExtractor {
	return &FeatureExtractor{
		highRiskCategories: cfg.HighRiskCategories,
		highRiskCities:     cfg.HighRiskCities,
		highAmount:         cfg.HighAmount,
		veryHighAmount:     cfg.VeryHighAmount,
	}
}

// Extract returns the transaction and behaviour features of tx given the
// user's past transactions. Categorical fields are left to the pipeline
// encoders.
func (f *FeatureExtractor) Extract(tx *Transaction, history []*Transaction) map[string]float64 {
	hour := tx.HourOfDay
	day := tx.Weekday()

	isNight := hour >= nightFrom || hour <= nightTo
	isHighAmount := tx.Amount > f.highAmount
	isHighRiskCategory := slices.Contains(f.highRiskCategories, tx.MerchantCategory)

	m := map[string]float64{
		"amount":      tx.Amount,
		"hour_of_day": float64(hour),
		"hour":        float64(hour),
		"day_of_week": float64(day),
		"amount_log":  math.Log1p(tx.Amount),
		"amount_sqrt": math.Sqrt(tx.Amount),
		"amount_bin":  float64(amountBin(tx.Amount)),

		"is_night":              boolFloat(isNight),
		"is_weekend":            boolFloat(day == 5 || day == 6),
		"is_business_hours":     boolFloat(hour >= businessFrom && hour <= businessTo),
		"is_high_risk_category": boolFloat(isHighRiskCategory),
		"is_high_risk_city":     boolFloat(slices.Contains(f.highRiskCities, tx.City)),
		"is_high_amount":        boolFloat(isHighAmount),
		"is_very_high_amount":   boolFloat(tx.Amount > f.veryHighAmount),
		"high_amount_high_risk": boolFloat(isHighAmount && isHighRiskCategory),
		"night_high_amount":     boolFloat(isNight && isHighAmount),
	}

	for k, v := range behaviourFeatures(tx, day, history) {
		m[k] = v
	}
	return m
}

// amountBin buckets amounts in steps of 10000: up to 10000 is bin 0 and
// anything above 90000 is bin 9.
func amountBin(amount float64) int {
	if amount <= amountBinWidth {
		return 0
	}
	b := int(math.Ceil(amount/amountBinWidth)) - 1
	return min(b, amountBins-1)
}

func behaviourFeatures(tx *Transaction, day int, history []*Transaction) map[string]float64 {
	if len(history) == 0 {
		return map[string]float64{
			"avg_amount":        0,
			"std_amount":        0,
			"max_amount":        0,
			"min_amount":        0,
			"amount_ratio":      1,
			"avg_hour":          newUserAvgHour,
			"hour_diff":         0,
			"city_count":        1,
			"is_new_city":       0,
			"device_count":      1,
			"is_new_device":     0,
			"transaction_count": 0,
			"daily_frequency":   0,
			"amount_increase":   0,
			"amount_spike":      0,
		}
	}

	amounts := make([]float64, len(history))
	hours := make([]float64, len(history))
	cities := make(map[string]bool)
	devices := make(map[string]bool)
	sameDay := 0
	for i, h := range history {
		amounts[i] = h.Amount
		hours[i] = float64(h.HourOfDay)
		cities[h.City] = true
		devices[h.DeviceType] = true
		if h.Weekday() == day {
			sameDay++
		}
	}

	avg := mean(amounts)
	avgHour := mean(hours)
	return map[string]float64{
		"avg_amount":        avg,
		"std_amount":        populationStd(amounts),
		"max_amount":        slices.Max(amounts),
		"min_amount":        slices.Min(amounts),
		"amount_ratio":      tx.Amount / (avg + ratioEpsilon),
		"avg_hour":          avgHour,
		"hour_diff":         math.Abs(float64(tx.HourOfDay) - avgHour),
		"city_count":        float64(len(cities)),
		"is_new_city":       boolFloat(!cities[tx.City]),
		"device_count":      float64(len(devices)),
		"is_new_device":     boolFloat(!devices[tx.DeviceType]),
		"transaction_count": float64(len(history)),
		"daily_frequency":   float64(sameDay),
		"amount_increase":   boolFloat(tx.Amount > avg*increaseMultiple),
		"amount_spike":      boolFloat(tx.Amount > avg*spikeMultiple),
	}
}

func categoricalValue(tx *Transaction, name string) string {
	switch name {
	case fieldMerchantCategory:
		return tx.MerchantCategory
	case fieldCity:
		return tx.City
	case fieldDeviceType:
		return tx.DeviceType
	case fieldPaymentMethod:
		return tx.PaymentMethod
	default:
		return ""
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func populationStd(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := mean(v)
	ss := 0.0
	for _, x := range v {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(v)))
}
