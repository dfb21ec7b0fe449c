// Package ranking scores cardholders with a health-score classifier and
// orders them for transaction routing.
package ranking

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mchmarny/cardscore/pkg/config"
)

const (
	minRepaymentDays = 1
	maxRepaymentDays = 60
	minUserRating    = 1
	maxUserRating    = 5
	maxDefaultCount  = 10

	// csvCreatedAtOffset is the assumed account age for records that only
	// carry a last activity timestamp.
	csvCreatedAtOffset = 365 * 24 * time.Hour
)

// Cardholder is the full profile used for feature engineering.
type Cardholder struct {
	ID                     string    `json:"cardholder_id"`
	CreditLimit            float64   `json:"credit_limit"`
	AvgRepaymentDays       float64   `json:"avg_repayment_days"`
	TransactionSuccessRate float64   `json:"transaction_success_rate"`
	ResponseTimeSec        float64   `json:"response_time_sec"`
	DiscountHitRate        float64   `json:"discount_hit_rate"`
	CommissionAcceptance   float64   `json:"commission_acceptance"`
	UserRating             float64   `json:"user_rating"`
	DefaultCount           int       `json:"default_count"`
	CardType               string    `json:"card_type"`
	UsageFrequency         int       `json:"usage_frequency_last_30_days"`
	AccountTenureMonths    int       `json:"account_tenure_months"`
	CashbackPotential      float64   `json:"cashback_earning_potential"`
	Location               string    `json:"geographic_location"`
	CreatedAt              time.Time `json:"created_at"`
	LastActive             time.Time `json:"last_active"`
	IsActive               bool      `json:"is_active"`
}

// CardholderRequest is the API shape of a cardholder. Pointer fields tell
// a missing value apart from a zero.
type CardholderRequest struct {
	UserID                   *string  `json:"user_id"`
	CreditLimit              *float64 `json:"credit_limit"`
	AvgRepaymentTime         *float64 `json:"avg_repayment_time"`
	TransactionSuccessRate   *float64 `json:"transaction_success_rate"`
	ResponseSpeed            *float64 `json:"response_speed"`
	DiscountHitRate          *float64 `json:"discount_hit_rate"`
	CommissionAcceptanceRate *float64 `json:"commission_acceptance_rate"`
	UserRating               *float64 `json:"user_rating"`
	DefaultCount             *float64 `json:"default_count"`
	RecordTimestamp          *string  `json:"record_timestamp,omitempty"`
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid cardholder: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks presence and ranges of every field.
func (r *CardholderRequest) Validate() error {
	ve := &ValidationError{}

	if r.UserID == nil || strings.TrimSpace(*r.UserID) == "" {
		ve.add("user_id", "field required")
	}

	checkRange := func(name string, v *float64, lo, hi float64) {
		switch {
		case v == nil:
			ve.add(name, "field required")
		case math.IsNaN(*v):
			ve.add(name, "must be a number")
		case *v < lo:
			ve.add(name, "must be greater than or equal to %v", lo)
		case *v > hi:
			ve.add(name, "must be less than or equal to %v", hi)
		}
	}
	checkInt := func(name string, v *float64, lo, hi float64) {
		checkRange(name, v, lo, hi)
		if v != nil && *v != math.Trunc(*v) {
			ve.add(name, "must be an integer")
		}
	}

	checkRange("credit_limit", r.CreditLimit, 0, math.Inf(1))
	checkRange("avg_repayment_time", r.AvgRepaymentTime, minRepaymentDays, maxRepaymentDays)
	checkRange("transaction_success_rate", r.TransactionSuccessRate, 0, 1)
	checkRange("response_speed", r.ResponseSpeed, 0, math.Inf(1))
	checkRange("discount_hit_rate", r.DiscountHitRate, 0, 1)
	checkRange("commission_acceptance_rate", r.CommissionAcceptanceRate, 0, 1)
	checkInt("user_rating", r.UserRating, minUserRating, maxUserRating)
	checkInt("default_count", r.DefaultCount, 0, maxDefaultCount)

	if r.RecordTimestamp != nil && *r.RecordTimestamp != "" {
		if _, err := ParseTime(*r.RecordTimestamp); err != nil {
			ve.add("record_timestamp", "invalid timestamp: %s", *r.RecordTimestamp)
		}
	}

	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}

// ToCardholder maps a validated request onto a cardholder, filling the
// profile fields the API does not carry from d.
func (r *CardholderRequest) ToCardholder(d config.CardholderDefaults, now time.Time) *Cardholder {
	ch := &Cardholder{
		ID:                     deref(r.UserID),
		CreditLimit:            derefFloat(r.CreditLimit),
		AvgRepaymentDays:       derefFloat(r.AvgRepaymentTime),
		TransactionSuccessRate: derefFloat(r.TransactionSuccessRate),
		ResponseTimeSec:        derefFloat(r.ResponseSpeed),
		DiscountHitRate:        derefFloat(r.DiscountHitRate),
		CommissionAcceptance:   derefFloat(r.CommissionAcceptanceRate),
		UserRating:             derefFloat(r.UserRating),
		DefaultCount:           int(derefFloat(r.DefaultCount)),
		CreatedAt:              now,
		LastActive:             now,
		IsActive:               true,
	}
	applyDefaults(ch, d)

	if r.RecordTimestamp != nil && *r.RecordTimestamp != "" {
		if t, err := ParseTime(*r.RecordTimestamp); err == nil {
			ch.LastActive = t
		}
	}
	return ch
}

func applyDefaults(ch *Cardholder, d config.CardholderDefaults) {
	ch.CardType = d.CardType
	ch.UsageFrequency = d.UsageFrequency
	ch.AccountTenureMonths = d.AccountTenureMonths
	ch.CashbackPotential = d.CashbackPotential
	ch.Location = d.Location
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses the ISO-8601 variants produced by common exporters.
// Timestamps without a zone are read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// RankedCardholder is a scored cardholder with its position.
type RankedCardholder struct {
	CardholderID           string  `json:"cardholder_id" yaml:"cardholder_id" csv:"cardholder_id"`
	HealthScore            float64 `json:"health_score" yaml:"health_score" csv:"health_score"`
	Rank                   int     `json:"rank" yaml:"rank" csv:"rank"`
	CreditLimit            float64 `json:"credit_limit" yaml:"credit_limit" csv:"credit_limit"`
	TransactionSuccessRate float64 `json:"transaction_success_rate" yaml:"transaction_success_rate" csv:"transaction_success_rate"`
	AvgRepaymentDays       float64 `json:"avg_repayment_days" yaml:"avg_repayment_days" csv:"avg_repayment_days"`
	ResponseTimeSec        float64 `json:"response_time_sec" yaml:"response_time_sec" csv:"response_time_sec"`
	DiscountHitRate        float64 `json:"discount_hit_rate" yaml:"discount_hit_rate" csv:"discount_hit_rate"`
	CommissionAcceptance   float64 `json:"commission_acceptance" yaml:"commission_acceptance" csv:"commission_acceptance"`
	UserRating             int     `json:"user_rating" yaml:"user_rating" csv:"user_rating"`
	DefaultCount           int     `json:"default_count" yaml:"default_count" csv:"default_count"`
}

func newRanked(ch *Cardholder, score float64) *RankedCardholder {
	return &RankedCardholder{
		CardholderID:           ch.ID,
		HealthScore:            score,
		CreditLimit:            ch.CreditLimit,
		TransactionSuccessRate: ch.TransactionSuccessRate,
		AvgRepaymentDays:       ch.AvgRepaymentDays,
		ResponseTimeSec:        ch.ResponseTimeSec,
		DiscountHitRate:        ch.DiscountHitRate,
		CommissionAcceptance:   ch.CommissionAcceptance,
		UserRating:             int(ch.UserRating),
		DefaultCount:           ch.DefaultCount,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
