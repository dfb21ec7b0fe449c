package ranking

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/mchmarny/cardscore/pkg/config"
)

// CardholderRecord is one row of a raw cardholder export. A cardholder may
// appear many times, once per record timestamp.
type CardholderRecord struct {
	UserID                   string  `csv:"user_id"`
	CreditLimit              float64 `csv:"credit_limit"`
	AvgRepaymentTime         float64 `csv:"avg_repayment_time"`
	TransactionSuccessRate   float64 `csv:"transaction_success_rate"`
	ResponseSpeed            float64 `csv:"response_speed"`
	DiscountHitRate          float64 `csv:"discount_hit_rate"`
	CommissionAcceptanceRate float64 `csv:"commission_acceptance_rate"`
	UserRating               float64 `csv:"user_rating"`
	DefaultCount             int     `csv:"default_count"`
	RecordTimestamp          string  `csv:"record_timestamp"`
}

// CardholderTransaction is one row of a cardholder transaction export.
type CardholderTransaction struct {
	TransactionID     string  `csv:"transaction_id"`
	CardholderID      string  `csv:"cardholder_id"`
	Amount            float64 `csv:"amount"`
	MerchantCategory  string  `csv:"merchant_category"`
	Status            string  `csv:"status"`
	Discount          string  `csv:"discount_applied"`
	CommissionCharged float64 `csv:"commission_charged"`
	ResponseTimeSec   float64 `csv:"response_time_sec"`
	UserRating        string  `csv:"user_rating"`
}

// DiscountApplied reports whether the discount column holds a true value.
func (t *CardholderTransaction) DiscountApplied() bool {
	b, err := strconv.ParseBool(strings.TrimSpace(t.Discount))
	return err == nil && b
}

// Rating returns the transaction rating when one was given.
func (t *CardholderTransaction) Rating() (float64, bool) {
	s := strings.TrimSpace(t.UserRating)
	if s == "" || strings.EqualFold(s, "nan") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ReadCardholderRecords decodes raw cardholder rows.
func ReadCardholderRecords(r io.Reader) ([]*CardholderRecord, error) {
	records := []*CardholderRecord{}
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("decoding cardholder csv: %w", err)
	}
	return records, nil
}

// ReadTransactions decodes cardholder transaction rows.
func ReadTransactions(r io.Reader) ([]*CardholderTransaction, error) {
	txs := []*CardholderTransaction{}
	if err := gocsv.Unmarshal(r, &txs); err != nil {
		return nil, fmt.Errorf("decoding transaction csv: %w", err)
	}
	return txs, nil
}

// WriteRanked encodes ranked cardholders with a header row.
func WriteRanked(w io.Writer, ranked []*RankedCardholder) error {
	if err := gocsv.Marshal(ranked, w); err != nil {
		return fmt.Errorf("encoding ranked csv: %w", err)
	}
	return nil
}

// LatestPerCardholder keeps the most recent record of each cardholder and
// maps it onto a profile. The result is ordered by record time; records
// with the same time keep their input order. Account creation is assumed
// one year before the last activity.
func LatestPerCardholder(records []*CardholderRecord, d config.CardholderDefaults) ([]*Cardholder, error) {
	type stamped struct {
		rec *CardholderRecord
		at  time.Time
	}

	rows := make([]stamped, 0, len(records))
	for i, rec := range records {
		at, err := ParseTime(rec.RecordTimestamp)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, rec.UserID, err)
		}
		rows = append(rows, stamped{rec: rec, at: at})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })

	latest := make(map[string]int, len(rows))
	for i, r := range rows {
		latest[r.rec.UserID] = i
	}

	out := make([]*Cardholder, 0, len(latest))
	for i, r := range rows {
		if latest[r.rec.UserID] != i {
			continue
		}
		ch := &Cardholder{
			ID:                     r.rec.UserID,
			CreditLimit:            r.rec.CreditLimit,
			AvgRepaymentDays:       r.rec.AvgRepaymentTime,
			TransactionSuccessRate: r.rec.TransactionSuccessRate,
			ResponseTimeSec:        r.rec.ResponseSpeed,
			DiscountHitRate:        r.rec.DiscountHitRate,
			CommissionAcceptance:   r.rec.CommissionAcceptanceRate,
			UserRating:             r.rec.UserRating,
			DefaultCount:           r.rec.DefaultCount,
			LastActive:             r.at,
			CreatedAt:              r.at.Add(-csvCreatedAtOffset),
			IsActive:               true,
		}
		applyDefaults(ch, d)
		out = append(out, ch)
	}
	return out, nil
}
