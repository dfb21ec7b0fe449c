package fraud

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// TransactionRecord is one row of a labelled transaction export.
type TransactionRecord struct {
	TransactionID    string  `csv:"transaction_id"`
	UserID           string  `csv:"user_id"`
	Amount           float64 `csv:"amount"`
	MerchantCategory string  `csv:"merchant_category"`
	City             string  `csv:"city"`
	DeviceType       string  `csv:"device_type"`
	PaymentMethod    string  `csv:"payment_method"`
	HourOfDay        int     `csv:"hour_of_day"`
	DayOfWeek        string  `csv:"day_of_week"`
	Timestamp        string  `csv:"timestamp"`
	IsFraud          string  `csv:"is_fraud"`
}

// ReadTransactionRecords decodes a transaction CSV. Optional columns may
// be absent.
func ReadTransactionRecords(r io.Reader) ([]*TransactionRecord, error) {
	records := []*TransactionRecord{}
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("decoding transaction csv: %w", err)
	}
	return records, nil
}

// Transaction converts the row. Unparsable optional columns are dropped.
func (r *TransactionRecord) Transaction() *Transaction {
	tx := &Transaction{
		TransactionID:    r.TransactionID,
		UserID:           r.UserID,
		Amount:           r.Amount,
		MerchantCategory: r.MerchantCategory,
		City:             r.City,
		DeviceType:       r.DeviceType,
		PaymentMethod:    r.PaymentMethod,
		HourOfDay:        r.HourOfDay,
		Timestamp:        r.Timestamp,
	}
	if d, err := strconv.Atoi(strings.TrimSpace(r.DayOfWeek)); err == nil && d >= 0 && d <= 6 {
		tx.DayOfWeek = &d
	}
	if b, err := toBool(strings.TrimSpace(r.IsFraud)); err == nil && r.IsFraud != "" {
		tx.IsFraud = &b
	}
	return tx
}
