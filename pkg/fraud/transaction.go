// Package fraud blends a tree-ensemble fraud probability with a threshold
// rule engine over per-user transaction history.
package fraud

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	fieldUserID           = "user_id"
	fieldAmount           = "amount"
	fieldMerchantCategory = "merchant_category"
	fieldCity             = "city"
	fieldDeviceType       = "device_type"
	fieldPaymentMethod    = "payment_method"
	fieldHourOfDay        = "hour_of_day"
	fieldDayOfWeek        = "day_of_week"
	fieldTimestamp        = "timestamp"
	fieldTransactionID    = "transaction_id"
	fieldIsFraud          = "is_fraud"
)

var requiredFields = []string{
	fieldUserID,
	fieldAmount,
	fieldMerchantCategory,
	fieldCity,
	fieldDeviceType,
	fieldPaymentMethod,
	fieldHourOfDay,
}

// ErrNoHistoryStore is returned when a detector is built without history.
var ErrNoHistoryStore = errors.New("history store required")

// Transaction is a single card payment.
type Transaction struct {
	TransactionID    string  `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty"`
	UserID           string  `json:"user_id" yaml:"user_id"`
	Amount           float64 `json:"amount" yaml:"amount"`
	MerchantCategory string  `json:"merchant_category" yaml:"merchant_category"`
	City             string  `json:"city" yaml:"city"`
	DeviceType       string  `json:"device_type" yaml:"device_type"`
	PaymentMethod    string  `json:"payment_method" yaml:"payment_method"`
	HourOfDay        int     `json:"hour_of_day" yaml:"hour_of_day"`
	DayOfWeek        *int    `json:"day_of_week,omitempty" yaml:"day_of_week,omitempty"`
	Timestamp        string  `json:"timestamp" yaml:"timestamp"`
	IsFraud          *bool   `json:"is_fraud,omitempty" yaml:"is_fraud,omitempty"`
}

// Time parses the transaction timestamp.
func (t *Transaction) Time() (time.Time, bool) {
	ts, err := parseTimestamp(t.Timestamp)
	return ts, err == nil
}

// Weekday returns the day of week with Monday as 0. An explicit day wins
// over the timestamp; without either it is 0.
func (t *Transaction) Weekday() int {
	if t.DayOfWeek != nil {
		return *t.DayOfWeek
	}
	if ts, ok := t.Time(); ok {
		return (int(ts.Weekday()) + 6) % 7
	}
	return 0
}

// ValidationError is a request the detector refuses to score.
type ValidationError struct {
	Fields  []string `json:"fields,omitempty"`
	Message string   `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

func missingFields(names []string) *ValidationError {
	return &ValidationError{
		Fields:  names,
		Message: "Missing required fields: " + strings.Join(names, ", "),
	}
}

func invalidType(field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Fields:  []string{field},
		Message: "Invalid data type: " + fmt.Sprintf(format, args...),
	}
}

// DecodeObject decodes a JSON object keeping numbers as json.Number.
func DecodeObject(b []byte) (map[string]any, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()

	var m map[string]any
	if err := d.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	if m == nil {
		return nil, errors.New("transaction must be a JSON object")
	}
	return m, nil
}

// ParseTransaction decodes and validates a raw JSON transaction.
func ParseTransaction(b []byte, now time.Time) (*Transaction, error) {
	m, err := DecodeObject(b)
	if err != nil {
		return nil, err
	}
	return ValidateRequest(m, now)
}

// ValidateRequest checks presence, types and ranges of a decoded request
// and returns the normalized transaction. Numbers may arrive as JSON
// numbers, numeric strings or booleans (true is 1). A missing timestamp
// defaults to now.
func ValidateRequest(m map[string]any, now time.Time) (*Transaction, error) {
	var missing []string
	for _, f := range requiredFields {
		if v, ok := m[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, missingFields(missing)
	}

	amount, err := toFloat(m[fieldAmount])
	if err != nil {
		return nil, invalidType(fieldAmount, "%s must be a number: %v", fieldAmount, err)
	}
	hour, err := toInt(m[fieldHourOfDay])
	if err != nil {
		return nil, invalidType(fieldHourOfDay, "%s must be an integer: %v", fieldHourOfDay, err)
	}

	tx := &Transaction{
		UserID:           toString(m[fieldUserID]),
		Amount:           amount,
		MerchantCategory: toString(m[fieldMerchantCategory]),
		City:             toString(m[fieldCity]),
		DeviceType:       toString(m[fieldDeviceType]),
		PaymentMethod:    toString(m[fieldPaymentMethod]),
		HourOfDay:        hour,
		TransactionID:    toString(m[fieldTransactionID]),
		Timestamp:        toString(m[fieldTimestamp]),
	}

	if v, ok := m[fieldDayOfWeek]; ok && v != nil {
		d, err := toInt(v)
		if err != nil {
			return nil, invalidType(fieldDayOfWeek, "%s must be an integer: %v", fieldDayOfWeek, err)
		}
		tx.DayOfWeek = &d
	}

	if v, ok := m[fieldIsFraud]; ok && v != nil {
		b, err := toBool(v)
		if err != nil {
			return nil, invalidType(fieldIsFraud, "%s must be a boolean: %v", fieldIsFraud, err)
		}
		tx.IsFraud = &b
	}

	if err := tx.validateRanges(); err != nil {
		return nil, err
	}

	if tx.Timestamp == "" {
		tx.Timestamp = now.UTC().Format(time.RFC3339)
	}
	return tx, nil
}

// Validate checks an already typed transaction, such as a decoded CSV
// row, with the same rules ValidateRequest applies. Empty required text
// fields count as missing.
func (t *Transaction) Validate() error {
	var missing []string
	for _, f := range []struct {
		name string
		v    string
	}{
		{fieldUserID, t.UserID},
		{fieldMerchantCategory, t.MerchantCategory},
		{fieldCity, t.City},
		{fieldDeviceType, t.DeviceType},
		{fieldPaymentMethod, t.PaymentMethod},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return missingFields(missing)
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return invalidType(fieldAmount, "%s must be a number: %v", fieldAmount, t.Amount)
	}
	return t.validateRanges()
}

func (t *Transaction) validateRanges() error {
	if t.Amount < 0 {
		return &ValidationError{Fields: []string{fieldAmount}, Message: "Amount must be non-negative"}
	}
	if t.HourOfDay < 0 || t.HourOfDay > 23 {
		return &ValidationError{Fields: []string{fieldHourOfDay}, Message: "Hour of day must be between 0 and 23"}
	}
	if t.DayOfWeek != nil && (*t.DayOfWeek < 0 || *t.DayOfWeek > 6) {
		return &ValidationError{Fields: []string{fieldDayOfWeek}, Message: "Day of week must be between 0 and 6"}
	}
	return nil
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, error) {
	var f float64
	var err error
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case float64:
		f = t
	case int:
		f = float64(t)
	case bool:
		if t {
			f = 1
		}
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

// toInt truncates fractional numbers; numeric strings must be integers.
func toInt(v any) (int, error) {
	if t, ok := v.(string); ok {
		return strconv.Atoi(strings.TrimSpace(t))
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return int(math.Trunc(f)), nil
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp: %q", s)
}
