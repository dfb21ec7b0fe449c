package fraud

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

const validTxJSON = `{
	"transaction_id": "t1",
	"user_id": "u1",
	"amount": 2500.5,
	"merchant_category": "Grocery",
	"city": "Mumbai",
	"device_type": "mobile",
	"payment_method": "UPI",
	"hour_of_day": 14
}`

func TestParseTransaction(t *testing.T) {
	tx, err := ParseTransaction([]byte(validTxJSON), testNow)
	require.NoError(t, err)
	assert.Equal(t, "t1", tx.TransactionID)
	assert.Equal(t, "u1", tx.UserID)
	assert.Equal(t, 2500.5, tx.Amount)
	assert.Equal(t, 14, tx.HourOfDay)
	assert.Equal(t, "2025-01-06T10:00:00Z", tx.Timestamp)
	assert.Nil(t, tx.DayOfWeek)
	assert.Nil(t, tx.IsFraud)
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		json string
		msg  string
	}{
		{"missing fields", `{"user_id": "u1", "amount": 10}`, "Missing required fields: merchant_category, city, device_type, payment_method, hour_of_day"},
		{"null is missing", `{"user_id": null, "amount": 1, "merchant_category": "a", "city": "b", "device_type": "c", "payment_method": "d", "hour_of_day": 1}`, "Missing required fields: user_id"},
		{"bad amount", `{"user_id": "u", "amount": "lots", "merchant_category": "a", "city": "b", "device_type": "c", "payment_method": "d", "hour_of_day": 1}`, "Invalid data type: amount must be a number"},
		{"bad hour", `{"user_id": "u", "amount": 1, "merchant_category": "a", "city": "b", "device_type": "c", "payment_method": "d", "hour_of_day": "noon"}`, "Invalid data type: hour_of_day must be an integer"},
		{"negative amount", `{"user_id": "u", "amount": -1, "merchant_category": "a", "city": "b", "device_type": "c", "payment_method": "d", "hour_of_day": 1}`, "Amount must be non-negative"},
		{"hour too high", `{"user_id": "u", "amount": 1, "merchant_category": "a", "city": "b", "device_type": "c", "payment_method": "d", "hour_of_day": 24}`, "Hour of day must be between 0 and 23"},
		{"bad day", `{"user_id": "u", "amount": 1, "merchant_category": "a", "city": "b", "device_type": "c", "payment_method": "d", "hour_of_day": 1, "day_of_week": 7}`, "Day of week must be between 0 and 6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTransaction([]byte(tt.json), testNow)
			require.Error(t, err)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.True(t, strings.HasPrefix(ve.Error(), tt.msg), ve.Error())
		})
	}
}

func TestValidateRequestNumericStrings(t *testing.T) {
	tx, err := ParseTransaction([]byte(`{
		"user_id": 42, "amount": "1500", "merchant_category": "Travel Agency",
		"city": "Pune", "device_type": "desktop", "payment_method": "Card",
		"hour_of_day": "7", "day_of_week": 5, "is_fraud": 1,
		"timestamp": "2025-01-04T07:00:00"
	}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, "42", tx.UserID)
	assert.Equal(t, 1500.0, tx.Amount)
	assert.Equal(t, 7, tx.HourOfDay)
	require.NotNil(t, tx.DayOfWeek)
	assert.Equal(t, 5, *tx.DayOfWeek)
	require.NotNil(t, tx.IsFraud)
	assert.True(t, *tx.IsFraud)
	assert.Equal(t, "2025-01-04T07:00:00", tx.Timestamp)
}

func TestValidateRequestBooleans(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		hour   string
		want   float64
		wantH  int
	}{
		{"true amount", "true", "3", 1, 3},
		{"false amount", "false", "3", 0, 3},
		{"true hour", "10", "true", 10, 1},
		{"false hour", "10", "false", 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := ParseTransaction([]byte(`{
				"user_id": "u", "amount": `+tt.amount+`, "merchant_category": "a",
				"city": "b", "device_type": "c", "payment_method": "d",
				"hour_of_day": `+tt.hour+`
			}`), testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tx.Amount)
			assert.Equal(t, tt.wantH, tx.HourOfDay)
		})
	}
}

func TestTransactionValidate(t *testing.T) {
	day := func(d int) *int { return &d }
	valid := func() *Transaction {
		return &Transaction{
			UserID: "u", Amount: 10, MerchantCategory: "Grocery", City: "Pune",
			DeviceType: "mobile", PaymentMethod: "UPI", HourOfDay: 10,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
		msg    string
	}{
		{"valid", func(*Transaction) {}, ""},
		{"empty user", func(tx *Transaction) { tx.UserID = " " }, "Missing required fields: user_id"},
		{"empty city and device", func(tx *Transaction) { tx.City, tx.DeviceType = "", "" }, "Missing required fields: city, device_type"},
		{"negative amount", func(tx *Transaction) { tx.Amount = -5 }, "Amount must be non-negative"},
		{"hour too high", func(tx *Transaction) { tx.HourOfDay = 24 }, "Hour of day must be between 0 and 23"},
		{"hour negative", func(tx *Transaction) { tx.HourOfDay = -1 }, "Hour of day must be between 0 and 23"},
		{"bad day", func(tx *Transaction) { tx.DayOfWeek = day(9) }, "Day of week must be between 0 and 6"},
		{"good day", func(tx *Transaction) { tx.DayOfWeek = day(6) }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid()
			tt.mutate(tx)
			err := tx.Validate()
			if tt.msg == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.msg, ve.Error())
		})
	}
}

func TestParseTransactionNotObject(t *testing.T) {
	_, err := ParseTransaction([]byte(`[1, 2]`), testNow)
	assert.Error(t, err)
	_, err = ParseTransaction([]byte(`null`), testNow)
	assert.Error(t, err)
}

func TestWeekday(t *testing.T) {
	day := 3
	tests := []struct {
		name string
		tx   Transaction
		want int
	}{
		{"explicit", Transaction{DayOfWeek: &day, Timestamp: "2025-01-06T10:00:00Z"}, 3},
		{"monday", Transaction{Timestamp: "2025-01-06T10:00:00Z"}, 0},
		{"sunday", Transaction{Timestamp: "2025-01-05 23:59:00"}, 6},
		{"unparsable", Transaction{Timestamp: "later"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tx.Weekday())
		})
	}
}

func TestReadTransactionRecords(t *testing.T) {
	in := "transaction_id,user_id,amount,merchant_category,city,device_type,payment_method,hour_of_day,timestamp,is_fraud\n" +
		"t1,u1,100,Grocery,Pune,mobile,UPI,10,2025-01-06 10:00:00,0\n" +
		"t2,u1,90000,Jewelry,Goa,desktop,Card,3,2025-01-06 10:02:00,1\n"
	records, err := ReadTransactionRecords(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 2)

	tx := records[1].Transaction()
	assert.Equal(t, "t2", tx.TransactionID)
	assert.Equal(t, 90000.0, tx.Amount)
	assert.Nil(t, tx.DayOfWeek)
	require.NotNil(t, tx.IsFraud)
	assert.True(t, *tx.IsFraud)
	require.NotNil(t, records[0].Transaction().IsFraud)
	assert.False(t, *records[0].Transaction().IsFraud)
}
