package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/mchmarny/cardscore/pkg/data"
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDetectReport(t *testing.T) {
	yes, no := true, false
	txs := []*fraud.Transaction{{IsFraud: &yes}, {IsFraud: &no}, {IsFraud: &no}, {IsFraud: &yes}}
	results := []scored{
		{ok: true, blocked: true, risk: 0.9},
		{ok: true, blocked: false, risk: 0.1},
		{ok: true, blocked: true, risk: 0.85},
		{ok: true, blocked: false, risk: 0.4},
	}

	r := newDetectReport("local", txs, results)
	assert.Equal(t, 4, r.Transactions)
	assert.Equal(t, 4, r.Successful)
	assert.Equal(t, 2, r.Blocked)
	assert.Equal(t, 2, r.Allowed)
	require.NotNil(t, r.Metrics)
	assert.InDelta(t, 0.5, r.Metrics.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, r.Metrics.Precision, 1e-9)
	assert.InDelta(t, 0.5, r.Metrics.Recall, 1e-9)
	require.NotNil(t, r.ROCAUC)
	assert.InDelta(t, 0.75, *r.ROCAUC, 1e-9)
}

func TestNewDetectReportUnlabelled(t *testing.T) {
	yes := true
	txs := []*fraud.Transaction{{IsFraud: &yes}, {}}
	results := []scored{{ok: true, blocked: true, risk: 0.9}, {}}

	r := newDetectReport("local", txs, results)
	assert.Equal(t, 1, r.Successful)
	assert.Equal(t, 1, r.Failed)
	assert.Nil(t, r.Metrics)
	assert.Nil(t, r.ROCAUC)
}

func TestDetectLocal(t *testing.T) {
	app := &appConfig{Config: config.Default()}
	normal := func(hour int) *fraud.Transaction {
		return &fraud.Transaction{UserID: "u1", Amount: 100, MerchantCategory: "Grocery", City: "Pune", DeviceType: "mobile", PaymentMethod: "UPI", HourOfDay: hour}
	}
	txs := []*fraud.Transaction{
		normal(10),
		normal(11),
		normal(12),
		{UserID: "u1", Amount: 90000, MerchantCategory: "Electronics", City: "Miami", DeviceType: "desktop", PaymentMethod: "Card", HourOfDay: 3},
	}

	results, err := detectLocal(context.Background(), app, txs)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.ok)
	}
	assert.Greater(t, results[3].risk, results[0].risk)
	assert.True(t, results[3].blocked)
}

func TestDetectLocalSkipsInvalidRows(t *testing.T) {
	app := &appConfig{Config: config.Default()}
	row := func(amount float64, hour int) *fraud.Transaction {
		return &fraud.Transaction{UserID: "u1", Amount: amount, MerchantCategory: "Grocery", City: "Pune", DeviceType: "mobile", PaymentMethod: "UPI", HourOfDay: hour}
	}
	noCity := row(100, 10)
	noCity.City = ""

	txs := []*fraud.Transaction{
		row(100, 10),
		row(100, 25),
		row(-1, 10),
		noCity,
		row(100, 11),
	}

	results, err := detectLocal(context.Background(), app, txs)
	require.NoError(t, err)
	require.Len(t, results, len(txs))

	want := []bool{true, false, false, false, true}
	for i, r := range results {
		assert.Equal(t, want[i], r.ok, "row %d", i)
	}

	r := newDetectReport("local", txs, results)
	assert.Equal(t, 2, r.Successful)
	assert.Equal(t, 3, r.Failed)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{" Y \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"yes\n", false},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		ok, err := confirm(strings.NewReader(tt.in), &out, "test.db")
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, tt.in)
		assert.Contains(t, out.String(), "Are you sure? [y/N]: ")
	}
}

func TestResetStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "data.db")
	app := &appConfig{Config: config.Default(), DSN: dsn}
	require.NoError(t, openStore(app))

	hs, err := data.NewHistoryStore(app.DB, app.Driver, 0)
	require.NoError(t, err)
	require.NoError(t, hs.Append(context.Background(), &fraud.Transaction{UserID: "u1", Timestamp: "2025-01-06T10:00:00Z"}))

	require.NoError(t, resetStore(app))
	assert.Nil(t, app.DB)

	db, err := data.GetDB(dsn)
	require.NoError(t, err)
	defer db.Close()
	state, err := data.GetDataState(db)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state["history"])
	assert.Equal(t, int64(1), state["schema_version"])
}

func TestAPIKeyFile(t *testing.T) {
	home := t.TempDir()

	_, err := getAPIKeyFile(home)
	assert.Error(t, err)

	require.NoError(t, saveAPIKeyFile(home, "secret"))
	key, err := getAPIKeyFile(home)
	require.NoError(t, err)
	assert.Equal(t, "secret", key)

	st, err := os.Stat(filepath.Join(home, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
}

func TestWatchTargetSkipsEmptyPaths(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	w := watchTarget{paths: []string{"", ""}, reload: func() error { calls++; return nil }}
	assert.NoError(t, w.watch(ctx))
	assert.Zero(t, calls)
}
