package cli

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/mchmarny/cardscore/pkg/client"
	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/mchmarny/cardscore/pkg/ranking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	goodCardholder = `{"user_id":"c1","credit_limit":150000,"avg_repayment_time":3,"transaction_success_rate":0.98,"response_speed":60,"discount_hit_rate":0.8,"commission_acceptance_rate":0.9,"user_rating":5,"default_count":0}`
	weakCardholder = `{"user_id":"c2","credit_limit":15000,"avg_repayment_time":28,"transaction_success_rate":0.6,"response_speed":1500,"discount_hit_rate":0.1,"commission_acceptance_rate":0.2,"user_rating":2,"default_count":6}`
)

func testRankRouter(t *testing.T, fallback bool) http.Handler {
	t.Helper()
	cfg := config.Default().Ranking
	cfg.Fallback = fallback
	return makeRankRouter(newRankService(cfg, nil))
}

func TestRankRoot(t *testing.T) {
	h := testRankRouter(t, true)

	rec := serve(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[map[string]string](t, rec)
	assert.Equal(t, "Cardholder Ranking API", (*m)["message"])
	assert.Equal(t, "/health", (*m)["health"])

	rec = serve(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRankHealth(t *testing.T) {
	rec := serve(t, testRankRouter(t, true), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[client.RankHealth](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, ranking.ScorerWeighted, h.Scorer)
	assert.False(t, h.ModelLoaded)

	rec = serve(t, testRankRouter(t, false), http.MethodGet, "/health", "")
	h = decode[client.RankHealth](t, rec)
	assert.Equal(t, "unhealthy", h.Status)
}

func TestRankSingle(t *testing.T) {
	h := testRankRouter(t, true)

	rec := serve(t, h, http.MethodPost, "/rank-single", goodCardholder)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[client.RankSingleResponse](t, rec)
	require.NotNil(t, resp.Cardholder)
	assert.Equal(t, "c1", resp.Cardholder.CardholderID)
	assert.Equal(t, 1, resp.Cardholder.Rank)
	assert.NotEmpty(t, resp.RequestID)
	assert.GreaterOrEqual(t, resp.Cardholder.HealthScore, 0.0)
	assert.LessOrEqual(t, resp.Cardholder.HealthScore, 1.0)
}

func TestRankSingleErrors(t *testing.T) {
	tests := []struct {
		name     string
		fallback bool
		body     string
		want     int
		msg      string
	}{
		{"empty body", true, "", http.StatusBadRequest, "No JSON data provided"},
		{"bad json", true, "{", http.StatusBadRequest, "Invalid JSON"},
		{"missing fields", true, `{"user_id":"c1"}`, http.StatusUnprocessableEntity, "credit_limit"},
		{"rating out of range", true, `{"user_id":"c1","credit_limit":1,"avg_repayment_time":3,"transaction_success_rate":0.9,"response_speed":1,"discount_hit_rate":0.1,"commission_acceptance_rate":0.1,"user_rating":9,"default_count":0}`, http.StatusUnprocessableEntity, "user_rating"},
		{"no scorer", false, goodCardholder, http.StatusInternalServerError, "Model not loaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, testRankRouter(t, tt.fallback), http.MethodPost, "/rank-single", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.msg)
		})
	}
}

func TestRankBatch(t *testing.T) {
	h := testRankRouter(t, true)

	rec := serve(t, h, http.MethodPost, "/rank-batch", `{"cardholders":[`+weakCardholder+`,`+goodCardholder+`]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[client.RankBatchResponse](t, rec)
	require.Len(t, resp.RankedCardholders, 2)
	assert.Equal(t, 2, resp.TotalCardholders)
	assert.Equal(t, "c1", resp.RankedCardholders[0].CardholderID)
	assert.Equal(t, 1, resp.RankedCardholders[0].Rank)
	assert.Equal(t, 2, resp.RankedCardholders[1].Rank)
	assert.GreaterOrEqual(t, resp.RankedCardholders[0].HealthScore, resp.RankedCardholders[1].HealthScore)

	rec = serve(t, h, http.MethodPost, "/rank-batch", `{"cardholders":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodPost, "/rank-batch", `{"cardholders":[`+goodCardholder+`,{"user_id":"x"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decode[struct {
		Details []itemErrors `json:"details"`
	}](t, rec)
	require.Len(t, e.Details, 1)
	assert.Equal(t, 1, e.Details[0].Index)
}

func TestRankTop(t *testing.T) {
	h := testRankRouter(t, true)
	body := `{"cardholders":[` + weakCardholder + `,` + goodCardholder + `]}`

	for _, k := range []string{"0", "101", "x"} {
		rec := serve(t, h, http.MethodPost, "/rank-top?top_k="+k, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, k)
		assert.Contains(t, rec.Body.String(), "top_k must be between 1 and 100")
	}

	rec := serve(t, h, http.MethodPost, "/rank-top?top_k=1", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[client.RankTopResponse](t, rec)
	assert.Equal(t, 1, resp.TopK)
	assert.Equal(t, 2, resp.TotalCardholders)
	require.Len(t, resp.TopCardholders, 1)
	assert.Equal(t, "c1", resp.TopCardholders[0].CardholderID)

	rec = serve(t, h, http.MethodPost, "/rank-top", body)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[client.RankTopResponse](t, rec)
	assert.Equal(t, topKDefault, resp.TopK)
	assert.Len(t, resp.TopCardholders, 2)
}

func TestModelInfoNotLoaded(t *testing.T) {
	rec := serve(t, testRankRouter(t, true), http.MethodGet, "/model-info", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Model not loaded")
}

func TestReadCSVAndWriteRanked(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "cardholders.csv")
	require.NoError(t, os.WriteFile(in, []byte(
		"user_id,credit_limit,avg_repayment_time,transaction_success_rate,response_speed,discount_hit_rate,commission_acceptance_rate,user_rating,default_count,record_timestamp\n"+
			"c1,150000,3,0.98,60,0.8,0.9,5,0,2025-01-01T10:00:00\n"+
			"c2,15000,28,0.6,1500,0.1,0.2,2,6,2025-01-01T10:00:00\n"), 0600))

	records, err := readCSV(in, ranking.ReadCardholderRecords)
	require.NoError(t, err)
	require.Len(t, records, 2)

	_, err = readCSV(filepath.Join(dir, "missing.csv"), ranking.ReadCardholderRecords)
	assert.Error(t, err)

	out := filepath.Join(dir, "ranked.csv")
	require.NoError(t, writeRankedFile(out, []*ranking.RankedCardholder{{CardholderID: "c1", HealthScore: 0.9, Rank: 1}}))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cardholder_id")
	assert.Contains(t, string(b), "c1")
}
