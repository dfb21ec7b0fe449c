package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mchmarny/cardscore/pkg/client"
	"github.com/mchmarny/cardscore/pkg/fraud"
)

const (
	fraudAPIVersion = "1.0.0"
	defaultTxID     = "unknown"
)

var fraudEndpoints = map[string]string{
	"health":       "/health",
	"detect":       "/detect",
	"batch_detect": "/detect/batch",
	"analyze_user": "/analyze/user",
	"info":         "/info",
	"stats":        "/stats",
	"history":      "/history",
}

// serverStats are the live counters reported by /stats.
type serverStats struct {
	requests   atomic.Int64
	errors     atomic.Int64
	detections atomic.Int64
	blocked    atomic.Int64
	allowed    atomic.Int64
	elapsed    atomic.Int64
}

func (s *serverStats) detected(det *fraud.Detection) {
	s.detections.Add(1)
	if det.BlockTransaction {
		s.blocked.Add(1)
	} else {
		s.allowed.Add(1)
	}
}

func (s *serverStats) averageMS() float64 {
	n := s.requests.Load()
	if n == 0 {
		return 0
	}
	return fraud.Round(float64(s.elapsed.Load()) / float64(n) / float64(time.Millisecond))
}

// withStats counts requests, server errors and response time.
func (s *serverStats) withStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.requests.Add(1)
		s.elapsed.Add(int64(time.Since(start)))
		if rec.status >= http.StatusInternalServerError {
			s.errors.Add(1)
		}
	})
}

// fraudService serves the detector over HTTP. A nil detector answers 503.
type fraudService struct {
	detector *fraud.Detector
	stats    *serverStats
	maxBatch int
}

func newFraudService(d *fraud.Detector, maxBatch int) *fraudService {
	return &fraudService{
		detector: d,
		stats:    &serverStats{},
		maxBatch: maxBatch,
	}
}

func makeFraudRouter(svc *fraudService) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", svc.healthHandler)
	mux.HandleFunc("POST /detect", svc.ready(svc.detectHandler))
	mux.HandleFunc("POST /detect/batch", svc.ready(svc.batchHandler))
	mux.HandleFunc("POST /analyze/user", svc.ready(svc.analyzeHandler))
	mux.HandleFunc("GET /info", svc.ready(svc.infoHandler))
	mux.HandleFunc("GET /stats", svc.ready(svc.statsHandler))
	mux.HandleFunc("GET /history/{user_id}", svc.ready(svc.historyHandler))
	mux.HandleFunc("POST /history", svc.ready(svc.addHistoryHandler))

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":               "Endpoint not found",
			"available_endpoints": []string{"/health", "/detect", "/detect/batch", "/analyze/user", "/info", "/stats", "/history"},
		})
	})

	return svc.stats.withStats(mux)
}

func (s *fraudService) ready(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.detector == nil {
			writeError(w, http.StatusServiceUnavailable, "Detector not initialized")
			return
		}
		h(w, r)
	}
}

func (s *fraudService) healthHandler(w http.ResponseWriter, _ *http.Request) {
	if s.detector == nil {
		writeJSON(w, http.StatusServiceUnavailable, &client.FraudHealth{
			Status:    "unhealthy",
			Message:   "Detector not initialized",
			Timestamp: now(),
		})
		return
	}
	writeJSON(w, http.StatusOK, &client.FraudHealth{
		Status:       "healthy",
		Message:      "Fraud detection API is running",
		DetectorInfo: s.detector.Info(),
		Timestamp:    now(),
	})
}

func (s *fraudService) detectHandler(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeObject(w, r)
	if !ok {
		return
	}

	tx, err := fraud.ValidateRequest(m, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	det, err := s.detector.Process(r.Context(), tx)
	if err != nil {
		slog.Error("fraud detection error", "user", tx.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	s.stats.detected(det)

	resp := newDetectResponse(tx, det, defaultTxID)
	resp.Timestamp = now()
	writeJSON(w, http.StatusOK, resp)
}

func (s *fraudService) batchHandler(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeRaw(w, r)
	if !ok {
		return
	}

	raw, ok := m["transactions"]
	if !ok {
		writeError(w, http.StatusBadRequest, "No transactions provided. Expected format: {'transactions': [...]}")
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		writeError(w, http.StatusBadRequest, "Transactions must be a list")
		return
	}
	if len(items) > s.maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Batch size too large. Maximum %d transactions allowed.", s.maxBatch))
		return
	}

	resp := &client.BatchResponse{
		Results: make([]*client.DetectResponse, 0, len(items)),
		Errors:  make([]*client.BatchError, 0),
	}
	for i, item := range items {
		tx, err := fraud.ParseTransaction(item, time.Now())
		if err != nil {
			resp.Errors = append(resp.Errors, &client.BatchError{Index: i, Error: err.Error()})
			continue
		}

		det, err := s.detector.Process(r.Context(), tx)
		if err != nil {
			resp.Errors = append(resp.Errors, &client.BatchError{Index: i, Error: fmt.Sprintf("Processing error: %v", err)})
			continue
		}
		s.stats.detected(det)

		res := newDetectResponse(tx, det, fmt.Sprintf("batch_%d", i))
		res.Index = &i
		resp.Results = append(resp.Results, res)

		if det.BlockTransaction {
			resp.Summary.Blocked++
		} else {
			resp.Summary.Allowed++
		}
	}

	resp.Summary.TotalTransactions = len(items)
	resp.Summary.Successful = len(resp.Results)
	resp.Summary.Failed = len(resp.Errors)
	resp.Timestamp = now()

	slog.Info("batch processing", "successful", resp.Summary.Successful, "errors", resp.Summary.Failed)
	writeJSON(w, http.StatusOK, resp)
}

func (s *fraudService) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeRaw(w, r)
	if !ok {
		return
	}

	rawUser, hasUser := m["user_id"]
	rawTxs, hasTxs := m["transactions"]
	if !hasUser || !hasTxs {
		writeError(w, http.StatusBadRequest, "Required fields: 'user_id' and 'transactions'")
		return
	}

	userID, err := decodeID(rawUser)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid data type: user_id must be a string or number")
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawTxs, &items); err != nil || len(items) == 0 {
		writeError(w, http.StatusBadRequest, "Transactions must be a non-empty list")
		return
	}

	txs := make([]*fraud.Transaction, 0, len(items))
	for i, item := range items {
		tm, err := fraud.DecodeObject(item)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Transaction %d: %v", i, err))
			return
		}
		tm["user_id"] = userID

		tx, err := fraud.ValidateRequest(tm, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Transaction %d: %v", i, err))
			return
		}
		txs = append(txs, tx)
	}

	a, err := s.detector.Analyze(r.Context(), userID, txs)
	if err != nil {
		slog.Error("user behavior analysis error", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	for _, tr := range a.TransactionResults {
		s.stats.detections.Add(1)
		if tr.Decision == fraud.DecisionBlock {
			s.stats.blocked.Add(1)
		} else {
			s.stats.allowed.Add(1)
		}
	}

	writeJSON(w, http.StatusOK, &client.AnalyzeResponse{Analysis: a, Timestamp: now()})
}

func (s *fraudService) infoHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &client.InfoResponse{
		SystemInfo: s.detector.Info(),
		APIVersion: fraudAPIVersion,
		Endpoints:  fraudEndpoints,
		Timestamp:  now(),
	})
}

func (s *fraudService) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := &client.StatsResponse{
		TotalRequests:     s.stats.requests.Load(),
		Detections:        s.stats.detections.Load(),
		Blocked:           s.stats.blocked.Load(),
		Allowed:           s.stats.allowed.Load(),
		Errors:            s.stats.errors.Load(),
		AverageResponseMS: s.stats.averageMS(),
		Timestamp:         now(),
	}

	st, err := s.detector.History().Stats(r.Context())
	if err != nil {
		slog.Warn("reading history stats failed", "error", err)
	} else {
		resp.TotalUsers = st.Users
		resp.TotalTransactions = st.Transactions
		resp.AvgTransactionsPerUser = st.AvgTransactionsPerUser
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *fraudService) historyHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	list, err := s.detector.History().History(r.Context(), userID)
	if err != nil {
		slog.Error("reading history failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*fraud.Transaction{}
	}

	writeJSON(w, http.StatusOK, &client.HistoryResponse{
		UserID:           userID,
		TransactionCount: len(list),
		History:          list,
	})
}

func (s *fraudService) addHistoryHandler(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeRaw(w, r)
	if !ok {
		return
	}

	rawUser, hasUser := m["user_id"]
	rawTx, hasTx := m["transaction"]
	if !hasUser || !hasTx {
		writeError(w, http.StatusBadRequest, "Missing user_id or transaction data")
		return
	}
	userID, err := decodeID(rawUser)
	if err != nil || userID == "" {
		writeError(w, http.StatusBadRequest, "Missing user_id or transaction data")
		return
	}

	tm, err := fraud.DecodeObject(rawTx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tm["user_id"] = userID

	tx, err := fraud.ValidateRequest(tm, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.detector.Append(r.Context(), tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, &client.AddHistoryResponse{
		Message:       "Transaction added successfully",
		UserID:        userID,
		HistoryLength: n,
	})
}

func newDetectResponse(tx *fraud.Transaction, det *fraud.Detection, defaultID string) *client.DetectResponse {
	id := tx.TransactionID
	if id == "" {
		id = defaultID
	}
	confidence := det.Confidence
	if confidence == "" {
		confidence = "medium"
	}
	return &client.DetectResponse{
		TransactionID:        id,
		UserID:               tx.UserID,
		Decision:             det.Decision(),
		RiskScore:            fraud.Round(det.RiskScore),
		RiskLevel:            det.RiskLevel,
		MLScore:              fraud.Round(det.MLScore),
		RuleScore:            fraud.Round(det.RuleScore),
		DetectionMethod:      det.DetectionMethod,
		RequiresVerification: det.RequiresVerification,
		Reasons:              det.Reasons,
		Confidence:           confidence,
		HybridAnalysis:       det.HybridAnalysis,
		RulesTriggered:       det.RulesTriggered,
	}
}

func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	b, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if len(b) == 0 {
		writeError(w, http.StatusBadRequest, "No JSON data provided")
		return nil, false
	}
	m, err := fraud.DecodeObject(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No JSON data provided")
		return nil, false
	}
	return m, true
}

func decodeRaw(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	b, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		writeError(w, http.StatusBadRequest, "No JSON data provided")
		return nil, false
	}
	return m, true
}

var errInvalidID = errors.New("invalid id")

// decodeID accepts a JSON string or number.
func decodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", errInvalidID
}
