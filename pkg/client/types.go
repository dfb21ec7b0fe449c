package client

import (
	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/mchmarny/cardscore/pkg/model"
	"github.com/mchmarny/cardscore/pkg/ranking"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   any    `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RankHealth is returned by the ranking server health check.
type RankHealth struct {
	Status                string `json:"status"`
	ModelLoaded           bool   `json:"model_loaded"`
	FeaturePipelineLoaded bool   `json:"feature_pipeline_loaded"`
	Scorer                string `json:"scorer"`
	Timestamp             string `json:"timestamp"`
}

// RankBatchRequest is the body of /rank-batch and /rank-top.
type RankBatchRequest struct {
	Cardholders      []*ranking.CardholderRequest `json:"cardholders"`
	MerchantCategory string                       `json:"merchant_category,omitempty"`
}

type RankSingleResponse struct {
	RequestID        string                    `json:"request_id"`
	Timestamp        string                    `json:"timestamp"`
	ProcessingTimeMS float64                   `json:"processing_time_ms"`
	Cardholder       *ranking.RankedCardholder `json:"cardholder"`
}

type RankBatchResponse struct {
	RequestID         string                      `json:"request_id"`
	Timestamp         string                      `json:"timestamp"`
	ProcessingTimeMS  float64                     `json:"processing_time_ms"`
	TotalCardholders  int                         `json:"total_cardholders"`
	RankedCardholders []*ranking.RankedCardholder `json:"ranked_cardholders"`
}

type RankTopResponse struct {
	RequestID        string                      `json:"request_id"`
	Timestamp        string                      `json:"timestamp"`
	ProcessingTimeMS float64                     `json:"processing_time_ms"`
	TotalCardholders int                         `json:"total_cardholders"`
	TopK             int                         `json:"top_k"`
	TopCardholders   []*ranking.RankedCardholder `json:"top_cardholders"`
}

// ModelInfoResponse is returned by /model-info.
type ModelInfoResponse struct {
	*model.Info
	Scorer string `json:"scorer"`
}

// FraudHealth is returned by the fraud server health check.
type FraudHealth struct {
	Status       string      `json:"status"`
	Message      string      `json:"message"`
	DetectorInfo *fraud.Info `json:"detector_info,omitempty"`
	Timestamp    string      `json:"timestamp"`
}

// DetectResponse is the result of scoring one transaction.
type DetectResponse struct {
	Index                *int                  `json:"index,omitempty"`
	TransactionID        string                `json:"transaction_id"`
	UserID               string                `json:"user_id"`
	Decision             string                `json:"decision"`
	RiskScore            float64               `json:"risk_score"`
	RiskLevel            string                `json:"risk_level"`
	MLScore              float64               `json:"ml_score"`
	RuleScore            float64               `json:"rule_score"`
	DetectionMethod      string                `json:"detection_method"`
	RequiresVerification bool                  `json:"requires_verification"`
	Reasons              []string              `json:"reasons"`
	Confidence           string                `json:"confidence"`
	HybridAnalysis       *fraud.HybridAnalysis `json:"hybrid_analysis,omitempty"`
	RulesTriggered       []string              `json:"rules_triggered"`
	Timestamp            string                `json:"timestamp,omitempty"`
}

// BatchRequest is the body of /detect/batch.
type BatchRequest struct {
	Transactions []*fraud.Transaction `json:"transactions"`
}

// BatchError reports a transaction of a batch that could not be scored.
type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type BatchSummary struct {
	TotalTransactions int `json:"total_transactions"`
	Successful        int `json:"successful"`
	Failed            int `json:"failed"`
	Blocked           int `json:"blocked"`
	Allowed           int `json:"allowed"`
}

type BatchResponse struct {
	Results   []*DetectResponse `json:"results"`
	Errors    []*BatchError     `json:"errors"`
	Summary   BatchSummary      `json:"summary"`
	Timestamp string            `json:"timestamp"`
}

// AnalyzeRequest is the body of /analyze/user.
type AnalyzeRequest struct {
	UserID       string               `json:"user_id"`
	Transactions []*fraud.Transaction `json:"transactions"`
}

type AnalyzeResponse struct {
	*fraud.Analysis
	Timestamp string `json:"timestamp"`
}

// InfoResponse is returned by /info.
type InfoResponse struct {
	SystemInfo *fraud.Info       `json:"system_info"`
	APIVersion string            `json:"api_version"`
	Endpoints  map[string]string `json:"endpoints"`
	Timestamp  string            `json:"timestamp"`
}

// StatsResponse holds the live counters of the fraud server.
type StatsResponse struct {
	TotalRequests          int64   `json:"total_requests"`
	Detections             int64   `json:"detections"`
	Blocked                int64   `json:"blocked"`
	Allowed                int64   `json:"allowed"`
	Errors                 int64   `json:"errors"`
	AverageResponseMS      float64 `json:"average_response_ms"`
	TotalUsers             int     `json:"total_users"`
	TotalTransactions      int     `json:"total_transactions"`
	AvgTransactionsPerUser float64 `json:"avg_transactions_per_user"`
	Timestamp              string  `json:"timestamp"`
}

type HistoryResponse struct {
	UserID           string               `json:"user_id" yaml:"user_id"`
	TransactionCount int                  `json:"transaction_count" yaml:"transaction_count"`
	History          []*fraud.Transaction `json:"history" yaml:"history"`
}

// AddHistoryRequest is the body of POST /history.
type AddHistoryRequest struct {
	UserID      string             `json:"user_id"`
	Transaction *fraud.Transaction `json:"transaction"`
}

type AddHistoryResponse struct {
	Message       string `json:"message"`
	UserID        string `json:"user_id"`
	HistoryLength int    `json:"history_length"`
}
