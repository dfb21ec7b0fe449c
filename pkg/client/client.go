// Package client calls the ranking and fraud REST servers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mchmarny/cardscore/pkg/fraud"
	"github.com/mchmarny/cardscore/pkg/net"
	"github.com/mchmarny/cardscore/pkg/ranking"
)

// APIError is a non-2xx response of a server.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// Client talks to one server. An empty APIKey sends no credentials.
type Client struct {
	BaseURL string
	APIKey  string

	http *http.Client
}

// New creates a client for the server at baseURL.
func New(ctx context.Context, baseURL, apiKey string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url: %q", baseURL)
	}

	c := &Client{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey}
	if apiKey != "" {
		c.http, err = net.GetKeyClient(ctx, apiKey)
	} else {
		c.http, err = net.GetHTTPClient()
	}
	if err != nil {
		return nil, fmt.Errorf("creating http client: %w", err)
	}
	return c, nil
}

// Health checks the ranking server.
func (c *Client) Health(ctx context.Context) (*RankHealth, error) {
	var out RankHealth
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FraudHealth checks the fraud server.
func (c *Client) FraudHealth(ctx context.Context) (*FraudHealth, error) {
	var out FraudHealth
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Detect scores a single transaction.
func (c *Client) Detect(ctx context.Context, tx *fraud.Transaction) (*DetectResponse, error) {
	var out DetectResponse
	if err := c.post(ctx, "/detect", tx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DetectBatch scores up to the server batch limit of transactions.
func (c *Client) DetectBatch(ctx context.Context, txs []*fraud.Transaction) (*BatchResponse, error) {
	var out BatchResponse
	if err := c.post(ctx, "/detect/batch", &BatchRequest{Transactions: txs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeUser profiles a sequence of transactions of one user.
func (c *Client) AnalyzeUser(ctx context.Context, userID string, txs []*fraud.Transaction) (*AnalyzeResponse, error) {
	var out AnalyzeResponse
	if err := c.post(ctx, "/analyze/user", &AnalyzeRequest{UserID: userID, Transactions: txs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RankSingle scores one cardholder.
func (c *Client) RankSingle(ctx context.Context, ch *ranking.CardholderRequest) (*RankSingleResponse, error) {
	var out RankSingleResponse
	if err := c.post(ctx, "/rank-single", ch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RankBatch ranks cardholders for an optional merchant category.
func (c *Client) RankBatch(ctx context.Context, req *RankBatchRequest) (*RankBatchResponse, error) {
	var out RankBatchResponse
	if err := c.post(ctx, "/rank-batch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RankTop returns the k best cardholders of req.
func (c *Client) RankTop(ctx context.Context, req *RankBatchRequest, k int) (*RankTopResponse, error) {
	var out RankTopResponse
	if err := c.post(ctx, "/rank-top?top_k="+strconv.Itoa(k), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, target)
}

func (c *Client) post(ctx context.Context, path string, body, target any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := net.Do(c.http, req)
	if err != nil {
		var se *net.StatusError
		if errors.As(err, &se) {
			return toAPIError(se)
		}
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func toAPIError(se *net.StatusError) *APIError {
	e := &APIError{Status: se.StatusCode}
	var body ErrorResponse
	if err := json.Unmarshal(se.Body, &body); err == nil && body.Error != "" {
		e.Message = body.Error
	} else {
		e.Message = strings.TrimSpace(string(se.Body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(se.StatusCode)
	}
	return e
}
