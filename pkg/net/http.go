package net

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httputil"
	"time"
)

const (
	maxIdleConns     = 10
	timeoutInSeconds = 60
	clientAgent      = "cardscore/1.0"
	maxErrorBody     = 4096
)

var (
	reqTransport = &http.Transport{
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       timeoutInSeconds * time.Second,
		DisableCompression:    true,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: time.Duration(timeoutInSeconds) * time.Second,
	}
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status (%s): %s", e.Status, e.URL)
}

// GetHTTPClient returns a client with a cookie jar and the shared transport.
func GetHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating cookie jar: %w", err)
	}

	return &http.Client{
		Timeout:   time.Duration(timeoutInSeconds) * time.Second,
		Transport: reqTransport,
		Jar:       jar,
	}, nil
}

// Do sends req with c, or a default client when c is nil, and returns a
// *StatusError when the response status is not 2xx.
func Do(c *http.Client, req *http.Request) (*http.Response, error) {
	if c == nil {
		var err error
		if c, err = GetHTTPClient(); err != nil {
			return nil, err
		}
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", clientAgent)
	}

	resp, err := c.Do(req) //nolint:gosec // G704: URL from configured endpoints
	if err != nil {
		return nil, fmt.Errorf("error sending %s request: %w", req.Method, err)
	}
	dumpResponse(req.Context(), resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        req.URL.String(),
			Body:       body,
		}
	}

	return resp, nil
}

func getResp(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP Get request: %w", err)
	}
	return Do(nil, req)
}

// GetJSON retrieves the HTTP content and decodes it into the passed target.
func GetJSON[T any](ctx context.Context, url string, target *T) error {
	resp, err := getResp(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("error decoding content: %w", err)
	}
	return nil
}

// PostJSON encodes body, posts it to url and decodes the response into target.
func PostJSON[T any](ctx context.Context, c *http.Client, url string, body any, target *T) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("error creating HTTP Post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := Do(c, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("error decoding content: %w", err)
	}
	return nil
}

// dumpResponse logs the status line and headers of resp at debug level.
func dumpResponse(ctx context.Context, resp *http.Response) {
	if resp == nil || !slog.Default().Enabled(ctx, slog.LevelDebug) {
		return
	}
	if b, err := httputil.DumpResponse(resp, false); err == nil {
		slog.DebugContext(ctx, "http response", "dump", string(b))
	}
}
