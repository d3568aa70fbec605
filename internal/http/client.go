package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adpilot/automation-service/internal/gateway"
)

// TokenSource resolves the API token of an ad-platform account
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// TokenFunc adapts a function to TokenSource
type TokenFunc func(ctx context.Context, accountID string) (string, error)

// Token implements TokenSource
func (f TokenFunc) Token(ctx context.Context, accountID string) (string, error) {
	return f(ctx, accountID)
}

// Client is the HTTP transport to the ad-platform REST API. It performs exactly
// one attempt per Do; retries and rate limiting live in the gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	userAgent  string
}

// NewClient creates a transport for baseURL
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		userAgent:  "AdPilot-Automation/1.0",
	}
}

// Do implements gateway.Transport
func (c *Client) Do(ctx context.Context, accountID string, op gateway.Operation) (*gateway.Response, error) {
	var body io.Reader
	if op.Body != nil {
		data, err := json.Marshal(op.Body)
		if err != nil {
			return nil, &gateway.Error{Class: gateway.ClassPermanent, Reason: "encode request body", Err: err}
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + op.Path
	if len(op.Query) > 0 {
		target += "?" + op.Query.Encode()
	}

	method := op.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &gateway.Error{Class: gateway.ClassPermanent, Reason: "build request", Err: err}
	}

	token, err := c.tokens.Token(ctx, accountID)
	if err != nil {
		return nil, &gateway.Error{Class: gateway.ClassPermanent, Status: http.StatusUnauthorized, Reason: "resolve credentials", Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &gateway.Response{
		Status:     resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
