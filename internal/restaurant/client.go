// Package restaurant is the HTTP client for the business REST API:
// agent configuration, availability, orders, reservations, customers,
// messages, call records, and the blocked-phone check.
package restaurant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	// The blocked-phone check sits on the critical path of call setup,
	// so it gets a shorter budget and fails open.
	blockedCheckTimeout = 5 * time.Second
)

// Client talks to the business API. All calls are single-shot: no
// retries, per-request timeout, non-2xx status is an error.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		log:     log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, timeout time.Duration) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return out, nil
}

// Get performs a GET with query parameters and decodes the JSON reply.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, path, params, nil, defaultTimeout)
}

// Post performs a JSON POST and decodes the JSON reply.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, path, nil, body, defaultTimeout)
}

// Patch performs a JSON PATCH and decodes the JSON reply.
func (c *Client) Patch(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.do(ctx, http.MethodPatch, path, nil, body, defaultTimeout)
}

// FetchAIConfig loads the system prompt, tools, voice, and customer
// context for a restaurant. callerPhone is optional and enables the
// returning-customer context.
func (c *Client) FetchAIConfig(ctx context.Context, restaurantID, callerPhone string) (*AIConfig, error) {
	params := url.Values{"restaurantId": {restaurantID}}
	if callerPhone != "" {
		params.Set("callerPhone", callerPhone)
	}

	raw, err := c.Get(ctx, "/api/ai", params)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON to land in the typed struct.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch ai config: %w", err)
	}
	var cfg AIConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("fetch ai config: %w", err)
	}
	return &cfg, nil
}

// PhoneBlocked reports whether the caller is on the restaurant's block
// list. Errors fail open: an unreachable API never blocks a caller.
func (c *Client) PhoneBlocked(ctx context.Context, restaurantID, phone string) bool {
	params := url.Values{"restaurantId": {restaurantID}, "phone": {phone}}
	raw, err := c.do(ctx, http.MethodGet, "/api/blocked-phones/check", params, nil, blockedCheckTimeout)
	if err != nil {
		c.log.Error("blocked-phone check failed", "phone", phone, "error", err)
		return false
	}
	blocked, _ := raw["blocked"].(bool)
	return blocked
}

// CreateCall opens a call record and returns its id, or "" when the
// API call fails. A missing call record never aborts a call.
func (c *Client) CreateCall(ctx context.Context, restaurantID, callerNumber, customerID string, startedAt time.Time) string {
	body := map[string]any{
		"restaurantId": restaurantID,
		"callerNumber": callerNumber,
		"startedAt":    startedAt.UTC().Format(time.RFC3339),
	}
	if customerID != "" {
		body["customerId"] = customerID
	}
	raw, err := c.Post(ctx, "/api/calls", body)
	if err != nil {
		c.log.Error("create call record failed", "error", err)
		return ""
	}
	id, _ := raw["id"].(string)
	return id
}

// UpdateCall patches the call record with end-of-call fields.
func (c *Client) UpdateCall(ctx context.Context, updates map[string]any) error {
	_, err := c.Patch(ctx, "/api/calls", updates)
	return err
}
