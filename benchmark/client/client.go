// Package client is the HTTP client shared by the load tools. It speaks the
// trace node's JSON API with Bearer session tokens.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithToken returns a client that sends token as a Bearer credential.
func (c *HTTPClient) WithToken(token string) *HTTPClient {
	cp := *c
	cp.token = token
	return &cp
}

func (c *HTTPClient) GET(ctx context.Context, endpoint string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

func (c *HTTPClient) POST(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, endpoint, body)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// StatusError is a non-2xx answer
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// UnmarshalBody drains and closes resp. v may be nil.
func UnmarshalBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(body, v)
}

type Batch struct {
	BatchNumber string          `json:"batch_number"`
	Status      string          `json:"status"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type Lineage struct {
	Batch    Batch   `json:"batch"`
	Children []Batch `json:"children"`
}

type SplitResult struct {
	Parent Batch `json:"parent"`
	Child  Batch `json:"child"`
}

// EnsureSession registers a load-tool user if needed and logs it in.
func (c *HTTPClient) EnsureSession(ctx context.Context, name, phone, role string) (string, error) {
	password := "bench-" + phone
	resp, err := c.POST(ctx, "/users/register", map[string]string{
		"name": name, "password": password, "phone_number": phone, "role": role,
	})
	if err != nil {
		return "", err
	}
	var se *StatusError
	if err := UnmarshalBody(resp, nil); err != nil && !(errors.As(err, &se) && se.StatusCode == http.StatusConflict) {
		return "", fmt.Errorf("register %s: %w", role, err)
	}

	resp, err = c.POST(ctx, "/users/login", map[string]string{"phone_number": phone, "password": password})
	if err != nil {
		return "", err
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := UnmarshalBody(resp, &tok); err != nil {
		return "", fmt.Errorf("login %s: %w", role, err)
	}
	return tok.Token, nil
}

// RegisterBatch registers a six-month batch of qty kilograms.
func (c *HTTPClient) RegisterBatch(ctx context.Context, qty decimal.Decimal) (*Batch, error) {
	now := time.Now().UTC()
	resp, err := c.POST(ctx, "/batches", map[string]any{
		"farm_name":       "Benchmark Farm",
		"location":        "Bandung",
		"item_name":       "Rice",
		"quantity":        qty,
		"unit":            "kg",
		"production_date": now.Format(time.DateOnly),
		"expiry_date":     now.AddDate(0, 6, 0).Format(time.DateOnly),
	})
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := UnmarshalBody(resp, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *HTTPClient) Lineage(ctx context.Context, batch string) (*Lineage, error) {
	resp, err := c.GET(ctx, "/batches/"+batch+"/lineage")
	if err != nil {
		return nil, err
	}
	var l Lineage
	if err := UnmarshalBody(resp, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
