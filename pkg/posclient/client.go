package posclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one terminal daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State fetches the terminal snapshot.
func (c *Client) State(ctx context.Context) (*TerminalState, error) {
	var st TerminalState
	if err := c.do(ctx, http.MethodGet, "/v1/terminal", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitInvoice starts a sale for the given display-currency amount.
func (c *Client) SubmitInvoice(ctx context.Context, amount float64) (*InvoiceResult, error) {
	var res InvoiceResult
	err := c.do(ctx, http.MethodPost, "/v1/invoice", map[string]float64{"amount": amount}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SelectSplit resumes a submit parked on the split dialog.
func (c *Client) SelectSplit(ctx context.Context, tipPercent int) (*InvoiceResult, error) {
	var res InvoiceResult
	err := c.do(ctx, http.MethodPost, "/v1/invoice/split", map[string]int{"tipPercent": tipPercent}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelInvoice abandons the outstanding sale.
func (c *Client) CancelInvoice(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/invoice/cancel", nil, nil)
}

// AcknowledgeFailure clears a failed state back to idle.
func (c *Client) AcknowledgeFailure(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/invoice/ack", nil, nil)
}

// NotifyFocus arms the daemon's one-shot settlement poll after the
// front end regains focus.
func (c *Client) NotifyFocus(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/terminal/focus", nil, nil)
}

// SendKey forwards one key press to the daemon's key router.
func (c *Client) SendKey(ctx context.Context, key string) (*KeyResult, error) {
	var res KeyResult
	err := c.do(ctx, http.MethodPost, "/v1/terminal/keys", map[string]string{"key": key}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Rates returns the daemon's current exchange-rate snapshot.
func (c *Client) Rates(ctx context.Context) (*Rate, error) {
	var rate Rate
	if err := c.do(ctx, http.MethodGet, "/v1/rates", nil, &rate); err != nil {
		return nil, err
	}
	return &rate, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("posclient: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("posclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("posclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "unexpected_status"
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("posclient: decode response: %w", err)
		}
	}
	return nil
}
