// Package backend is the HTTP client for the terminal's collaborator
// endpoints: invoice creation, payment checks, settlement forwarding,
// and the LNURL-withdraw proxy.
//
// Redis/Postgres live behind these endpoints; the terminal never talks
// to storage directly.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvoiceNotFound = errors.New("backend: invoice not found")
)

// Client talks to the POS backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInvoiceRequest mirrors the create-invoice collaborator contract.
type CreateInvoiceRequest struct {
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Memo              string  `json:"memo,omitempty"`
	BaseAmount        int64   `json:"baseAmount"`
	TipAmount         int64   `json:"tipAmount"`
	TipPercent        int     `json:"tipPercent,omitempty"`
	TipRecipient      string  `json:"tipRecipient,omitempty"`
	CommissionAmount  int64   `json:"commissionAmount,omitempty"`
	CommissionPercent int     `json:"commissionPercent,omitempty"`
}

// CreateInvoiceResponse is the collaborator's reply.
type CreateInvoiceResponse struct {
	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	Satoshis       int64  `json:"satoshis"`
}

// CreateInvoice asks the backend to create a Lightning invoice.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*CreateInvoiceResponse, error) {
	var resp CreateInvoiceResponse
	if err := c.post(ctx, "/create-invoice", req, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentRequest == "" || resp.PaymentHash == "" {
		return nil, fmt.Errorf("backend: create-invoice returned incomplete response")
	}
	return &resp, nil
}

// CheckPaymentResponse reports whether an invoice has settled.
type CheckPaymentResponse struct {
	Paid        bool            `json:"paid"`
	Transaction json.RawMessage `json:"transaction,omitempty"`
}

// CheckPayment queries settlement state for a payment hash. Safe to call
// repeatedly. Returns ErrInvoiceNotFound when the backend no longer knows
// the hash (its storage TTL elapsed), which the caller treats as expiry.
func (c *Client) CheckPayment(ctx context.Context, paymentHash string) (*CheckPaymentResponse, error) {
	var resp CheckPaymentResponse
	err := c.post(ctx, "/check-payment", map[string]string{"paymentHash": paymentHash}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &resp, nil
}

// ForwardRequest carries the settled totals to the forwarding endpoint.
// The backend is idempotent per payment hash; calling twice is harmless.
type ForwardRequest struct {
	PaymentHash string `json:"paymentHash"`
	TotalAmount int64  `json:"totalAmount"`
	Memo        string `json:"memo,omitempty"`
}

// ForwardWithTips settles proceeds to the merchant and tip recipient.
func (c *Client) ForwardWithTips(ctx context.Context, req ForwardRequest) error {
	return c.post(ctx, "/forward-with-tips", req, nil)
}

// ForwardNWCWithTips is the NWC-wallet variant of ForwardWithTips.
func (c *Client) ForwardNWCWithTips(ctx context.Context, req ForwardRequest) error {
	return c.post(ctx, "/forward-nwc-with-tips", req, nil)
}

// LNURLResult is the withdraw proxy's verdict. Status "OK" means the
// withdraw request was accepted; anything else carries a reason.
type LNURLResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OK reports whether the proxy accepted the withdraw.
func (r *LNURLResult) OK() bool {
	return strings.EqualFold(r.Status, "OK")
}

// LNURLWithdraw relays a boltcard's LNURL plus the outstanding payment
// request to the withdraw proxy. Replay/expiry rejections come back as
// a non-OK result, not an error.
func (c *Client) LNURLWithdraw(ctx context.Context, lnurl, paymentRequest string) (*LNURLResult, error) {
	body := map[string]string{"lnurl": lnurl, "paymentRequest": paymentRequest}
	var resp LNURLResult
	if err := c.post(ctx, "/lnurl-proxy", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d: %s", e.code, e.body)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}

	endpoint := c.baseURL + path
	if _, err := url.Parse(endpoint); err != nil {
		return fmt.Errorf("backend: bad endpoint %q: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}
