// Package posclient is a Go client for the terminal daemon's HTTP API.
// Kiosk wrappers and integration harnesses use it instead of hand-rolled
// HTTP calls.
package posclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Invoice mirrors the daemon's outstanding invoice representation.
type Invoice struct {
	PaymentRequest       string    `json:"paymentRequest"`
	PaymentHash          string    `json:"paymentHash"`
	Satoshis             int64     `json:"satoshis"`
	BaseAmountSats       int64     `json:"baseAmountSats"`
	TipAmountSats        int64     `json:"tipAmountSats"`
	CommissionAmountSats int64     `json:"commissionAmountSats"`
	DisplayAmount        float64   `json:"displayAmount"`
	DisplayCurrency      string    `json:"displayCurrency"`
	TipPercent           int       `json:"tipPercent"`
	Memo                 string    `json:"memo"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
}

// TerminalState is the snapshot returned by GET /v1/terminal.
type TerminalState struct {
	State         string          `json:"state"`
	Entry         string          `json:"entry"`
	Currency      string          `json:"currency"`
	TipPresets    []int           `json:"tipPresets"`
	PushConnected bool            `json:"pushConnected"`
	ActiveView    string          `json:"activeView"`
	NFCAvailable  bool            `json:"nfcAvailable"`
	Invoice       *Invoice        `json:"invoice,omitempty"`
	QR            string          `json:"qr,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Rate          json.RawMessage `json:"rate,omitempty"`
}

// InvoiceResult is the response to a successful submit or split selection.
type InvoiceResult struct {
	State   string   `json:"state"`
	Invoice *Invoice `json:"invoice,omitempty"`
	QR      string   `json:"qr,omitempty"`
}

// KeyResult reports how the daemon handled a forwarded key press.
type KeyResult struct {
	Handled bool   `json:"handled"`
	Entry   string `json:"entry"`
	State   string `json:"state"`
}

// Rate is one exchange-rate snapshot.
type Rate struct {
	SatPrice  float64   `json:"satPrice"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.StatusCode)
}

// IsConflict reports whether the daemon rejected the call because of
// terminal state, e.g. submitting while an invoice is outstanding.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == 409
}
