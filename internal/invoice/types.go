package invoice

import (
	"strings"
	"time"
)

// State is the terminal's position in one sale's life.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingSplit   State = "awaiting_split_selection"
	StateCreating        State = "creating"
	StateAwaitingPayment State = "awaiting_payment"
	StateDetected        State = "detected"
	StateForwarding      State = "forwarding"
	StateSettled         State = "settled"
	StateCancelled       State = "cancelled"
	StateExpired         State = "expired"
	StateFailed          State = "failed"
)

// IsTerminal reports whether the state ends the sale. Detected and
// Forwarding are user-visibly done but still have background work.
func (s State) IsTerminal() bool {
	switch s {
	case StateSettled, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Invoice is one Lightning payment request. Immutable once created
// except for Status; PaymentHash is the idempotency key for every
// downstream forwarding call.
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
	Status               State     `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
}

// QRPayload is the payment request as embedded in a QR code. Uppercase
// keeps the QR in alphanumeric mode, which scans faster.
func (i *Invoice) QRPayload() string {
	return strings.ToUpper(i.PaymentRequest)
}
