// Package invoice governs one sale's life from keypad submit to
// settlement, enforcing the single-in-flight-invoice rule.
//
// Flow:
//  1. Submit validates the amount → Creating (via AwaitingSplitSelection
//     when a tip dialog is configured)
//  2. The backend returns a payment request → AwaitingPayment
//  3. A detection channel observes settlement → Detected (user-visible
//     success) → background forwarding → Settled
//  4. Cancel, creation failure, or a late "not found" check end the
//     sale without settlement.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/satspos/internal/backend"
	"github.com/mbd888/satspos/internal/detector"
	"github.com/mbd888/satspos/internal/metrics"
	"github.com/mbd888/satspos/internal/money"
)

var (
	ErrInvoiceOutstanding = errors.New("invoice: another invoice is already in flight")
	ErrInvalidAmount      = errors.New("invoice: invalid amount")
	ErrCreationFailed     = errors.New("invoice: creation failed")
	ErrNoSplitPending     = errors.New("invoice: no split selection pending")
	ErrNothingOutstanding = errors.New("invoice: nothing to cancel")
	ErrNotFailed          = errors.New("invoice: no failure to acknowledge")
)

// BackendClient is the slice of the collaborator client the machine needs.
type BackendClient interface {
	CreateInvoice(ctx context.Context, req backend.CreateInvoiceRequest) (*backend.CreateInvoiceResponse, error)
	ForwardWithTips(ctx context.Context, req backend.ForwardRequest) error
	ForwardNWCWithTips(ctx context.Context, req backend.ForwardRequest) error
}

// Watcher registers settlement interest with the payment detector.
type Watcher interface {
	Watch(paymentHash string, onDetected func(detector.PaymentEvent))
	Unwatch(paymentHash string)
}

// RateSource provides the current exchange-rate snapshot, or nil.
type RateSource interface {
	Current() *money.Rate
}

// Notifier receives machine events for the front-end stream. Optional.
type Notifier interface {
	Notify(kind string, payload interface{})
}

// Config carries the merchant's split and forwarding preferences.
type Config struct {
	Currency          money.Currency
	MerchantLabel     string
	SplitDialog       bool // detour through AwaitingSplitSelection on submit
	TipRecipient      string
	CommissionPercent int
	UseNWC            bool // forward via the NWC wallet variant
}

// Machine is the invoice lifecycle state machine. All transitions are
// serialized by one mutex; the mutex is held across the create call so
// a second submit can never reach the collaborator.
type Machine struct {
	cfg     Config
	backend BackendClient
	watcher Watcher
	rates   RateSource
	notify  Notifier
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	inv         *Invoice
	pendingBase float64 // parked amount while the split dialog is up
	lastErr     error
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config, bc BackendClient, w Watcher, rates RateSource, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		backend: bc,
		watcher: w,
		rates:   rates,
		logger:  logger,
		state:   StateIdle,
	}
}

// SetNotifier wires the front-end event sink.
func (m *Machine) SetNotifier(n Notifier) { m.notify = n }

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a snapshot of the outstanding invoice, or nil.
func (m *Machine) Current() *Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inv == nil {
		return nil
	}
	snapshot := *m.inv
	return &snapshot
}

// LastError returns the error behind a Failed state.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Submit starts a sale for the entered base amount. With a split dialog
// configured the machine parks in AwaitingSplitSelection and the caller
// must follow up with SelectSplit; otherwise the invoice is created
// immediately with no tip.
func (m *Machine) Submit(ctx context.Context, base float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrInvoiceOutstanding
	}
	if !money.ValidAmount(base, m.cfg.Currency, m.rates.Current()) {
		return fmt.Errorf("%w: %v %s", ErrInvalidAmount, base, m.cfg.Currency.Code)
	}

	if m.cfg.SplitDialog {
		m.pendingBase = base
		m.setState(StateAwaitingSplit)
		return nil
	}
	return m.createLocked(ctx, base, 0)
}

// SelectSplit resumes a parked submit with the chosen tip percentage.
// Zero percent ("no split") is a valid choice. Runs synchronously: the
// invoice exists (or creation has failed) when this returns.
func (m *Machine) SelectSplit(ctx context.Context, tipPercent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingSplit {
		return ErrNoSplitPending
	}
	base := m.pendingBase
	m.pendingBase = 0
	return m.createLocked(ctx, base, tipPercent)
}

// createLocked performs the Creating transition. Caller holds m.mu.
func (m *Machine) createLocked(ctx context.Context, base float64, tipPercent int) error {
	m.setState(StateCreating)

	rate := m.rates.Current()
	split, err := money.ComputeSplit(base, tipPercent, m.cfg.CommissionPercent, m.cfg.Currency, rate)
	if err != nil {
		// Validation errors surface inline; no acknowledgment dance.
		m.setState(StateIdle)
		return err
	}
	memo := money.Memo(split, m.cfg.Currency, money.MemoOptions{
		Label:             m.cfg.MerchantLabel,
		TipPercent:        tipPercent,
		CommissionPercent: m.cfg.CommissionPercent,
	})

	resp, err := m.backend.CreateInvoice(ctx, backend.CreateInvoiceRequest{
		Amount:            split.TotalDisplay,
		Currency:          m.cfg.Currency.Code,
		Memo:              memo,
		BaseAmount:        split.BaseSats,
		TipAmount:         split.TipSats,
		TipPercent:        tipPercent,
		TipRecipient:      m.cfg.TipRecipient,
		CommissionAmount:  split.CommissionSats,
		CommissionPercent: m.cfg.CommissionPercent,
	})
	if err != nil {
		m.failLocked(fmt.Errorf("%w: %v", ErrCreationFailed, err))
		return fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	m.inv = &Invoice{
		PaymentRequest:       resp.PaymentRequest,
		PaymentHash:          resp.PaymentHash,
		Satoshis:             resp.Satoshis,
		BaseAmountSats:       split.BaseSats,
		TipAmountSats:        split.TipSats,
		CommissionAmountSats: split.CommissionSats,
		DisplayAmount:        split.TotalDisplay,
		DisplayCurrency:      m.cfg.Currency.Code,
		TipPercent:           tipPercent,
		Memo:                 memo,
		Status:               StateAwaitingPayment,
		CreatedAt:            time.Now(),
	}
	m.setState(StateAwaitingPayment)
	m.watcher.Watch(resp.PaymentHash, m.OnDetected)

	m.logger.Info("invoice created",
		"payment_hash", resp.PaymentHash,
		"sats", resp.Satoshis,
		"base_sats", split.BaseSats,
		"tip_sats", split.TipSats,
		"commission_sats", split.CommissionSats)
	m.emit("invoice_created", m.inv)
	return nil
}

// OnDetected is the detector callback. It transitions to Detected,
// publishes the optimistic success signal, and only then schedules the
// idempotent background forwarding call. Exactly-once delivery is the
// detector's job; a stray late call here is a no-op.
func (m *Machine) OnDetected(ev detector.PaymentEvent) {
	m.mu.Lock()
	if m.state != StateAwaitingPayment || m.inv == nil || m.inv.PaymentHash != ev.PaymentHash {
		m.mu.Unlock()
		return
	}
	m.setState(StateDetected)
	m.inv.Status = StateDetected
	inv := *m.inv
	m.mu.Unlock()

	// Optimistic UX first. Forwarding must never gate this.
	m.emit("payment_detected", map[string]interface{}{
		"invoice": inv,
		"channel": ev.Channel,
	})

	go m.forward(inv)
}

// forward runs the fire-and-forget settlement forwarding. The backend is
// idempotent per payment hash, so a retry from another path is harmless.
// Failure is logged and never retracts the success already shown.
func (m *Machine) forward(inv Invoice) {
	m.mu.Lock()
	m.setState(StateForwarding)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := backend.ForwardRequest{
		PaymentHash: inv.PaymentHash,
		TotalAmount: inv.Satoshis,
		Memo:        inv.Memo,
	}
	var err error
	if m.cfg.UseNWC {
		err = m.backend.ForwardNWCWithTips(ctx, req)
	} else {
		err = m.backend.ForwardWithTips(ctx, req)
	}
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		m.logger.Error("forwarding failed; proceeds remain on the backend ledger",
			"payment_hash", inv.PaymentHash, "error", err)
	} else {
		metrics.ForwardsTotal.WithLabelValues("ok").Inc()
	}

	m.mu.Lock()
	m.watcher.Unwatch(inv.PaymentHash)
	m.inv = nil
	m.setState(StateSettled)
	m.setState(StateIdle)
	m.mu.Unlock()

	metrics.InvoicesTotal.WithLabelValues(string(StateSettled)).Inc()
	m.emit("invoice_settled", map[string]interface{}{"paymentHash": inv.PaymentHash})
}

// Cancel aborts the outstanding invoice and unregisters its watchers.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAwaitingSplit:
		m.pendingBase = 0
		m.setState(StateIdle)
		return nil
	case StateAwaitingPayment:
	default:
		return ErrNothingOutstanding
	}

	hash := m.inv.PaymentHash
	m.watcher.Unwatch(hash)
	m.inv = nil
	m.setState(StateCancelled)
	m.setState(StateIdle)

	metrics.InvoicesTotal.WithLabelValues(string(StateCancelled)).Inc()
	m.logger.Info("invoice cancelled", "payment_hash", hash)
	m.emit("invoice_cancelled", map[string]interface{}{"paymentHash": hash})
	return nil
}

// OnExpired handles a late "not found" from a poll check: the backend's
// storage TTL elapsed, so the sale is over. No client-side timer exists.
func (m *Machine) OnExpired(paymentHash string) {
	m.mu.Lock()
	if m.state != StateAwaitingPayment || m.inv == nil || m.inv.PaymentHash != paymentHash {
		m.mu.Unlock()
		return
	}
	m.watcher.Unwatch(paymentHash)
	m.inv = nil
	m.setState(StateExpired)
	m.setState(StateIdle)
	m.mu.Unlock()

	metrics.InvoicesTotal.WithLabelValues(string(StateExpired)).Inc()
	m.logger.Info("invoice expired", "payment_hash", paymentHash)
	m.emit("invoice_expired", map[string]interface{}{"paymentHash": paymentHash})
}

// AcknowledgeFailure returns the machine to Idle after a surfaced
// creation failure.
func (m *Machine) AcknowledgeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return ErrNotFailed
	}
	m.lastErr = nil
	m.setState(StateIdle)
	return nil
}

// failLocked records a creation failure. Caller holds m.mu.
func (m *Machine) failLocked(err error) {
	m.lastErr = err
	m.inv = nil
	m.setState(StateFailed)
	metrics.InvoicesTotal.WithLabelValues(string(StateFailed)).Inc()
	m.logger.Warn("invoice creation failed", "error", err)
	m.emit("invoice_failed", map[string]interface{}{"error": err.Error()})
}

// setState records a transition. Caller holds m.mu.
func (m *Machine) setState(s State) {
	if m.state != s {
		m.logger.Debug("state transition", "from", m.state, "to", s)
	}
	m.state = s
}

func (m *Machine) emit(kind string, payload interface{}) {
	if m.notify != nil {
		m.notify.Notify(kind, payload)
	}
}
