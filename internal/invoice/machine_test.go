package invoice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/satspos/internal/backend"
	"github.com/mbd888/satspos/internal/detector"
	"github.com/mbd888/satspos/internal/money"
)

// mockBackend counts collaborator calls and scripts failures.
type mockBackend struct {
	mu           sync.Mutex
	createCalls  int
	forwardCalls int
	nwcCalls     int
	createErr    error
	forwardErr   error
	forwarded    chan backend.ForwardRequest
}

func newMockBackend() *mockBackend {
	return &mockBackend{forwarded: make(chan backend.ForwardRequest, 4)}
}

func (m *mockBackend) CreateInvoice(ctx context.Context, req backend.CreateInvoiceRequest) (*backend.CreateInvoiceResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &backend.CreateInvoiceResponse{
		PaymentRequest: "lnbc22u1fakerequest",
		PaymentHash:    "hash-1",
		Satoshis:       req.BaseAmount + req.TipAmount + req.CommissionAmount,
	}, nil
}

func (m *mockBackend) ForwardWithTips(ctx context.Context, req backend.ForwardRequest) error {
	m.mu.Lock()
	m.forwardCalls++
	err := m.forwardErr
	m.mu.Unlock()
	m.forwarded <- req
	return err
}

func (m *mockBackend) ForwardNWCWithTips(ctx context.Context, req backend.ForwardRequest) error {
	m.mu.Lock()
	m.nwcCalls++
	m.mu.Unlock()
	m.forwarded <- req
	return nil
}

func (m *mockBackend) counts() (create, forward int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.forwardCalls
}

// mockWatcher records watch/unwatch calls.
type mockWatcher struct {
	mu        sync.Mutex
	watched   map[string]func(detector.PaymentEvent)
	unwatched []string
}

func newMockWatcher() *mockWatcher {
	return &mockWatcher{watched: make(map[string]func(detector.PaymentEvent))}
}

func (m *mockWatcher) Watch(hash string, cb func(detector.PaymentEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[hash] = cb
}

func (m *mockWatcher) Unwatch(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, hash)
	m.unwatched = append(m.unwatched, hash)
}

func (m *mockWatcher) hasUnwatched(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.unwatched {
		if h == hash {
			return true
		}
	}
	return false
}

// fixedRate always returns the same snapshot.
type fixedRate struct{ rate *money.Rate }

func (f fixedRate) Current() *money.Rate { return f.rate }

// eventRecorder captures notifier events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Notify(kind string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func (r *eventRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testMachine(bc BackendClient, w Watcher) *Machine {
	usd, _ := money.Lookup("USD")
	cfg := Config{Currency: usd, MerchantLabel: "Test Shop"}
	rates := fixedRate{&money.Rate{SatPrice: 0.1, Currency: "USD", FetchedAt: time.Now()}}
	return NewMachine(cfg, bc, w, rates, slog.Default())
}

func TestSubmit_CreatesInvoice(t *testing.T) {
	bc := newMockBackend()
	w := newMockWatcher()
	m := testMachine(bc, w)

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateAwaitingPayment {
		t.Errorf("state = %s, want awaiting_payment", m.State())
	}
	inv := m.Current()
	if inv == nil {
		t.Fatal("no invoice")
	}
	if inv.BaseAmountSats != 2000 || inv.TipAmountSats != 0 {
		t.Errorf("split = base %d tip %d", inv.BaseAmountSats, inv.TipAmountSats)
	}
	w.mu.Lock()
	_, watching := w.watched["hash-1"]
	w.mu.Unlock()
	if !watching {
		t.Error("machine did not register a watch for the payment hash")
	}
}

func TestSubmit_SecondCreateRejectedWithoutSideEffects(t *testing.T) {
	bc := newMockBackend()
	m := testMachine(bc, newMockWatcher())

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}
	err := m.Submit(context.Background(), 5.00)
	if !errors.Is(err, ErrInvoiceOutstanding) {
		t.Fatalf("got %v, want ErrInvoiceOutstanding", err)
	}
	if create, _ := bc.counts(); create != 1 {
		t.Errorf("collaborator called %d times, want 1", create)
	}
	if inv := m.Current(); inv == nil || inv.DisplayAmount != 2.00 {
		t.Error("first invoice must be untouched")
	}
}

func TestSubmit_InvalidAmount(t *testing.T) {
	bc := newMockBackend()
	m := testMachine(bc, newMockWatcher())

	if err := m.Submit(context.Background(), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle", m.State())
	}
	if create, _ := bc.counts(); create != 0 {
		t.Error("collaborator must not be called for invalid amounts")
	}
}

func TestSubmit_SplitDialogDetour(t *testing.T) {
	bc := newMockBackend()
	w := newMockWatcher()
	usd, _ := money.Lookup("USD")
	rates := fixedRate{&money.Rate{SatPrice: 0.1, Currency: "USD"}}
	m := NewMachine(Config{Currency: usd, SplitDialog: true}, bc, w, rates, slog.Default())

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateAwaitingSplit {
		t.Fatalf("state = %s, want awaiting_split_selection", m.State())
	}
	if create, _ := bc.counts(); create != 0 {
		t.Error("no collaborator call before the split is chosen")
	}

	// Choosing a split resumes creation synchronously.
	if err := m.SelectSplit(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateAwaitingPayment {
		t.Errorf("state = %s, want awaiting_payment", m.State())
	}
	inv := m.Current()
	if inv.BaseAmountSats != 2000 || inv.TipAmountSats != 200 || inv.Satoshis != 2200 {
		t.Errorf("split = %+v", inv)
	}
}

func TestSelectSplit_WithoutPendingSubmit(t *testing.T) {
	m := testMachine(newMockBackend(), newMockWatcher())
	if err := m.SelectSplit(context.Background(), 10); !errors.Is(err, ErrNoSplitPending) {
		t.Errorf("got %v, want ErrNoSplitPending", err)
	}
}

func TestSubmit_CreationFailureIsSurfacedAndAcknowledged(t *testing.T) {
	bc := newMockBackend()
	bc.createErr = errors.New("backend down")
	m := testMachine(bc, newMockWatcher())

	err := m.Submit(context.Background(), 2.00)
	if !errors.Is(err, ErrCreationFailed) {
		t.Fatalf("got %v, want ErrCreationFailed", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want failed", m.State())
	}
	if m.LastError() == nil {
		t.Error("expected a recorded failure")
	}

	if err := m.AcknowledgeFailure(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle after acknowledgment", m.State())
	}
}

func TestOnDetected_OptimisticSignalPrecedesForwarding(t *testing.T) {
	bc := newMockBackend()
	w := newMockWatcher()
	m := testMachine(bc, w)
	rec := &eventRecorder{}
	m.SetNotifier(rec)

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}

	m.OnDetected(detector.PaymentEvent{PaymentHash: "hash-1", Channel: detector.ChannelPush})

	// The detected event is published synchronously, before the
	// forwarding goroutine has necessarily run.
	events := rec.list()
	found := false
	for _, e := range events {
		if e == "payment_detected" {
			found = true
		}
		if e == "invoice_settled" && !found {
			t.Error("settled before detected")
		}
	}
	if !found {
		t.Fatal("payment_detected never published")
	}

	select {
	case req := <-bc.forwarded:
		if req.PaymentHash != "hash-1" || req.TotalAmount != 2000 {
			t.Errorf("forward request = %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("forwarding call never happened")
	}
}

func TestOnDetected_LateDuplicateIsNoOp(t *testing.T) {
	bc := newMockBackend()
	m := testMachine(bc, newMockWatcher())
	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}

	m.OnDetected(detector.PaymentEvent{PaymentHash: "hash-1"})
	<-bc.forwarded

	// Wait for settle, then replay the callback.
	deadline := time.Now().Add(time.Second)
	for m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("machine never settled")
		}
		time.Sleep(2 * time.Millisecond)
	}
	m.OnDetected(detector.PaymentEvent{PaymentHash: "hash-1"})

	if _, forward := bc.counts(); forward != 1 {
		t.Errorf("forward called %d times, want 1", forward)
	}
}

func TestForwardingFailureNeverRetractsSuccess(t *testing.T) {
	bc := newMockBackend()
	bc.forwardErr = errors.New("forwarding exploded")
	m := testMachine(bc, newMockWatcher())
	rec := &eventRecorder{}
	m.SetNotifier(rec)

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}
	m.OnDetected(detector.PaymentEvent{PaymentHash: "hash-1"})
	<-bc.forwarded

	deadline := time.Now().Add(time.Second)
	for m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("machine never returned to idle")
		}
		time.Sleep(2 * time.Millisecond)
	}
	for _, e := range rec.list() {
		if e == "invoice_failed" {
			t.Error("forwarding failure surfaced as user error")
		}
	}
}

func TestCancel_UnwatchesAndFreesTheTerminal(t *testing.T) {
	bc := newMockBackend()
	w := newMockWatcher()
	m := testMachine(bc, w)

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle", m.State())
	}
	if !w.hasUnwatched("hash-1") {
		t.Error("cancel must unregister detection watchers")
	}
	if m.Current() != nil {
		t.Error("invoice must be cleared on cancel")
	}

	// The terminal accepts a new sale immediately.
	if err := m.Submit(context.Background(), 1.00); err != nil {
		t.Fatal(err)
	}
}

func TestCancel_NothingOutstanding(t *testing.T) {
	m := testMachine(newMockBackend(), newMockWatcher())
	if err := m.Cancel(context.Background()); !errors.Is(err, ErrNothingOutstanding) {
		t.Errorf("got %v, want ErrNothingOutstanding", err)
	}
}

func TestOnExpired(t *testing.T) {
	bc := newMockBackend()
	w := newMockWatcher()
	m := testMachine(bc, w)

	if err := m.Submit(context.Background(), 2.00); err != nil {
		t.Fatal(err)
	}
	m.OnExpired("hash-1")
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle", m.State())
	}
	if !w.hasUnwatched("hash-1") {
		t.Error("expiry must unregister detection watchers")
	}

	// An expiry for some other hash is ignored.
	if err := m.Submit(context.Background(), 3.00); err != nil {
		t.Fatal(err)
	}
	m.OnExpired("some-other-hash")
	if m.State() != StateAwaitingPayment {
		t.Errorf("state = %s, want awaiting_payment", m.State())
	}
}

func TestRateUnavailableBlocksFiatCreation(t *testing.T) {
	bc := newMockBackend()
	usd, _ := money.Lookup("USD")
	m := NewMachine(Config{Currency: usd}, bc, newMockWatcher(), fixedRate{nil}, slog.Default())

	err := m.Submit(context.Background(), 2.00)
	if !errors.Is(err, money.ErrRateUnavailable) {
		t.Fatalf("got %v, want ErrRateUnavailable", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle (inline error, no acknowledgment)", m.State())
	}
	if create, _ := bc.counts(); create != 0 {
		t.Error("collaborator must not be called without a rate")
	}
}
