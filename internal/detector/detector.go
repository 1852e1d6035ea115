// Package detector observes Lightning settlement through multiple racing
// channels and guarantees at-most-once delivery of the "detected" signal.
//
// Three channels can observe the same settlement:
//   - push: a websocket stream from the backend
//   - poll: a one-shot check-payment call armed when the front end
//     regains focus (the correctness backstop while the push channel
//     is down)
//   - nfc: a boltcard tap whose withdraw succeeded
//
// Whichever arrives first wins; the rest are absorbed by the dedupe
// guard. The detected callback runs before any forwarding network call
// is started, so user-visible success never waits on background work.
package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/satspos/internal/metrics"
	"github.com/mbd888/satspos/internal/validation"
)

// Channel identifies which observer saw the settlement first.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelPoll Channel = "poll"
	ChannelNFC  Channel = "nfc"
)

// PaymentEvent is one settlement observation.
type PaymentEvent struct {
	PaymentHash string    `json:"paymentHash"`
	Channel     Channel   `json:"channel"`
	AmountSats  int64     `json:"amountSats"`
	Memo        string    `json:"memo,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// CheckResult is the poll collaborator's answer for one payment hash.
type CheckResult struct {
	Paid     bool
	NotFound bool // backend storage TTL elapsed; treat as expired
}

// Checker performs the check-payment collaborator call.
type Checker interface {
	Check(ctx context.Context, paymentHash string) (CheckResult, error)
}

// Config for the detector.
type Config struct {
	PushURL       string        // websocket settlement stream; "" disables push
	PollDelay     time.Duration // focus regain → poll check delay
	MaxReconnects int           // automatic reconnect bound
	Backoff       time.Duration // base reconnect backoff
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollDelay:     500 * time.Millisecond,
		MaxReconnects: 5,
		Backoff:       time.Second,
	}
}

type watch struct {
	onDetected func(PaymentEvent)
}

// Detector deduplicates settlement observations across channels.
type Detector struct {
	cfg     Config
	checker Checker
	dialer  *websocket.Dialer
	logger  *slog.Logger

	// OnExpired is invoked when a poll check learns the backend no
	// longer knows the hash. Optional.
	OnExpired func(paymentHash string)

	mu       sync.Mutex
	watches  map[string]watch
	notified map[string]bool

	reconnects   atomic.Int64 // total reconnect attempts, exposed
	connected    atomic.Bool
	pollArmed    atomic.Bool
	reconnectReq chan struct{}
}

// New creates a detector. checker may not be nil; the push channel is
// optional.
func New(cfg Config, checker Checker, logger *slog.Logger) *Detector {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 500 * time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Detector{
		cfg:          cfg,
		checker:      checker,
		dialer:       websocket.DefaultDialer,
		logger:       logger,
		watches:      make(map[string]watch),
		notified:     make(map[string]bool),
		reconnectReq: make(chan struct{}, 1),
	}
}

// Watch registers interest in a payment hash. onDetected fires at most
// once, regardless of how many channels observe the settlement.
func (d *Detector) Watch(paymentHash string, onDetected func(PaymentEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watches[paymentHash] = watch{onDetected: onDetected}
}

// Unwatch removes a hash's watcher and its dedupe record. Called on
// cancel and on terminal invoice states.
func (d *Detector) Unwatch(paymentHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watches, paymentHash)
	delete(d.notified, paymentHash)
}

// Watching reports whether any hash is currently watched.
func (d *Detector) Watching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watches) > 0
}

// Observe feeds one settlement observation into the dedupe guard.
// Returns true when this observation won and the callback fired.
// The NFC bridge calls this directly, so a tap and a push event for the
// same hash can never double-count.
func (d *Detector) Observe(ev PaymentEvent) bool {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}

	d.mu.Lock()
	w, ok := d.watches[ev.PaymentHash]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if d.notified[ev.PaymentHash] {
		d.mu.Unlock()
		metrics.DuplicateDetectionsTotal.WithLabelValues(string(ev.Channel)).Inc()
		d.logger.Debug("duplicate settlement observation absorbed",
			"payment_hash", ev.PaymentHash, "channel", ev.Channel)
		return false
	}
	d.notified[ev.PaymentHash] = true
	d.mu.Unlock()

	metrics.DetectionsTotal.WithLabelValues(string(ev.Channel)).Inc()
	d.logger.Info("payment detected",
		"payment_hash", ev.PaymentHash, "channel", ev.Channel, "amount_sats", ev.AmountSats)

	// Synchronous on purpose: the optimistic UI signal must complete
	// before any forwarding work the callback schedules.
	w.onDetected(ev)
	return true
}

// NotifyFocus arms the one-shot poll fallback. The check runs after
// PollDelay and only while an invoice is still outstanding. Rapid focus
// flaps coalesce into a single pending poll.
func (d *Detector) NotifyFocus(ctx context.Context) {
	if !d.Watching() {
		return
	}
	if !d.pollArmed.CompareAndSwap(false, true) {
		return
	}
	// The caller is typically an HTTP handler whose context is
	// cancelled the moment it responds. The armed poll must outlive
	// the request, so only the context values ride along.
	pollCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.pollArmed.Store(false)
		time.Sleep(d.cfg.PollDelay)
		ctx, cancel := context.WithTimeout(pollCtx, 10*time.Second)
		defer cancel()
		d.pollOutstanding(ctx)
	}()
}

// pollOutstanding checks every still-watched hash once. Failures are
// logged and retried on the next focus event, never surfaced: failure
// to detect is not evidence of a failed payment.
func (d *Detector) pollOutstanding(ctx context.Context) {
	d.mu.Lock()
	hashes := make([]string, 0, len(d.watches))
	for h := range d.watches {
		hashes = append(hashes, h)
	}
	d.mu.Unlock()

	for _, hash := range hashes {
		res, err := d.checker.Check(ctx, hash)
		if err != nil {
			metrics.PollChecksTotal.WithLabelValues("error").Inc()
			d.logger.Warn("payment check failed, will retry on next focus",
				"payment_hash", hash, "error", err)
			continue
		}
		switch {
		case res.NotFound:
			metrics.PollChecksTotal.WithLabelValues("not_found").Inc()
			if d.OnExpired != nil {
				d.OnExpired(hash)
			}
		case res.Paid:
			metrics.PollChecksTotal.WithLabelValues("paid").Inc()
			d.Observe(PaymentEvent{
				PaymentHash: hash,
				Channel:     ChannelPoll,
				ObservedAt:  time.Now(),
			})
		default:
			metrics.PollChecksTotal.WithLabelValues("unpaid").Inc()
		}
	}
}

// Connected reports whether the push channel is currently up.
func (d *Detector) Connected() bool {
	return d.connected.Load()
}

// ReconnectAttempts returns the total automatic reconnect attempts made.
func (d *Detector) ReconnectAttempts() int64 {
	return d.reconnects.Load()
}

// Reconnect is the manual escape hatch: it resets the automatic bound
// and forces a fresh dial even after the detector gave up.
func (d *Detector) Reconnect() {
	select {
	case d.reconnectReq <- struct{}{}:
	default:
	}
}

// Run drives the push-channel read loop with bounded reconnects. It
// blocks until ctx is cancelled. With no push URL configured it still
// blocks so callers can treat push as merely absent, not broken.
func (d *Detector) Run(ctx context.Context) {
	if d.cfg.PushURL == "" {
		d.logger.Info("push channel disabled, poll fallback only")
		<-ctx.Done()
		return
	}

	attempts := 0
	for {
		err := d.readLoop(ctx)
		d.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		attempts++
		d.reconnects.Add(1)
		metrics.PushReconnectsTotal.Inc()
		d.logger.Warn("push channel disconnected",
			"error", err, "attempt", attempts, "max", d.cfg.MaxReconnects)

		if attempts > d.cfg.MaxReconnects {
			d.logger.Error("push channel reconnect budget exhausted; waiting for manual reconnect")
			select {
			case <-ctx.Done():
				return
			case <-d.reconnectReq:
				attempts = 0
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.reconnectReq:
			attempts = 0
		case <-time.After(time.Duration(attempts) * d.cfg.Backoff):
		}
	}
}

// pushMessage is a settlement event on the wire.
type pushMessage struct {
	PaymentHash string `json:"paymentHash"`
	AmountSats  int64  `json:"amountSats"`
	Memo        string `json:"memo,omitempty"`
}

func (d *Detector) readLoop(ctx context.Context) error {
	conn, _, err := d.dialer.DialContext(ctx, d.cfg.PushURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	d.connected.Store(true)
	d.logger.Info("push channel connected", "url", d.cfg.PushURL)

	// Unblock ReadMessage when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Warn("malformed push message dropped", "error", err)
			continue
		}
		if !validation.IsValidHex(msg.PaymentHash) {
			d.logger.Warn("push message with malformed payment hash dropped",
				"payment_hash", msg.PaymentHash)
			continue
		}
		d.Observe(PaymentEvent{
			PaymentHash: msg.PaymentHash,
			Channel:     ChannelPush,
			AmountSats:  msg.AmountSats,
			Memo:        msg.Memo,
			ObservedAt:  time.Now(),
		})
	}
}
