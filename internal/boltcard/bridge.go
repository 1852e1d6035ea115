// Package boltcard bridges physical NFC taps into the settlement flow.
//
// A boltcard emits an LNURL-withdraw URL on tap. The bridge decodes the
// tag, relays the LNURL plus the outstanding payment request to the
// withdraw proxy, and on success feeds the payment detector as the
// "nfc" channel. The detector's dedupe guard keeps a tap and a push
// event for the same invoice from double-counting.
//
// Withdraw failures are logged and deliberately not surfaced: by the
// time the proxy answers, the push channel may already have completed
// settlement for the same invoice, so a non-OK here proves nothing.
package boltcard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/satspos/internal/backend"
	"github.com/mbd888/satspos/internal/detector"
	"github.com/mbd888/satspos/internal/lnurl"
	"github.com/mbd888/satspos/internal/metrics"
)

var ErrNFCUnavailable = errors.New("boltcard: nfc capability unavailable")

// Scanner abstracts the platform NFC reader.
//
// Known platform constraint: the underlying reader has no true stop
// primitive. Stop only unregisters the local listener; a read already
// in flight may still complete and be discarded.
type Scanner interface {
	Start(ctx context.Context) error
	Tags() <-chan Tag
	Stop()
	Available() bool
}

// WithdrawClient is the LNURL-withdraw proxy call.
type WithdrawClient interface {
	LNURLWithdraw(ctx context.Context, lnurl, paymentRequest string) (*backend.LNURLResult, error)
}

// OutstandingSource exposes the invoice currently awaiting payment.
type OutstandingSource interface {
	Outstanding() (paymentRequest, paymentHash string, ok bool)
}

// SettlementObserver receives the nfc-channel settlement observation.
type SettlementObserver interface {
	Observe(ev detector.PaymentEvent) bool
}

// Bridge runs the tap → decode → withdraw pipeline.
type Bridge struct {
	scanner  Scanner
	client   WithdrawClient
	source   OutstandingSource
	observer SettlementObserver
	logger   *slog.Logger

	// OnReadError surfaces tag decode problems to the UI layer.
	// Non-fatal: the terminal keeps running. Optional.
	OnReadError func(error)

	available    atomic.Bool
	isProcessing atomic.Bool // one withdraw in flight at a time
	soundPlayed  atomic.Bool // one-shot per attempt

	mu         sync.Mutex
	scanning   bool
	scanCancel context.CancelFunc
}

// New creates a bridge. Capability is queried once here and can be
// re-evaluated later via PermissionChanged.
func New(scanner Scanner, client WithdrawClient, source OutstandingSource, observer SettlementObserver, logger *slog.Logger) *Bridge {
	b := &Bridge{
		scanner:  scanner,
		client:   client,
		source:   source,
		observer: observer,
		logger:   logger,
	}
	b.available.Store(scanner.Available())
	return b
}

// Available reports the last known capability/permission state.
func (b *Bridge) Available() bool { return b.available.Load() }

// PermissionChanged re-evaluates capability on a platform permission
// event.
func (b *Bridge) PermissionChanged(granted bool) {
	b.available.Store(granted)
	b.logger.Info("nfc permission changed", "granted", granted)
}

// ActivateScan starts the continuous read loop in the background.
// Idempotent while a loop is already running. The loop outlives the
// caller's ctx and runs until Close.
func (b *Bridge) ActivateScan(ctx context.Context) error {
	if !b.available.Load() {
		return ErrNFCUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanning {
		return nil
	}
	if err := b.scanner.Start(ctx); err != nil {
		return err
	}
	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.scanCancel = cancel
	b.scanning = true
	go b.readLoop(scanCtx)
	return nil
}

func (b *Bridge) readLoop(ctx context.Context) {
	defer func() {
		b.scanner.Stop()
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
	}()

	b.logger.Info("nfc scan active")
	for {
		select {
		case <-ctx.Done():
			return
		case tag, ok := <-b.scanner.Tags():
			if !ok {
				return
			}
			b.handleTag(ctx, tag)
		}
	}
}

// Close stops the read loop if one is running.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
}

// handleTag processes one tap end to end.
func (b *Bridge) handleTag(ctx context.Context, tag Tag) {
	if !b.available.Load() {
		return
	}

	payload, ok := b.extractLNURL(tag)
	if !ok {
		// Not every tap is a boltcard; discard silently.
		metrics.NFCTapsTotal.WithLabelValues("ignored").Inc()
		return
	}

	paymentRequest, paymentHash, ok := b.source.Outstanding()
	if !ok {
		metrics.NFCTapsTotal.WithLabelValues("ignored").Inc()
		b.logger.Debug("boltcard tap with no outstanding invoice, discarded")
		return
	}

	// One withdraw at a time: a second tap while this one is in
	// flight is dropped, not queued.
	if !b.isProcessing.CompareAndSwap(false, true) {
		metrics.NFCTapsTotal.WithLabelValues("busy").Inc()
		b.logger.Debug("boltcard tap dropped, withdraw already in flight")
		return
	}
	defer func() {
		// Both flags reset after the attempt, success or failure.
		b.isProcessing.Store(false)
		b.soundPlayed.Store(false)
	}()

	res, err := b.client.LNURLWithdraw(ctx, payload, paymentRequest)
	if err != nil {
		// Network errors are suppressed like non-OK statuses: the
		// push channel may have settled this invoice already.
		metrics.NFCTapsTotal.WithLabelValues("error").Inc()
		b.logger.Warn("lnurl withdraw call failed", "payment_hash", paymentHash, "error", err)
		return
	}
	if !res.OK() {
		metrics.NFCTapsTotal.WithLabelValues("rejected").Inc()
		b.logger.Warn("lnurl withdraw rejected",
			"payment_hash", paymentHash, "status", res.Status, "reason", res.Reason)
		return
	}

	metrics.NFCTapsTotal.WithLabelValues("submitted").Inc()
	if b.soundPlayed.CompareAndSwap(false, true) {
		b.observer.Observe(detector.PaymentEvent{
			PaymentHash: paymentHash,
			Channel:     detector.ChannelNFC,
			ObservedAt:  time.Now(),
		})
	}
}

// extractLNURL finds the first record carrying an LNURL payload.
// Decode failures go to OnReadError; records without "lnurl" in them
// are skipped without noise.
func (b *Bridge) extractLNURL(tag Tag) (string, bool) {
	for _, rec := range tag.Records {
		text, err := DecodeText(rec)
		if err != nil {
			if b.OnReadError != nil {
				b.OnReadError(err)
			}
			b.logger.Warn("nfc record decode failed", "error", err)
			continue
		}
		if lnurl.IsLNURL(text) {
			return text, true
		}
	}
	return "", false
}
