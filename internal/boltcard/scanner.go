package boltcard

import (
	"context"
	"sync/atomic"
)

// FeedScanner is a Scanner fed by the front-end's reader shim: the UI
// process owns the physical NFC hardware and posts raw NDEF records to
// the daemon, which injects them here.
//
// Like the platform reader it wraps, there is no way to abort a read
// that has already started on the device side; Stop merely stops
// accepting tags locally.
type FeedScanner struct {
	tags    chan Tag
	started atomic.Bool
	stopped atomic.Bool
}

// NewFeedScanner creates a scanner with a small tap buffer.
func NewFeedScanner() *FeedScanner {
	return &FeedScanner{tags: make(chan Tag, 8)}
}

// Start marks the scanner active. Restart after Stop is allowed.
func (s *FeedScanner) Start(ctx context.Context) error {
	s.started.Store(true)
	s.stopped.Store(false)
	return nil
}

// Tags returns the tap stream.
func (s *FeedScanner) Tags() <-chan Tag { return s.tags }

// Stop unregisters the local listener. In-flight reads on the device
// side are not halted; later feeds are dropped.
func (s *FeedScanner) Stop() {
	s.stopped.Store(true)
}

// Available is false until the shim reports capability through the
// permission callback. The daemon never sees the reader directly.
func (s *FeedScanner) Available() bool { return false }

// Feed injects one tap. Returns false when the scanner is stopped or
// the buffer is full (the tap is dropped, never blocks).
func (s *FeedScanner) Feed(tag Tag) bool {
	if !s.started.Load() || s.stopped.Load() {
		return false
	}
	select {
	case s.tags <- tag:
		return true
	default:
		return false
	}
}
