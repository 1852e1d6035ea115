package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeChecker scripts check-payment answers per hash.
type fakeChecker struct {
	mu      sync.Mutex
	results map[string]CheckResult
	errs    map[string]error
	calls   int
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{
		results: make(map[string]CheckResult),
		errs:    make(map[string]error),
	}
}

func (f *fakeChecker) Check(ctx context.Context, hash string) (CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[hash]; err != nil {
		return CheckResult{}, err
	}
	return f.results[hash], nil
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testDetector(checker Checker) *Detector {
	cfg := DefaultConfig()
	cfg.PollDelay = 5 * time.Millisecond
	cfg.Backoff = time.Millisecond
	cfg.MaxReconnects = 2
	return New(cfg, checker, slog.Default())
}

func TestObserve_FiresOncePerHash(t *testing.T) {
	d := testDetector(newFakeChecker())

	var calls []Channel
	d.Watch("h1", func(ev PaymentEvent) {
		calls = append(calls, ev.Channel)
	})

	if !d.Observe(PaymentEvent{PaymentHash: "h1", Channel: ChannelPush}) {
		t.Fatal("first observation should win")
	}
	// Poll and NFC report the same settlement afterwards.
	if d.Observe(PaymentEvent{PaymentHash: "h1", Channel: ChannelPoll}) {
		t.Error("second observation should be absorbed")
	}
	if d.Observe(PaymentEvent{PaymentHash: "h1", Channel: ChannelNFC}) {
		t.Error("third observation should be absorbed")
	}

	if len(calls) != 1 || calls[0] != ChannelPush {
		t.Errorf("callback calls = %v, want exactly one push", calls)
	}
}

func TestObserve_UnwatchedHashIgnored(t *testing.T) {
	d := testDetector(newFakeChecker())
	if d.Observe(PaymentEvent{PaymentHash: "nobody", Channel: ChannelPush}) {
		t.Error("unwatched hash must not fire")
	}
}

func TestObserve_OutOfOrderChannels(t *testing.T) {
	// NFC first, push second: still exactly one delivery.
	d := testDetector(newFakeChecker())
	fired := 0
	d.Watch("h2", func(PaymentEvent) { fired++ })

	d.Observe(PaymentEvent{PaymentHash: "h2", Channel: ChannelNFC})
	d.Observe(PaymentEvent{PaymentHash: "h2", Channel: ChannelPush})
	if fired != 1 {
		t.Errorf("fired %d times, want 1", fired)
	}
}

func TestUnwatch_StopsDelivery(t *testing.T) {
	d := testDetector(newFakeChecker())
	fired := false
	d.Watch("h3", func(PaymentEvent) { fired = true })
	d.Unwatch("h3")
	d.Observe(PaymentEvent{PaymentHash: "h3", Channel: ChannelPush})
	if fired {
		t.Error("unwatched callback fired")
	}
}

func TestNotifyFocus_PollsAndDetects(t *testing.T) {
	checker := newFakeChecker()
	checker.results["h4"] = CheckResult{Paid: true}
	d := testDetector(checker)

	detected := make(chan PaymentEvent, 1)
	d.Watch("h4", func(ev PaymentEvent) { detected <- ev })

	d.NotifyFocus(context.Background())

	select {
	case ev := <-detected:
		if ev.Channel != ChannelPoll {
			t.Errorf("channel = %s, want poll", ev.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("poll fallback never fired")
	}
}

func TestNotifyFocus_SurvivesCallerCancellation(t *testing.T) {
	checker := newFakeChecker()
	checker.results["h4"] = CheckResult{Paid: true}
	d := testDetector(checker)
	d.cfg.PollDelay = 50 * time.Millisecond

	detected := make(chan PaymentEvent, 1)
	d.Watch("h4", func(ev PaymentEvent) { detected <- ev })

	// The HTTP handler that forwards the focus event responds 202 and
	// returns immediately, killing its request context well before the
	// poll delay elapses.
	ctx, cancel := context.WithCancel(context.Background())
	d.NotifyFocus(ctx)
	cancel()

	select {
	case ev := <-detected:
		if ev.Channel != ChannelPoll {
			t.Errorf("channel = %s, want poll", ev.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll fallback died with the caller's context")
	}
	if checker.callCount() == 0 {
		t.Error("checker never called")
	}
}

func TestNotifyFocus_NoOutstandingInvoice(t *testing.T) {
	checker := newFakeChecker()
	d := testDetector(checker)

	d.NotifyFocus(context.Background())
	time.Sleep(20 * time.Millisecond)

	if checker.callCount() != 0 {
		t.Error("poll must not run without an outstanding invoice")
	}
}

func TestNotifyFocus_FailureIsSwallowedAndRetried(t *testing.T) {
	checker := newFakeChecker()
	checker.errs["h5"] = context.DeadlineExceeded
	d := testDetector(checker)

	var fired atomic.Bool
	d.Watch("h5", func(PaymentEvent) { fired.Store(true) })

	d.NotifyFocus(context.Background())
	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Error("a failed check must not report detection")
	}

	// Next focus event retries.
	checker.mu.Lock()
	delete(checker.errs, "h5")
	checker.results["h5"] = CheckResult{Paid: true}
	checker.mu.Unlock()

	d.NotifyFocus(context.Background())
	time.Sleep(30 * time.Millisecond)
	if !fired.Load() {
		t.Error("retry on next focus event did not detect")
	}
}

func TestNotifyFocus_NotFoundMeansExpired(t *testing.T) {
	checker := newFakeChecker()
	checker.results["h6"] = CheckResult{NotFound: true}
	d := testDetector(checker)

	expired := make(chan string, 1)
	d.OnExpired = func(hash string) { expired <- hash }
	d.Watch("h6", func(PaymentEvent) { t.Error("expired invoice must not detect") })

	d.NotifyFocus(context.Background())

	select {
	case h := <-expired:
		if h != "h6" {
			t.Errorf("expired hash = %q", h)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry never reported")
	}
}

// pushServer is a websocket endpoint that emits one settlement event
// per connection.
func pushServer(t *testing.T, msgs ...pushMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range msgs {
			data, _ := json.Marshal(msg)
			conn.WriteMessage(websocket.TextMessage, data)
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestRun_PushChannelDelivers(t *testing.T) {
	srv := pushServer(t, pushMessage{PaymentHash: "ab7", AmountSats: 2200})
	defer srv.Close()

	checker := newFakeChecker()
	cfg := DefaultConfig()
	cfg.PushURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	d := New(cfg, checker, slog.Default())

	detected := make(chan PaymentEvent, 1)
	d.Watch("ab7", func(ev PaymentEvent) { detected <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case ev := <-detected:
		if ev.Channel != ChannelPush {
			t.Errorf("channel = %s, want push", ev.Channel)
		}
		if ev.AmountSats != 2200 {
			t.Errorf("amount = %d, want 2200", ev.AmountSats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push event never delivered")
	}
}

func TestRun_MalformedPushHashDropped(t *testing.T) {
	// Both messages ride the same connection in order; if the
	// malformed hash were accepted it would arrive first.
	srv := pushServer(t,
		pushMessage{PaymentHash: "not-hex!", AmountSats: 100},
		pushMessage{PaymentHash: "deadbeef", AmountSats: 2200},
	)
	defer srv.Close()

	checker := newFakeChecker()
	cfg := DefaultConfig()
	cfg.PushURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	d := New(cfg, checker, slog.Default())

	detected := make(chan PaymentEvent, 2)
	d.Watch("not-hex!", func(ev PaymentEvent) { detected <- ev })
	d.Watch("deadbeef", func(ev PaymentEvent) { detected <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case ev := <-detected:
		if ev.PaymentHash != "deadbeef" {
			t.Errorf("hash = %s, want deadbeef", ev.PaymentHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed push event never delivered")
	}
	select {
	case ev := <-detected:
		t.Errorf("unexpected second delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_BoundedReconnectsAndManualEscapeHatch(t *testing.T) {
	checker := newFakeChecker()
	cfg := DefaultConfig()
	cfg.PushURL = "ws://127.0.0.1:1" // nothing listens here
	cfg.MaxReconnects = 2
	cfg.Backoff = time.Millisecond
	d := New(cfg, checker, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// The automatic budget is MaxReconnects; after that the loop parks.
	deadline := time.Now().Add(2 * time.Second)
	for d.ReconnectAttempts() < int64(cfg.MaxReconnects)+1 {
		if time.Now().After(deadline) {
			t.Fatalf("reconnect attempts = %d, want %d", d.ReconnectAttempts(), cfg.MaxReconnects+1)
		}
		time.Sleep(5 * time.Millisecond)
	}
	parked := d.ReconnectAttempts()
	time.Sleep(50 * time.Millisecond)
	if d.ReconnectAttempts() != parked {
		t.Error("detector kept dialing past its reconnect budget")
	}

	// Manual reconnect resumes dialing.
	d.Reconnect()
	deadline = time.Now().Add(2 * time.Second)
	for d.ReconnectAttempts() == parked {
		if time.Now().After(deadline) {
			t.Fatal("manual reconnect did not resume dialing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
