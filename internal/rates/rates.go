// Package rates fetches and caches exchange-rate snapshots.
//
// The cache holds one immutable snapshot at a time and is replaced
// wholesale on currency change or periodic refresh. Calculations in
// flight keep reading the snapshot they started with.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/satspos/internal/metrics"
	"github.com/mbd888/satspos/internal/money"
	"github.com/mbd888/satspos/internal/retry"
)

// Client fetches rates from the rate collaborator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a rate client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// rateResponse is the collaborator's wire shape.
type rateResponse struct {
	SatPrice float64 `json:"satPrice"`
	Currency string  `json:"currency"`
}

// Fetch retrieves a fresh snapshot for a currency.
func (c *Client) Fetch(ctx context.Context, currency string) (*money.Rate, error) {
	endpoint := fmt.Sprintf("%s/rates?currency=%s", c.baseURL, url.QueryEscape(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("rates: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rates: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates: unexpected status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("rates: decode: %w", err)
	}
	if body.SatPrice <= 0 {
		return nil, fmt.Errorf("rates: non-positive sat price %v", body.SatPrice)
	}

	return &money.Rate{
		SatPrice:  body.SatPrice,
		Currency:  body.Currency,
		FetchedAt: time.Now(),
	}, nil
}

// Cache holds the current snapshot.
type Cache struct {
	mu   sync.RWMutex
	rate *money.Rate
}

// NewCache creates an empty cache; fiat invoice creation fails with
// ErrRateUnavailable until the first successful fetch.
func NewCache() *Cache {
	return &Cache{}
}

// Current returns the latest snapshot, or nil.
func (c *Cache) Current() *money.Rate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// Set replaces the snapshot wholesale. Never patches in place.
func (c *Cache) Set(rate *money.Rate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = rate
}

// Refresher periodically refreshes the cache for the active currency.
type Refresher struct {
	client     *Client
	cache      *Cache
	currency   string
	interval   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewRefresher creates a refresher for the given display currency.
func NewRefresher(client *Client, cache *Cache, currency string, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		client:     client,
		cache:      cache,
		currency:   currency,
		interval:   interval,
		retryDelay: time.Second,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start begins the refresh loop. Call in a goroutine. The first fetch
// happens immediately so the terminal becomes usable without waiting a
// full interval.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// Stop signals the refresher to stop.
func (r *Refresher) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	var rate *money.Rate
	err := retry.Do(ctx, 3, r.retryDelay, func() error {
		var ferr error
		rate, ferr = r.client.Fetch(ctx, r.currency)
		return ferr
	})
	if err != nil {
		metrics.RateRefreshesTotal.WithLabelValues("error").Inc()
		// Keep serving the previous snapshot; a stale rate beats none.
		r.logger.Warn("rate refresh failed", "currency", r.currency, "error", err)
		return
	}
	metrics.RateRefreshesTotal.WithLabelValues("ok").Inc()
	r.cache.Set(rate)
	r.logger.Debug("rate refreshed", "currency", rate.Currency, "sat_price", rate.SatPrice)
}
