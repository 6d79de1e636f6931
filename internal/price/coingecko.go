package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lrendina/blockchain-intel/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRateLimited means the price index rejected the call on quota grounds.
// The caller must pause its run and resume on the next scheduled invocation.
var ErrRateLimited = errors.New("price index rate limited")

const (
	defaultBaseUrl     = "https://api.coingecko.com/api/v3"
	defaultMinInterval = 1200 * time.Millisecond
	defaultTimeout     = 20 * time.Second
)

type CoinListEntry struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Platforms map[string]string `json:"platforms"`
}

// PriceSource is the external price index consumed by the catalog and the
// backfill worker.
type PriceSource interface {
	CoinList(ctx context.Context) ([]CoinListEntry, error)
	// HistoricalPrice returns the USD price of a coin on a given day, or nil
	// when the index has no data for it (delisted or never tracked).
	HistoricalPrice(ctx context.Context, coinID string, date string) (*decimal.Decimal, error)
}

// HistoryDate formats a timestamp the way the price index expects dates.
func HistoryDate(t time.Time) string {
	return t.UTC().Format("02-01-2006")
}

type CoinGeckoClient struct {
	baseUrl     string
	apiKey      string
	httpClient  *http.Client
	minInterval time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

func NewCoinGeckoClient() *CoinGeckoClient {
	cfg := config.Get()
	baseUrl := cfg.PriceApiBaseUrl
	if baseUrl == "" {
		baseUrl = defaultBaseUrl
	}
	minInterval := defaultMinInterval
	if cfg.PriceMinRequestIntervalMs > 0 {
		minInterval = time.Duration(cfg.PriceMinRequestIntervalMs) * time.Millisecond
	}
	timeout := defaultTimeout
	if cfg.RequestTimeoutMs > 0 {
		timeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	}
	return &CoinGeckoClient{
		baseUrl:     baseUrl,
		apiKey:      cfg.PriceApiKey,
		httpClient:  &http.Client{Timeout: timeout},
		minInterval: minInterval,
	}
}

func (c *CoinGeckoClient) CoinList(ctx context.Context) ([]CoinListEntry, error) {
	var list []CoinListEntry
	url := fmt.Sprintf("%s/coins/list?include_platform=true", c.baseUrl)
	if err := c.getJSON(ctx, url, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *CoinGeckoClient) HistoricalPrice(ctx context.Context, coinID string, date string) (*decimal.Decimal, error) {
	var payload struct {
		MarketData struct {
			CurrentPrice map[string]json.Number `json:"current_price"`
		} `json:"market_data"`
	}
	url := fmt.Sprintf("%s/coins/%s/history?date=%s", c.baseUrl, coinID, date)
	err := c.getJSON(ctx, url, &payload)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	usd, ok := payload.MarketData.CurrentPrice["usd"]
	if !ok {
		return nil, nil
	}
	value, err := decimal.NewFromString(usd.String())
	if err != nil {
		return nil, fmt.Errorf("unparsable usd price %q for %s: %w", usd.String(), coinID, err)
	}
	return &value, nil
}

var errNotFound = errors.New("price index has no such coin")

func (c *CoinGeckoClient) getJSON(ctx context.Context, url string, out interface{}) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		zap.L().Warn("Price index rate limit hit", zap.String("url", url))
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("price index returned status %d for %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode price index response: %w", err)
	}
	return nil
}

// throttle enforces the minimum spacing between requests so the free-tier
// quota is respected even when many lookups queue up.
func (c *CoinGeckoClient) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	next := c.lastRequest.Add(c.minInterval)
	if next.Before(now) {
		next = now
	}
	wait := next.Sub(now)
	c.lastRequest = next
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
