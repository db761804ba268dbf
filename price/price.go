package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"btcmonitor/cache"
	"btcmonitor/logger"
)

var log = logger.Logger

const (
	DefaultURL      = "https://mempool.space/api/v1/prices"
	DefaultCurrency = "USD"
	// DefaultTTL is the refuse-to-refetch window
	DefaultTTL = 60 * time.Second
	// DefaultTimeout bounds one price request
	DefaultTimeout = 5 * time.Second
)

// Fetcher returns the current price of one bitcoin
type Fetcher interface {
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// HTTPFetcher reads a JSON object keyed by currency code, as served by
// mempool.space: {"time": 1713571767, "USD": 64012, "EUR": 60011, ...}
type HTTPFetcher struct {
	URL      string
	Currency string
	Client   *http.Client
}

// NewHTTPFetcher creates a fetcher with its own bounded client
func NewHTTPFetcher(url, currency string) *HTTPFetcher {
	if url == "" {
		url = DefaultURL
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return &HTTPFetcher{
		URL:      url,
		Currency: strings.ToUpper(currency),
		Client:   &http.Client{Timeout: DefaultTimeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, fmt.Errorf("price request failed: HTTP %d", resp.StatusCode)
	}

	var prices map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&prices); err != nil {
		return decimal.Zero, fmt.Errorf("decode prices: %w", err)
	}

	raw, ok := prices[f.Currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no %s price in response", f.Currency)
	}
	var p decimal.Decimal
	if err := p.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, fmt.Errorf("decode %s price: %w", f.Currency, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("implausible %s price %s", f.Currency, p)
	}
	return p, nil
}

// Quote is a price as the display shows it
type Quote struct {
	Currency  string          `json:"currency"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
	Stale     bool            `json:"stale"`
}

// Value converts an amount to the quote currency, rounded to cents
func (q Quote) Value(amount btcutil.Amount) decimal.Decimal {
	return decimal.NewFromInt(int64(amount)).
		Mul(q.Price).
		Div(decimal.NewFromInt(btcutil.SatoshiPerBitcoin)).
		Round(2)
}

// Service caches the price for its window
type Service struct {
	currency string
	cache    *cache.Cache[decimal.Decimal]
}

// NewService wraps fetcher in a cache with the given window
func NewService(fetcher Fetcher, currency string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Service{
		currency: strings.ToUpper(currency),
		cache:    cache.New(ttl, fetcher.Fetch),
	}
}

// Quote returns the cached price, refreshing it when the window has passed
func (s *Service) Quote(ctx context.Context) (Quote, error) {
	v, err := s.cache.Get(ctx)
	if err != nil {
		log.WithError(err).Debug("Price unavailable")
		return Quote{}, err
	}
	if v.Stale {
		log.WithError(v.Err).WithField("fetched_at", v.FetchedAt.Format(time.RFC3339)).Debug("Serving stale price")
	}
	return Quote{
		Currency:  s.currency,
		Price:     v.Value,
		FetchedAt: v.FetchedAt,
		Stale:     v.Stale,
	}, nil
}
