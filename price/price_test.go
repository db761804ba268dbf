package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"time":1713571767,"USD":64012.5,"EUR":60011,"GBP":51234}`))
	}))
	defer server.Close()

	p, err := NewHTTPFetcher(server.URL, "usd").Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("64012.5").Equal(p), "got %s", p)

	p, err = NewHTTPFetcher(server.URL, "EUR").Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(60011).Equal(p))

	_, err = NewHTTPFetcher(server.URL, "JPY").Fetch(context.Background())
	assert.ErrorContains(t, err, "no JPY price")
}

func TestHTTPFetcherFailures(t *testing.T) {
	bodies := map[string]struct {
		status int
		body   string
	}{
		"server error":   {http.StatusBadGateway, "bad gateway"},
		"not json":       {http.StatusOK, "<html></html>"},
		"string price":   {http.StatusOK, `{"USD":"abc"}`},
		"negative price": {http.StatusOK, `{"USD":-1}`},
	}

	for name, tc := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := NewHTTPFetcher(server.URL, "USD").Fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestServiceCachesAndServesStale(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"USD":65000}`))
	}))
	defer server.Close()

	svc := NewService(NewHTTPFetcher(server.URL, "USD"), "USD", 50*time.Millisecond)

	q, err := svc.Quote(context.Background())
	require.NoError(t, err)
	assert.False(t, q.Stale)
	assert.Equal(t, "USD", q.Currency)

	_, err = svc.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "A second quote inside the window should not hit the API")

	failing.Store(true)
	time.Sleep(60 * time.Millisecond)

	q, err = svc.Quote(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Stale, "The last good price should be served as stale")
	assert.True(t, decimal.NewFromInt(65000).Equal(q.Price))
	assert.Equal(t, int32(2), calls.Load())
}

func TestServiceNothingCached(t *testing.T) {
	svc := NewService(fetcherFunc(func(ctx context.Context) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("offline")
	}), "", 0)

	_, err := svc.Quote(context.Background())
	assert.EqualError(t, err, "offline")
}

func TestQuoteValue(t *testing.T) {
	q := Quote{Currency: "USD", Price: decimal.NewFromInt(64000)}
	assert.Equal(t, "640", q.Value(btcutil.Amount(1_000_000)).String())
	assert.Equal(t, "0.06", q.Value(btcutil.Amount(100)).String(), "Values should round to cents")
}

type fetcherFunc func(ctx context.Context) (decimal.Decimal, error)

func (f fetcherFunc) Fetch(ctx context.Context) (decimal.Decimal, error) {
	return f(ctx)
}
