package mempool

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btcmonitor/rpc"
)

func txid(n int) string {
	s := fmt.Sprintf("%x", n)
	return strings.Repeat("0", 64-len(s)) + s
}

func mustEntry(t *testing.T, id string, vsize int64, fee btcutil.Amount) Entry {
	t.Helper()
	e, err := NewEntry(id, vsize, fee)
	require.NoError(t, err)
	return e
}

func randomEntries(t *testing.T, n int, seed int64) []Entry {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	entries := make([]Entry, n)
	for i := range entries {
		vsize := int64(60 + r.Intn(2000))
		// Rates from 0 to ~2000 sat/vB, skewed low like a real mempool.
		rate := r.ExpFloat64() * 20
		if r.Intn(50) == 0 {
			rate = 800 + r.Float64()*1200
		}
		e := mustEntry(t, txid(i), vsize, btcutil.Amount(rate*float64(vsize)))
		if r.Intn(4) != 0 {
			e = e.WithOutputValue(btcutil.Amount(r.Int63n(5) * 100_000_000))
		}
		entries[i] = e
	}
	return entries
}

func TestNewEntryFeeRate(t *testing.T) {
	e := mustEntry(t, txid(1), 250, 2500)
	assert.Equal(t, 10.0, e.FeeRate, "Fee rate should be fee / vsize")
	assert.Equal(t, int64(1000), e.Weight)
	assert.False(t, e.HasOutputValue)

	_, err := NewEntry(txid(2), 0, 100)
	assert.Error(t, err, "Zero vsize should be rejected")
	_, err = NewEntry(txid(3), 100, -1)
	assert.Error(t, err, "Negative fee should be rejected")
	_, err = NewEntry("", 100, 1)
	assert.Error(t, err)
}

func TestFromRPC(t *testing.T) {
	raw := rpc.MempoolEntry{
		VSize:   141,
		Weight:  561,
		Time:    1713571000,
		Fees:    &rpc.MempoolFees{Base: 0.00002820},
		Depends: []string{txid(9)},
	}

	e, err := FromRPC(txid(1), raw)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(2820), e.Fee)
	assert.Equal(t, int64(561), e.Weight)
	assert.InDelta(t, 20.0, e.FeeRate, 1e-9)
	assert.Equal(t, time.Unix(1713571000, 0), e.Time)
	assert.Equal(t, []string{txid(9)}, e.Depends)

	raw.Fees = nil
	_, err = FromRPC(txid(1), raw)
	assert.Error(t, err)
}

func TestFromRPCMapIsOrdered(t *testing.T) {
	raw := map[string]rpc.MempoolEntry{
		txid(3): {VSize: 100, Fees: &rpc.MempoolFees{Base: 0.00001}},
		txid(1): {VSize: 100, Fees: &rpc.MempoolFees{Base: 0.00001}},
		txid(2): {VSize: 100, Fees: &rpc.MempoolFees{Base: 0.00001}},
	}

	entries, err := FromRPCMap(raw)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{txid(1), txid(2), txid(3)}, []string{entries[0].TxID, entries[1].TxID, entries[2].TxID})
}

func TestNewAnalyzerValidatesThresholds(t *testing.T) {
	tests := []struct {
		name       string
		thresholds []float64
		topN       int
		wantErr    bool
	}{
		{"defaults", DefaultThresholds, DefaultTopN, false},
		{"single bucket", []float64{0}, 1, false},
		{"empty", nil, 10, true},
		{"does not start at zero", []float64{1, 2, 3}, 10, true},
		{"not ascending", []float64{0, 5, 3}, 10, true},
		{"duplicate", []float64{0, 1, 1}, 10, true},
		{"zero top-N", []float64{0, 1}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnalyzer(tt.thresholds, tt.topN)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBucketsAreContiguous(t *testing.T) {
	buckets := NewDefaultAnalyzer().Buckets()
	require.Len(t, buckets, len(DefaultThresholds))

	assert.Equal(t, 0.0, buckets[0].Min, "The first bucket should start at zero")
	for i := 1; i < len(buckets); i++ {
		assert.Equal(t, buckets[i-1].Max, buckets[i].Min, "Bucket %d should start where bucket %d ends", i, i-1)
		assert.Greater(t, buckets[i].Min, buckets[i-1].Min)
	}
	last := buckets[len(buckets)-1]
	assert.True(t, last.Open, "The top bucket should be unbounded")
	assert.Equal(t, 1000.0, last.Min)
	assert.Equal(t, "1000+", last.Label())
	assert.Equal(t, "5-8", buckets[4].Label())
}

func TestHistogramBoundaries(t *testing.T) {
	a := NewDefaultAnalyzer()

	tests := []struct {
		rate     float64
		wantMin  float64
		wantOpen bool
	}{
		{0, 0, false},
		{0.5, 0, false},
		{1, 1, false},
		{4.999, 3, false},
		{5, 5, false},
		{999.9, 800, false},
		{1000, 1000, true},
		{25000, 1000, true},
	}

	for _, tt := range tests {
		b := a.Histogram([]Entry{{TxID: txid(1), VSize: 100, FeeRate: tt.rate}})
		var hits []FeeBucket
		for _, bucket := range b {
			if bucket.Count > 0 {
				hits = append(hits, bucket)
			}
		}
		require.Len(t, hits, 1, "Rate %v should land in exactly one bucket", tt.rate)
		assert.Equal(t, tt.wantMin, hits[0].Min, "Rate %v landed in the wrong bucket", tt.rate)
		assert.Equal(t, tt.wantOpen, hits[0].Open)
		assert.True(t, hits[0].Contains(tt.rate))
	}
}

func TestHistogramPartitionsEveryEntry(t *testing.T) {
	a := NewDefaultAnalyzer()
	entries := randomEntries(t, 5000, 7)

	histogram := a.Histogram(entries)

	total := 0
	var vsize int64
	var fees btcutil.Amount
	for _, b := range histogram {
		total += b.Count
		vsize += b.VSize
		fees += b.Fees
	}
	assert.Equal(t, len(entries), total, "Bucket counts should sum to the entry count")

	var wantVSize int64
	var wantFees btcutil.Amount
	for _, e := range entries {
		wantVSize += e.VSize
		wantFees += e.Fee

		matches := 0
		for _, b := range histogram {
			if b.Contains(e.FeeRate) {
				matches++
			}
		}
		assert.Equal(t, 1, matches, "Entry %s with rate %v should match exactly one bucket", e.TxID, e.FeeRate)
		assert.InDelta(t, float64(e.Fee)/float64(e.VSize), e.FeeRate, 1e-9)
	}
	assert.Equal(t, wantVSize, vsize)
	assert.Equal(t, wantFees, fees)
}

func TestTopByValueOrdering(t *testing.T) {
	a, err := NewAnalyzer(DefaultThresholds, 3)
	require.NoError(t, err)

	entries := []Entry{
		mustEntry(t, txid(5), 100, 100).WithOutputValue(500),
		mustEntry(t, txid(2), 100, 100).WithOutputValue(900),
		mustEntry(t, txid(4), 100, 100).WithOutputValue(500),
		mustEntry(t, txid(1), 100, 100),
		mustEntry(t, txid(3), 100, 100).WithOutputValue(500),
	}

	top := a.TopByValue(entries)
	require.Len(t, top, 3)
	assert.Equal(t, txid(2), top[0].TxID, "Largest output value should rank first")
	assert.Equal(t, txid(3), top[1].TxID, "Ties should be broken by txid ascending")
	assert.Equal(t, txid(4), top[2].TxID)

	assert.Equal(t, txid(5), entries[0].TxID, "The input slice should not be reordered")
}

func TestTopByValueFewerThanN(t *testing.T) {
	a := NewDefaultAnalyzer()
	entries := []Entry{
		mustEntry(t, txid(1), 100, 100).WithOutputValue(1),
		mustEntry(t, txid(2), 100, 100).WithOutputValue(2),
	}

	top := a.TopByValue(entries)
	assert.Len(t, top, 2, "All entries should be returned when fewer than N exist")
	assert.Empty(t, a.TopByValue(nil))
}

func TestTopByValueIsDeterministic(t *testing.T) {
	a := NewDefaultAnalyzer()
	entries := randomEntries(t, 3000, 42)

	first := a.TopByValue(entries)
	shuffled := append([]Entry(nil), entries...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	second := a.TopByValue(shuffled)

	require.Len(t, first, DefaultTopN)
	assert.Equal(t, first, second, "Identical input sets should give identical rankings")
}

func TestAnalyze(t *testing.T) {
	a := NewDefaultAnalyzer()
	entries := []Entry{
		mustEntry(t, txid(1), 200, 2000).WithOutputValue(10_000),
		mustEntry(t, txid(2), 300, 1500),
		mustEntry(t, txid(3), 150, 3000).WithOutputValue(20_000),
	}

	analysis := a.Analyze(entries)
	assert.Equal(t, 3, analysis.Count)
	assert.Equal(t, int64(650), analysis.VSize)
	assert.Equal(t, btcutil.Amount(6500), analysis.Fees)
	assert.Equal(t, 2, analysis.KnownValues)
	require.Len(t, analysis.Top, 2)
	assert.Equal(t, txid(3), analysis.Top[0].TxID)

	empty := a.Analyze(nil)
	assert.Equal(t, 0, empty.Count)
	assert.Len(t, empty.Histogram, len(DefaultThresholds), "An empty mempool still has the full bucket layout")
}
