package mempool

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
)

// DefaultThresholds are the lower edges of the fee-rate buckets, in sat/vB
var DefaultThresholds = []float64{0, 1, 2, 3, 5, 8, 10, 15, 20, 30, 50, 80, 100, 150, 200, 300, 500, 800, 1000}

// DefaultTopN is the size of the ranked output-value list
const DefaultTopN = 100

// FeeBucket counts the entries whose fee rate falls in [Min, Max). The top
// bucket has no upper edge and is marked Open.
type FeeBucket struct {
	Min   float64        `json:"min"`
	Max   float64        `json:"max,omitempty"`
	Open  bool           `json:"open,omitempty"`
	Count int            `json:"count"`
	VSize int64          `json:"vsize"`
	Fees  btcutil.Amount `json:"fees"`
}

// Contains reports whether rate falls in the bucket's range
func (b FeeBucket) Contains(rate float64) bool {
	if rate < b.Min {
		return false
	}
	return b.Open || rate < b.Max
}

// Label renders the range, e.g. "5-8" or "1000+"
func (b FeeBucket) Label() string {
	lo := strconv.FormatFloat(b.Min, 'f', -1, 64)
	if b.Open {
		return lo + "+"
	}
	return lo + "-" + strconv.FormatFloat(b.Max, 'f', -1, 64)
}

// Analysis is everything the analyzer derives from one mempool dump
type Analysis struct {
	Count     int            `json:"count"`
	VSize     int64          `json:"vsize"`
	Fees      btcutil.Amount `json:"fees"`
	Histogram []FeeBucket    `json:"histogram"`
	Top       []Entry        `json:"top"`
	// KnownValues counts entries with a known output value.
	KnownValues int `json:"known_values"`
}

// Analyzer buckets and ranks mempool entries. It holds configuration only;
// every method is a pure function of its input.
type Analyzer struct {
	thresholds []float64
	topN       int
}

// NewAnalyzer validates the bucket thresholds. They must start at 0 and be
// strictly ascending so the buckets partition [0, +inf).
func NewAnalyzer(thresholds []float64, topN int) (*Analyzer, error) {
	if len(thresholds) == 0 {
		return nil, errors.New("no fee-rate thresholds")
	}
	if thresholds[0] != 0 {
		return nil, fmt.Errorf("first fee-rate threshold must be 0, got %v", thresholds[0])
	}
	for i := 1; i < len(thresholds); i++ {
		if !(thresholds[i] > thresholds[i-1]) {
			return nil, fmt.Errorf("fee-rate thresholds not strictly ascending at index %d (%v after %v)", i, thresholds[i], thresholds[i-1])
		}
	}
	if topN <= 0 {
		return nil, fmt.Errorf("top-N must be positive, got %d", topN)
	}

	return &Analyzer{
		thresholds: append([]float64(nil), thresholds...),
		topN:       topN,
	}, nil
}

// NewDefaultAnalyzer uses DefaultThresholds and DefaultTopN
func NewDefaultAnalyzer() *Analyzer {
	a, err := NewAnalyzer(DefaultThresholds, DefaultTopN)
	if err != nil {
		panic(err)
	}
	return a
}

// Buckets returns the empty bucket layout
func (a *Analyzer) Buckets() []FeeBucket {
	buckets := make([]FeeBucket, len(a.thresholds))
	for i, lo := range a.thresholds {
		buckets[i].Min = lo
		if i+1 < len(a.thresholds) {
			buckets[i].Max = a.thresholds[i+1]
		} else {
			buckets[i].Open = true
		}
	}
	return buckets
}

// bucketIndex finds the last threshold <= rate
func (a *Analyzer) bucketIndex(rate float64) int {
	i := sort.Search(len(a.thresholds), func(i int) bool {
		return a.thresholds[i] > rate
	}) - 1
	if i < 0 {
		return 0
	}
	return i
}

// Histogram places every entry in exactly one bucket by fee rate
func (a *Analyzer) Histogram(entries []Entry) []FeeBucket {
	buckets := a.Buckets()
	for _, e := range entries {
		b := &buckets[a.bucketIndex(e.FeeRate)]
		b.Count++
		b.VSize += e.VSize
		b.Fees += e.Fee
	}
	return buckets
}

// TopByValue ranks entries with a known output value, largest first, ties by
// txid ascending. At most topN entries are returned.
func (a *Analyzer) TopByValue(entries []Entry) []Entry {
	known := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.HasOutputValue {
			known = append(known, e)
		}
	}

	sort.Slice(known, func(i, j int) bool {
		if known[i].OutputValue != known[j].OutputValue {
			return known[i].OutputValue > known[j].OutputValue
		}
		return known[i].TxID < known[j].TxID
	})

	if len(known) > a.topN {
		known = known[:a.topN]
	}
	return known
}

// Analyze bundles totals, histogram and the top list
func (a *Analyzer) Analyze(entries []Entry) Analysis {
	analysis := Analysis{
		Count:     len(entries),
		Histogram: a.Histogram(entries),
		Top:       a.TopByValue(entries),
	}
	for _, e := range entries {
		analysis.VSize += e.VSize
		analysis.Fees += e.Fee
		if e.HasOutputValue {
			analysis.KnownValues++
		}
	}
	return analysis
}

// SortByTxID orders entries by txid in place
func SortByTxID(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TxID < entries[j].TxID
	})
}
