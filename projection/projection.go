package projection

import (
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcd/btcutil"

	"btcmonitor/chain"
	"btcmonitor/mempool"
)

// Source tags where a projection came from
type Source int

const (
	// Unavailable means neither path produced a projection this tick.
	Unavailable Source = iota
	// Authoritative projections come from the node's own block template.
	Authoritative
	// Synthetic projections are estimated from the mempool.
	Synthetic
)

func (s Source) String() string {
	switch s {
	case Authoritative:
		return "authoritative"
	case Synthetic:
		return "synthetic"
	default:
		return "unavailable"
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tx is one transaction of a projected block
type Tx struct {
	TxID    string         `json:"txid"`
	VSize   int64          `json:"vsize"`
	Weight  int64          `json:"weight"`
	Fee     btcutil.Amount `json:"fee"`
	FeeRate float64        `json:"fee_rate"`
}

// Bands summarise the fee rates of the included set, in sat/vB
type Bands struct {
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
}

// Projection is the expected content of the next block
type Projection struct {
	Source Source `json:"source"`
	// Transactions are ordered by fee rate, highest first.
	Transactions []Tx           `json:"transactions,omitempty"`
	TxCount      int            `json:"tx_count"`
	TotalWeight  int64          `json:"total_weight"`
	TotalVSize   int64          `json:"total_vsize"`
	TotalFees    btcutil.Amount `json:"total_fees"`
	Bands        Bands          `json:"bands"`
	// Height is the template height. Zero for synthetic projections.
	Height int64 `json:"height,omitempty"`
	// LimitVSize is the capacity a synthetic selection was filled against.
	LimitVSize int64 `json:"limit_vsize,omitempty"`
	// Fallback says why a synthetic projection was built.
	Fallback string `json:"fallback,omitempty"`
	Err      error  `json:"-"`
}

// MarshalJSON adds the error text, which error values cannot carry
func (p Projection) MarshalJSON() ([]byte, error) {
	type plain Projection
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(p)}
	if p.Err != nil {
		out.Error = p.Err.Error()
	}
	return json.Marshal(out)
}

// Available reports whether the projection carries a transaction set
func (p Projection) Available() bool {
	return p.Source != Unavailable
}

// Greedy fills a block of limitVSize virtual bytes greedily by fee rate.
// Entries that would overflow the limit are skipped, never split, and the
// selection continues with smaller ones.
func Greedy(entries []mempool.Entry, limitVSize int64) Projection {
	ordered := append([]mempool.Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].FeeRate != ordered[j].FeeRate {
			return ordered[i].FeeRate > ordered[j].FeeRate
		}
		return ordered[i].TxID < ordered[j].TxID
	})

	p := Projection{Source: Synthetic, LimitVSize: limitVSize}
	for _, e := range ordered {
		if p.TotalVSize+e.VSize > limitVSize {
			continue
		}
		p.add(Tx{
			TxID:    e.TxID,
			VSize:   e.VSize,
			Weight:  e.Weight,
			Fee:     e.Fee,
			FeeRate: e.FeeRate,
		})
	}
	p.Bands = feeBands(p.Transactions)
	return p
}

// fromTemplate projects the transactions the node chose itself
func fromTemplate(height int64, txs []Tx) Projection {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].FeeRate != txs[j].FeeRate {
			return txs[i].FeeRate > txs[j].FeeRate
		}
		return txs[i].TxID < txs[j].TxID
	})

	p := Projection{Source: Authoritative, Height: height}
	for _, tx := range txs {
		p.add(tx)
	}
	p.Bands = feeBands(p.Transactions)
	return p
}

func (p *Projection) add(tx Tx) {
	p.Transactions = append(p.Transactions, tx)
	p.TxCount++
	p.TotalWeight += tx.Weight
	p.TotalVSize += tx.VSize
	p.TotalFees += tx.Fee
}

// feeBands computes min, vsize-weighted median and max. The median is the
// smallest rate whose ascending cumulative vsize reaches half the total.
func feeBands(txs []Tx) Bands {
	if len(txs) == 0 {
		return Bands{}
	}

	asc := append([]Tx(nil), txs...)
	sort.Slice(asc, func(i, j int) bool {
		return asc[i].FeeRate < asc[j].FeeRate
	})

	var total int64
	for _, tx := range asc {
		total += tx.VSize
	}

	bands := Bands{Min: asc[0].FeeRate, Max: asc[len(asc)-1].FeeRate}
	var cum int64
	for _, tx := range asc {
		cum += tx.VSize
		if 2*cum >= total {
			bands.Median = tx.FeeRate
			break
		}
	}
	return bands
}

// vsizeFromWeight rounds up like Bitcoin Core's GetVirtualTransactionSize
func vsizeFromWeight(weight int64) int64 {
	return (weight + chain.WitnessScaleFactor - 1) / chain.WitnessScaleFactor
}
