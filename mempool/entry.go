package mempool

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"btcmonitor/chain"
	"btcmonitor/rpc"
)

// Entry is one unconfirmed transaction as the analyzer sees it. Entries are
// built once per tick and never mutated.
type Entry struct {
	TxID   string `json:"txid"`
	VSize  int64  `json:"vsize"`
	Weight int64  `json:"weight"`
	// Fee is the base fee, without prioritisetransaction deltas.
	Fee btcutil.Amount `json:"fee"`
	// FeeRate is Fee / VSize in sat/vB.
	FeeRate float64 `json:"fee_rate"`
	// OutputValue is the sum of the transaction's outputs. Only meaningful
	// when HasOutputValue is set.
	OutputValue    btcutil.Amount `json:"output_value"`
	HasOutputValue bool           `json:"has_output_value"`
	Time           time.Time      `json:"time"`
	Depends        []string       `json:"depends,omitempty"`
}

// NewEntry builds an entry and derives its fee rate
func NewEntry(txid string, vsize int64, fee btcutil.Amount) (Entry, error) {
	if txid == "" {
		return Entry{}, fmt.Errorf("empty txid")
	}
	if vsize <= 0 {
		return Entry{}, fmt.Errorf("tx %s: vsize must be positive, got %d", txid, vsize)
	}
	if fee < 0 {
		return Entry{}, fmt.Errorf("tx %s: negative fee %d", txid, fee)
	}
	return Entry{
		TxID:    txid,
		VSize:   vsize,
		Weight:  vsize * chain.WitnessScaleFactor,
		Fee:     fee,
		FeeRate: float64(fee) / float64(vsize),
	}, nil
}

// WithOutputValue returns a copy of e carrying a known output value
func (e Entry) WithOutputValue(value btcutil.Amount) Entry {
	e.OutputValue = value
	e.HasOutputValue = true
	return e
}

// FromRPC converts one verbose getrawmempool entry
func FromRPC(txid string, raw rpc.MempoolEntry) (Entry, error) {
	if raw.Fees == nil {
		return Entry{}, fmt.Errorf("tx %s: missing fees", txid)
	}
	fee, err := btcutil.NewAmount(raw.Fees.Base)
	if err != nil {
		return Entry{}, fmt.Errorf("tx %s: fee: %w", txid, err)
	}

	entry, err := NewEntry(txid, raw.VSize, fee)
	if err != nil {
		return Entry{}, err
	}
	if raw.Weight > 0 {
		entry.Weight = raw.Weight
	}
	if raw.Time > 0 {
		entry.Time = time.Unix(raw.Time, 0)
	}
	if len(raw.Depends) > 0 {
		entry.Depends = append([]string(nil), raw.Depends...)
	}
	return entry, nil
}

// FromRPCMap converts a full verbose mempool dump. The result is ordered by
// txid so downstream output does not depend on map iteration order.
func FromRPCMap(raw map[string]rpc.MempoolEntry) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for txid, r := range raw {
		entry, err := FromRPC(txid, r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	SortByTxID(entries)
	return entries, nil
}
