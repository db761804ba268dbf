package snapshot

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"btcmonitor/logger"
	"btcmonitor/mempool"
)

// DefaultValueLookups bounds the raw transactions fetched per tick
const DefaultValueLookups = 2000

// RawTxFetcher resolves serialized transactions by txid
type RawTxFetcher interface {
	GetRawTransactions(ctx context.Context, txids []string) (map[string]string, error)
}

// ValueIndex remembers the total output value of mempool transactions.
// Verbose getrawmempool does not report output values, so they are filled
// in from raw transactions a bounded batch at a time. The value of a txid
// never changes, so entries stay valid until the transaction leaves the
// mempool. Not safe for concurrent use.
type ValueIndex struct {
	values map[string]btcutil.Amount
	// failed holds txids whose last lookup gave nothing usable. They are
	// retried only with the slots left after every other unknown txid.
	failed     map[string]struct{}
	maxLookups int
}

// NewValueIndex creates an empty index. maxLookups <= 0 disables lookups.
func NewValueIndex(maxLookups int) *ValueIndex {
	return &ValueIndex{
		values:     make(map[string]btcutil.Amount),
		failed:     make(map[string]struct{}),
		maxLookups: maxLookups,
	}
}

// Len is the number of known values
func (v *ValueIndex) Len() int {
	return len(v.values)
}

// Refresh prunes txids no longer in entries and looks up unknown ones. It
// returns the number of values added. A failed batch leaves the index
// pruned but otherwise unchanged.
func (v *ValueIndex) Refresh(ctx context.Context, fetcher RawTxFetcher, entries []mempool.Entry) (int, error) {
	current := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		current[e.TxID] = struct{}{}
	}
	for txid := range v.values {
		if _, ok := current[txid]; !ok {
			delete(v.values, txid)
		}
	}
	for txid := range v.failed {
		if _, ok := current[txid]; !ok {
			delete(v.failed, txid)
		}
	}

	if v.maxLookups <= 0 {
		return 0, nil
	}

	unknown := v.pending(entries)
	if len(unknown) == 0 {
		return 0, nil
	}

	raw, err := fetcher.GetRawTransactions(ctx, unknown)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, txid := range unknown {
		rawHex, ok := raw[txid]
		if !ok {
			v.failed[txid] = struct{}{}
			continue
		}
		value, err := OutputValue(txid, rawHex)
		if err != nil {
			log.WithError(err).WithField("txid", txid).Debug("Could not decode raw transaction")
			v.failed[txid] = struct{}{}
			continue
		}
		v.values[txid] = value
		delete(v.failed, txid)
		added++
	}

	log.WithFields(logger.Fields{
		"requested": len(unknown),
		"added":     added,
		"failed":    len(v.failed),
		"known":     len(v.values),
	}).Debug("Output-value index refreshed")
	return added, nil
}

// pending picks at most maxLookups unknown txids, never-tried ones first
func (v *ValueIndex) pending(entries []mempool.Entry) []string {
	var fresh, retry []string
	for _, e := range entries {
		if _, ok := v.values[e.TxID]; ok {
			continue
		}
		if _, ok := v.failed[e.TxID]; ok {
			retry = append(retry, e.TxID)
			continue
		}
		fresh = append(fresh, e.TxID)
		if len(fresh) == v.maxLookups {
			return fresh
		}
	}
	if room := v.maxLookups - len(fresh); len(retry) > room {
		retry = retry[:room]
	}
	return append(fresh, retry...)
}

// Annotate returns a copy of entries with known output values set
func (v *ValueIndex) Annotate(entries []mempool.Entry) []mempool.Entry {
	out := make([]mempool.Entry, len(entries))
	for i, e := range entries {
		if value, ok := v.values[e.TxID]; ok {
			e = e.WithOutputValue(value)
		}
		out[i] = e
	}
	return out
}

// OutputValue decodes a raw transaction and sums its outputs. The decoded
// transaction must hash to txid.
func OutputValue(txid, rawHex string) (btcutil.Amount, error) {
	serialized, err := hex.DecodeString(rawHex)
	if err != nil {
		return 0, fmt.Errorf("decode hex: %w", err)
	}
	tx, err := btcutil.NewTxFromBytes(serialized)
	if err != nil {
		return 0, fmt.Errorf("deserialize transaction: %w", err)
	}
	if got := tx.Hash().String(); got != txid {
		return 0, fmt.Errorf("raw transaction hashes to %s", got)
	}

	var total btcutil.Amount
	for _, out := range tx.MsgTx().TxOut {
		total += btcutil.Amount(out.Value)
	}
	return total, nil
}
