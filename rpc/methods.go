package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"btcmonitor/logger"
)

// GetBlockchainInfo returns chain tip and sync state
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.callValidated(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetNetworkInfo returns version and peer counts
func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	var info NetworkInfo
	if err := c.callValidated(ctx, "getnetworkinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMempoolInfo returns mempool totals
func (c *Client) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	var info MempoolInfo
	if err := c.callValidated(ctx, "getmempoolinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Uptime returns the node's uptime in seconds
func (c *Client) Uptime(ctx context.Context) (int64, error) {
	var seconds int64
	if err := c.Call(ctx, "uptime", nil, &seconds); err != nil {
		return 0, err
	}
	if seconds < 0 {
		return 0, &Error{Kind: KindMalformed, Method: "uptime", Err: fmt.Errorf("negative uptime %d", seconds)}
	}
	return seconds, nil
}

// GetRawMempoolVerbose returns every mempool entry keyed by txid
func (c *Client) GetRawMempoolVerbose(ctx context.Context) (map[string]MempoolEntry, error) {
	var entries map[string]MempoolEntry
	if err := c.Call(ctx, "getrawmempool", []interface{}{true}, &entries); err != nil {
		return nil, err
	}
	for txid, entry := range entries {
		if len(txid) != 64 {
			return nil, &Error{Kind: KindMalformed, Method: "getrawmempool", Err: fmt.Errorf("invalid txid %q", txid)}
		}
		if err := validateResult(entry); err != nil {
			return nil, &Error{Kind: KindMalformed, Method: "getrawmempool", Err: fmt.Errorf("entry %s: %w", txid, err)}
		}
	}
	return entries, nil
}

// GetBlockTemplate asks the node for its next block candidate
func (c *Client) GetBlockTemplate(ctx context.Context, rules []string) (*BlockTemplate, error) {
	var tmpl BlockTemplate
	params := []interface{}{TemplateRequest{Rules: rules}}
	if err := c.callValidated(ctx, "getblocktemplate", params, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// GetRawTransactions fetches serialized transactions for txids in one
// batch. Transactions the node no longer knows are left out of the result;
// other per-item failures are logged and skipped.
func (c *Client) GetRawTransactions(ctx context.Context, txids []string) (map[string]string, error) {
	calls := make([]BatchCall, len(txids))
	for i, txid := range txids {
		calls[i] = BatchCall{Method: "getrawtransaction", Params: []interface{}{txid, false}}
	}

	results, err := c.Batch(ctx, calls)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]string, len(results))
	skipped := 0
	for i, res := range results {
		if res.Err != nil {
			var rpcErr *Error
			if !errors.As(res.Err, &rpcErr) || rpcErr.Code != CodeInvalidAddressOrKey {
				log.WithError(res.Err).WithField("txid", txids[i]).Debug("getrawtransaction failed")
			}
			skipped++
			continue
		}
		var hexTx string
		if err := json.Unmarshal(res.Result, &hexTx); err != nil || hexTx == "" {
			skipped++
			continue
		}
		raw[txids[i]] = hexTx
	}

	if skipped > 0 {
		log.WithFields(logger.Fields{
			"requested": len(txids),
			"skipped":   skipped,
		}).Debug("Some raw transactions were not returned")
	}
	return raw, nil
}

func (c *Client) callValidated(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := c.Call(ctx, method, params, result); err != nil {
		return err
	}
	if err := validateResult(result); err != nil {
		return &Error{Kind: KindMalformed, Method: method, Err: err}
	}
	return nil
}
