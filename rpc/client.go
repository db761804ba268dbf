package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"btcmonitor/auth"
	"btcmonitor/logger"
)

var log = logger.Logger

// DefaultTimeout bounds a single call
const DefaultTimeout = 5 * time.Second

// maxErrorBody limits how much of a non-JSON error body ends up in messages
const maxErrorBody = 256

// CredentialSource hands out the credential pair and endpoint for a call
type CredentialSource interface {
	Current() (auth.Credentials, auth.Endpoint)
}

// Client issues JSON-RPC calls to a Bitcoin Core node. Calls are
// independent; nothing is retried.
type Client struct {
	httpClient *http.Client
	creds      CredentialSource
	nextID     atomic.Uint64
}

// NewClient creates a client that reads credentials from creds on every call
func NewClient(creds CredentialSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
	}
}

// request is a JSON-RPC 1.0 request as sent by bitcoin-cli
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// response covers both the 1.0 and 2.0 response shapes
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call invokes method and decodes its result into result (which may be nil)
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	id := c.nextID.Add(1)
	start := time.Now()

	body, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	status, respBody, err := c.post(ctx, method, body)
	if err != nil {
		return err
	}

	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return undecodable(method, status, respBody, err)
	}
	if rpcResp.Error != nil {
		return classifyNodeError(method, status, rpcResp.Error)
	}
	if status < 200 || status > 299 {
		return &Error{Kind: KindNodeError, Method: method, HTTPStatus: status}
	}
	if string(rpcResp.ID) != strconv.FormatUint(id, 10) {
		return &Error{Kind: KindMalformed, Method: method, Err: fmt.Errorf("response id %s does not match request id %d", rpcResp.ID, id)}
	}

	if result != nil {
		if err := decodeResult(rpcResp.Result, result); err != nil {
			return &Error{Kind: KindMalformed, Method: method, Err: err}
		}
	}

	log.WithFields(logger.Fields{
		"method":   method,
		"id":       id,
		"bytes":    len(respBody),
		"duration": time.Since(start).String(),
	}).Debug("RPC call completed")
	return nil
}

// BatchCall is one element of a batch request
type BatchCall struct {
	Method string
	Params []interface{}
}

// BatchResult holds either the raw result or the classified per-call error
type BatchResult struct {
	Result json.RawMessage
	Err    error
}

// Batch sends calls as one JSON-RPC batch. The returned slice is in the
// order of calls. The error is non-nil only when the batch as a whole failed.
func (c *Client) Batch(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	start := time.Now()

	reqs := make([]request, len(calls))
	index := make(map[string]int, len(calls))
	for i, call := range calls {
		id := c.nextID.Add(1)
		reqs[i] = newRequest(id, call.Method, call.Params)
		index[strconv.FormatUint(id, 10)] = i
	}
	label := "batch:" + calls[0].Method

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	status, respBody, err := c.post(ctx, label, body)
	if err != nil {
		return nil, err
	}

	var resps []response
	if err := json.Unmarshal(respBody, &resps); err != nil {
		// A node that rejects the whole batch answers with a single object.
		var single response
		if json.Unmarshal(respBody, &single) == nil && single.Error != nil {
			return nil, classifyNodeError(label, status, single.Error)
		}
		return nil, undecodable(label, status, respBody, err)
	}

	results := make([]BatchResult, len(calls))
	seen := make([]bool, len(calls))
	for _, resp := range resps {
		i, ok := index[string(resp.ID)]
		if !ok || seen[i] {
			return nil, &Error{Kind: KindMalformed, Method: label, Err: fmt.Errorf("unexpected response id %s", resp.ID)}
		}
		seen[i] = true
		if resp.Error != nil {
			results[i].Err = classifyNodeError(calls[i].Method, status, resp.Error)
			continue
		}
		results[i].Result = resp.Result
	}
	for i := range results {
		if !seen[i] {
			results[i].Err = &Error{Kind: KindMalformed, Method: calls[i].Method, Err: errors.New("missing from batch response")}
		}
	}

	log.WithFields(logger.Fields{
		"method":   calls[0].Method,
		"calls":    len(calls),
		"bytes":    len(respBody),
		"duration": time.Since(start).String(),
	}).Debug("RPC batch completed")
	return results, nil
}

// post sends one HTTP request and returns the status and full body
func (c *Client) post(ctx context.Context, method string, body []byte) (int, []byte, error) {
	creds, endpoint := c.creds.Current()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(creds.Username, creds.Password)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, &Error{Kind: KindUnreachable, Method: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, &Error{Kind: KindUnauthorized, Method: method, HTTPStatus: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return resp.StatusCode, nil, &Error{Kind: KindUnreachable, Method: method, HTTPStatus: resp.StatusCode, Err: err}
		}
		return resp.StatusCode, nil, &Error{Kind: KindMalformed, Method: method, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

func newRequest(id uint64, method string, params []interface{}) request {
	if params == nil {
		params = []interface{}{}
	}
	return request{JSONRPC: "1.0", ID: id, Method: method, Params: params}
}

// undecodable classifies a body that is not a JSON-RPC response. Error
// statuses with plain-text bodies come from the node's HTTP layer (work
// queue exceeded, wrong path); anything else is a broken response.
func undecodable(method string, status int, body []byte, err error) error {
	if status < 200 || status > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return &Error{Kind: KindNodeError, Method: method, HTTPStatus: status, Message: msg}
	}
	return &Error{Kind: KindMalformed, Method: method, HTTPStatus: status, Err: fmt.Errorf("decode response: %w", err)}
}

func decodeResult(raw json.RawMessage, result interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing result")
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
