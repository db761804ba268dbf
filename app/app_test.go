package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btcmonitor/auth"
	"btcmonitor/chain"
	"btcmonitor/config"
	"btcmonitor/projection"
	"btcmonitor/snapshot"
	"btcmonitor/ui"
)

const bestHash = "000000000000000000024bead8df69990852c202db0e0097c1a12ea637d7e96d"

// rawTx serializes a one-input transaction paying value and returns its
// txid and hex encoding
func rawTx(t *testing.T, n uint32, value int64) (string, string) {
	t.Helper()
	msg := wire.NewMsgTx(wire.TxVersion)
	msg.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: n}, []byte{0x51}, nil))
	msg.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	var buf bytes.Buffer
	require.NoError(t, msg.Serialize(&buf))
	return msg.TxHash().String(), hex.EncodeToString(buf.Bytes())
}

type rpcCall struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcReply struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// nodeServer answers the calls of one tick the way a regtest node without
// getblocktemplate support would. Its mempool holds two transactions paying
// 50,000 and 20,000 sat.
func nodeServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	idA, rawA := rawTx(t, 1, 50_000)
	idB, rawB := rawTx(t, 2, 20_000)
	raw := map[string]string{idA: rawA, idB: rawB}

	answer := func(call rpcCall) (rpcReply, bool) {
		calls.Add(1)
		reply := rpcReply{ID: call.ID}
		switch call.Method {
		case "getblockchaininfo":
			reply.Result = map[string]interface{}{
				"chain":                "regtest",
				"blocks":               150,
				"headers":              150,
				"bestblockhash":        bestHash,
				"difficulty":           4.6e-10,
				"verificationprogress": 1,
				"warnings":             "",
			}
		case "getnetworkinfo":
			reply.Result = map[string]interface{}{
				"version":         270000,
				"subversion":      "/Satoshi:27.0.0/",
				"connections":     1,
				"connections_in":  0,
				"connections_out": 1,
				"networkactive":   true,
				"warnings":        "",
			}
		case "uptime":
			reply.Result = 3600
		case "getmempoolinfo":
			reply.Result = map[string]interface{}{
				"loaded":        true,
				"size":          2,
				"bytes":         400,
				"usage":         2000,
				"mempoolminfee": 0.00001,
			}
		case "getrawmempool":
			reply.Result = map[string]interface{}{
				idA: map[string]interface{}{"vsize": 200, "weight": 800, "time": 1700000000, "fees": map[string]interface{}{"base": 0.00002}},
				idB: map[string]interface{}{"vsize": 200, "weight": 800, "time": 1700000001, "fees": map[string]interface{}{"base": 0.00001}},
			}
		case "getrawtransaction":
			txid, _ := call.Params[0].(string)
			if hexTx, ok := raw[txid]; ok {
				reply.Result = hexTx
			} else {
				reply.Error = map[string]interface{}{"code": -5, "message": "No such mempool or blockchain transaction"}
			}
		default:
			reply.Error = map[string]interface{}{"code": -32601, "message": "Method not found"}
			return reply, false
		}
		return reply, true
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		if len(body) > 0 && body[0] == '[' {
			var batch []rpcCall
			if err := json.Unmarshal(body, &batch); err != nil {
				http.Error(w, "Bad request", http.StatusBadRequest)
				return
			}
			replies := make([]rpcReply, 0, len(batch))
			for _, call := range batch {
				reply, _ := answer(call)
				replies = append(replies, reply)
			}
			json.NewEncoder(w).Encode(replies)
			return
		}

		var call rpcCall
		if err := json.Unmarshal(body, &call); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		reply, found := answer(call)
		if !found {
			w.WriteHeader(http.StatusNotFound)
		}
		json.NewEncoder(w).Encode(reply)
	}))
}

func priceServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"time":1700000000,"USD":60000,"EUR":55000}`))
	}))
}

func testConfig(t *testing.T, node *httptest.Server) *config.Config {
	t.Helper()
	u, err := url.Parse(node.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.Config{
		Network:        chain.Regtest,
		RPCHost:        host,
		RPCPort:        port,
		RPCUser:        "user",
		RPCPassword:    "pass",
		RPCTimeout:     2 * time.Second,
		TickTimeout:    5 * time.Second,
		RefreshHz:      10,
		MaxBlockWeight: chain.MaxBlockWeight,
		ValueLookups:   10,
		NoPrice:        true,
		NoClock:        true,
		LogLevel:       "info",
	}
}

func TestNewFailsOnCredentialResolution(t *testing.T) {
	cfg := &config.Config{
		Network:       chain.Signet,
		RPCHost:       "127.0.0.1",
		RPCCookieFile: filepath.Join(t.TempDir(), ".cookie"),
		RPCTimeout:    time.Second,
		TickTimeout:   time.Second,
		RefreshHz:     1,
	}

	a, err := New(cfg)
	assert.Nil(t, a)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrResolution, "A missing cookie must stop startup")
}

func TestRunOnce(t *testing.T) {
	var calls atomic.Int64
	node := nodeServer(t, &calls)
	defer node.Close()
	prices := priceServer(t)
	defer prices.Close()

	cfg := testConfig(t, node)
	cfg.NoPrice = false
	cfg.PriceURL = prices.URL
	cfg.PriceCurrency = "EUR"

	a, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, a.API, "No API without an address")
	assert.Nil(t, a.Clock)
	require.NotNil(t, a.Price)

	state := a.RunOnce(context.Background())
	require.NotNil(t, state.Snapshot, "Tick failed: %v", state.LastError)
	assert.Equal(t, snapshot.StatusOK, state.Status)
	assert.Equal(t, int64(150), state.Snapshot.Node.Height)
	assert.Equal(t, 2, state.Snapshot.Mempool.Count)
	assert.Equal(t, projection.Synthetic, state.Snapshot.Projection.Source, "Regtest node without getblocktemplate falls back")
	assert.Equal(t, projection.FallbackUnsupported, state.Snapshot.Projection.Fallback)
	assert.Equal(t, 2, state.Snapshot.Projection.TxCount)
	assert.Equal(t, 1.0, state.Snapshot.Mempool.Coverage, "Output values come from the batched raw transaction lookup")
	require.Len(t, state.Snapshot.Mempool.Top, 2)
	assert.Equal(t, btcutil.Amount(50_000), state.Snapshot.Mempool.Top[0].OutputValue)

	frame := a.Frame()
	require.NotNil(t, frame.Price)
	assert.Equal(t, "EUR", frame.Price.Currency)
	assert.Equal(t, "55000", frame.Price.Price.String())

	out := ui.NewRenderer(ui.Options{NoBanner: true}).String(frame)
	assert.Contains(t, out, "ESTIMATED")
	assert.Contains(t, out, "EUR")

	require.NoError(t, a.Close(context.Background()))
}

func TestRunPublishesToAPI(t *testing.T) {
	var calls atomic.Int64
	node := nodeServer(t, &calls)
	defer node.Close()

	cfg := testConfig(t, node)
	cfg.HTTPAddr = "127.0.0.1:0"

	a, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, a.API)
	require.NoError(t, a.Start())
	require.NotZero(t, a.API.Port())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan snapshot.State, 8)
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, func(s snapshot.State) {
			select {
			case updates <- s:
			default:
			}
		})
	}()

	select {
	case s := <-updates:
		assert.Equal(t, snapshot.StatusOK, s.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("No state published")
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(a.API.Port()) + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	shutdown, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, a.Close(shutdown))
	assert.Greater(t, calls.Load(), int64(5))
}
