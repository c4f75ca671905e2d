package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	treasuryAddr = "0x00000000000000000000000000000000000000aa"
	holderAddr   = "0x00000000000000000000000000000000000000bb"
	tokenAddr    = "0x00000000000000000000000000000000000000cc"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers the handful of JSON-RPC methods the client uses.
type fakeNode struct {
	balanceWei    *big.Int
	tokenBalance  *big.Int
	tokenDecimals uint8
	decimalsCalls atomic.Int32
	failCalls     bool
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "eth_getBalance":
		resp["result"] = (*hexutil.Big)(f.balanceWei)
	case "eth_call":
		if f.failCalls {
			resp["error"] = map[string]any{"code": -32000, "message": "execution reverted"}
			break
		}
		var msg struct {
			Data  hexutil.Bytes `json:"data"`
			Input hexutil.Bytes `json:"input"`
		}
		_ = json.Unmarshal(req.Params[0], &msg)
		data := msg.Input
		if len(data) == 0 {
			data = msg.Data
		}
		switch hexutil.Encode(data[:4]) {
		case "0x70a08231":
			resp["result"] = hexutil.Bytes(common.LeftPadBytes(f.tokenBalance.Bytes(), 32))
		case "0x313ce567":
			f.decimalsCalls.Add(1)
			resp["result"] = hexutil.Bytes(common.LeftPadBytes([]byte{f.tokenDecimals}, 32))
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "unknown selector"}
		}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, node *fakeNode, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	opts.RPCURL = srv.URL
	opts.Timeout = 2 * time.Second
	c := New(opts, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestMissingConfig(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	_, err := c.AccountBalance(context.Background(), treasuryAddr)
	require.ErrorIs(t, err, ErrNotConfigured)

	c = New(Options{RPCURL: "http://localhost"}, zerolog.Nop())
	_, err = c.CollateralBalance(context.Background(), holderAddr)
	require.Error(t, err, "collateral token must be configured")
}

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity(holderAddr))
	assert.NoError(t, ValidateIdentity(strings.ToUpper(holderAddr[2:])))
	assert.ErrorIs(t, ValidateIdentity("alice"), ErrInvalidIdentity)
	assert.ErrorIs(t, ValidateIdentity("0x1234"), ErrInvalidIdentity)
}

func TestAccountBalance(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	c := newTestClient(t, &fakeNode{balanceWei: wei}, Options{})

	bal, err := c.AccountBalance(context.Background(), treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.String())
}

func TestAccountBalanceRejectsBadAddress(t *testing.T) {
	c := newTestClient(t, &fakeNode{balanceWei: big.NewInt(1)}, Options{})

	_, err := c.AccountBalance(context.Background(), "not-an-address")
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestCollateralBalanceQueriesDecimalsOnce(t *testing.T) {
	node := &fakeNode{tokenBalance: big.NewInt(2_500_000_000), tokenDecimals: 6}
	c := newTestClient(t, node, Options{CollateralToken: tokenAddr})

	for i := 0; i < 3; i++ {
		bal, err := c.CollateralBalance(context.Background(), holderAddr)
		require.NoError(t, err)
		assert.Equal(t, "2500", bal.String())
	}
	assert.EqualValues(t, 1, node.decimalsCalls.Load())
}

func TestCollateralBalanceConfiguredDecimals(t *testing.T) {
	node := &fakeNode{tokenBalance: big.NewInt(12345), tokenDecimals: 6}
	c := newTestClient(t, node, Options{CollateralToken: tokenAddr, CollateralDecimals: 2})

	bal, err := c.CollateralBalance(context.Background(), holderAddr)
	require.NoError(t, err)
	assert.Equal(t, "123.45", bal.String())
	assert.Zero(t, node.decimalsCalls.Load())
}

func TestCollateralBalanceCallError(t *testing.T) {
	node := &fakeNode{failCalls: true}
	c := newTestClient(t, node, Options{CollateralToken: tokenAddr, CollateralDecimals: 18})

	_, err := c.CollateralBalance(context.Background(), holderAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "balanceOf")
}
