package blockchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func startRPCServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *RPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		paramsRaw, _ := json.Marshal(req.Params)
		result, rpcErr := handler(req.Method, paramsRaw)

		resp := rpcResponse{ID: req.ID}
		if rpcErr != nil {
			resp.Error = &rpcErrorObj{Code: rpcErr.Code, Message: rpcErr.Message}
		} else {
			b, _ := json.Marshal(result)
			resp.Result = b
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetBlockTemplateParsesResult(t *testing.T) {
	srv := startRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		require.Equal(t, "getblocktemplate", method)
		return map[string]interface{}{
			"version":           1,
			"previousblockhash": "0000000000000000000000000000000000000000000000000000000000000001",
			"coinbasevalue":     5000000000,
			"bits":              "1d00ffff",
			"height":            100,
			"curtime":           1700000000,
			"rules":             []string{"segwit"},
			"transactions":      []interface{}{},
		}, nil
	})

	c := New(Config{URL: srv.URL, Auth: "user", Pass: "pass"})
	tmpl, err := c.GetBlockTemplate(context.Background(), []string{"coinbasetxn", "workid", "coinbase/append"})
	require.NoError(t, err)
	require.Equal(t, int64(100), tmpl.Height)
	require.Equal(t, int64(5000000000), tmpl.CoinbaseValue)
	require.True(t, tmpl.SegwitActive)
	require.InDelta(t, 1.0, tmpl.NetworkDiff, 0.01)
}

func TestSubmitBlockTreatsDuplicateAsSuccess(t *testing.T) {
	srv := startRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return "duplicate", nil
	})

	c := New(Config{URL: srv.URL, Auth: "user", Pass: "pass"})
	res, err := c.SubmitBlock(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.Duplicate)
}

func TestValidateAddressReturnsIsValid(t *testing.T) {
	srv := startRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"isvalid": true}, nil
	})

	c := New(Config{URL: srv.URL, Auth: "user", Pass: "pass"})
	ok, err := c.ValidateAddress(context.Background(), "1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCallPropagatesRPCError(t *testing.T) {
	srv := startRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -5, Message: "not found"}
	})

	c := New(Config{URL: srv.URL, Auth: "user", Pass: "pass"})
	_, err := c.GetBestBlockHash(context.Background())
	require.Error(t, err)
}
