// Package blockchain implements the BlockchainSource collaborator
// (spec.md §1, §4.1): a JSON-RPC 1.0 client against a bitcoind-family
// daemon over HTTP with Basic auth.
package blockchain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ckpool-go/ckpool/internal/workbase"
	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Blockchain)

// Config is the daemon connection profile (spec.md §6 "btcd": array of
// {url,auth,pass}).
type Config struct {
	URL      string
	Auth     string
	Pass     string
	Timeout  time.Duration
	Retries  int
}

// Client is a JSON-RPC 1.0 client against one bitcoind endpoint, satisfying
// workbase.Source.
type Client struct {
	cfg  Config
	http *fasthttp.Client
	authHeader string
	id   int64
}

// New builds a blockchain Client. A single fasthttp.Client instance is
// reused across calls, per the teacher's connection-pooling idiom.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Auth + ":" + cfg.Pass))
	return &Client{
		cfg:        cfg,
		http:       &fasthttp.Client{},
		authHeader: "Basic " + creds,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc,omitempty"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorObj    `json:"error"`
	ID     int64           `json:"id"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call invokes method with params, making up to cfg.Retries attempts in
// total with linear back-off between them before giving up (spec.md §6: "Failure of any call retries with
// back-off").
func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	c.id++
	reqBody, err := json.Marshal(rpcRequest{ID: c.id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("blockchain: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI(c.cfg.URL)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.authHeader)
		req.SetBody(reqBody)

		err := c.http.DoTimeout(req, resp, c.cfg.Timeout)
		var rpcResp rpcResponse
		var body []byte
		if err == nil {
			body = append([]byte(nil), resp.Body()...)
			err = json.Unmarshal(body, &rpcResp)
		}
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)

		if err != nil {
			lastErr = err
			logger.Warn("blockchain call failed, retrying", "method", method, "attempt", attempt, "err", err)
			continue
		}
		if rpcResp.Error != nil {
			return nil, &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}
		return rpcResp.Result, nil
	}
	return nil, fmt.Errorf("blockchain: %s failed after %d attempts: %w", method, c.cfg.Retries, lastErr)
}

// RPCError is a daemon-reported JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// GetBlockTemplate implements workbase.Source.
func (c *Client) GetBlockTemplate(ctx context.Context, rules []string) (*workbase.Template, error) {
	raw, err := c.call(ctx, "getblocktemplate", []interface{}{map[string]interface{}{"rules": rules}})
	if err != nil {
		return nil, err
	}
	var gbt getBlockTemplateResult
	if err := json.Unmarshal(raw, &gbt); err != nil {
		return nil, fmt.Errorf("blockchain: decode getblocktemplate: %w", err)
	}
	return gbt.toTemplate()
}

// SubmitBlock implements workbase.Source. A "duplicate" response is
// treated as success (spec.md §6, §8: "duplicate equivalence").
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) (*workbase.SubmitResult, error) {
	raw, err := c.call(ctx, "submitblock", []interface{}{blockHex})
	if err != nil {
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) {
			return &workbase.SubmitResult{Err: rpcErr}, nil
		}
		return nil, err
	}
	var result string
	_ = json.Unmarshal(raw, &result)
	if result == "" || result == "duplicate" {
		return &workbase.SubmitResult{Accepted: true, Duplicate: result == "duplicate"}, nil
	}
	return &workbase.SubmitResult{Accepted: false, Err: fmt.Errorf("submitblock: %s", result)}, nil
}

func asRPCError(err error, out **RPCError) bool {
	e, ok := err.(*RPCError)
	if ok {
		*out = e
	}
	return ok
}

// ValidateAddress implements workbase.Source / session.AddressValidator.
func (c *Client) ValidateAddress(ctx context.Context, address string) (bool, error) {
	raw, err := c.call(ctx, "validateaddress", []interface{}{address})
	if err != nil {
		return false, err
	}
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("blockchain: decode validateaddress: %w", err)
	}
	return result.IsValid, nil
}

// GetRawTransaction implements workbase.Source, used for remote-ingested
// transaction reconstruction (spec.md §4.1 ingest_peer_workbase).
func (c *Client) GetRawTransaction(ctx context.Context, hash [32]byte) ([]byte, error) {
	raw, err := c.call(ctx, "getrawtransaction", []interface{}{reverseHex(hash)})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("blockchain: decode getrawtransaction: %w", err)
	}
	return hex.DecodeString(hexStr)
}

// GetBestBlockHash implements workbase.Source.
func (c *Client) GetBestBlockHash(ctx context.Context) ([32]byte, error) {
	raw, err := c.call(ctx, "getbestblockhash", nil)
	if err != nil {
		return [32]byte{}, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return [32]byte{}, fmt.Errorf("blockchain: decode getbestblockhash: %w", err)
	}
	return decodeHash(hexStr)
}

// GetBlockCount returns the current chain height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var n int64
	_ = json.Unmarshal(raw, &n)
	return n, nil
}

// GetBlockHash returns the block hash at height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) ([32]byte, error) {
	raw, err := c.call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return [32]byte{}, err
	}
	var hexStr string
	_ = json.Unmarshal(raw, &hexStr)
	return decodeHash(hexStr)
}

// SubmitTxn inserts a raw transaction into the daemon's mempool.
func (c *Client) SubmitTxn(ctx context.Context, rawTxHex string) error {
	_, err := c.call(ctx, "submittxn", []interface{}{rawTxHex})
	return err
}

func reverseHex(h [32]byte) string {
	var out [32]byte
	for i := range h {
		out[i] = h[31-i]
	}
	return hex.EncodeToString(out[:])
}

func decodeHash(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("blockchain: malformed hash %q", hexStr)
	}
	for i := range raw {
		out[i] = raw[31-i]
	}
	return out, nil
}
