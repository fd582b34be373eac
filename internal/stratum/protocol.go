// Package stratum implements the Protocol Surface (spec.md §4.4): the
// stratum JSON-RPC method dispatch clients and peers speak over a
// line-delimited TCP connection.
package stratum

import (
	"encoding/json"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Stratum)

// Request is a single stratum JSON-RPC line (spec.md §4.4: every message is
// exactly one line of JSON, newline-terminated).
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response answers a Request by echoing its id.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

// Notify is a server-initiated message with no id (mining.notify, mining.set_difficulty, client.reconnect).
type Notify struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Method names recognised by Dispatch (spec.md §4.4 Methods).
const (
	MethodSubscribe      = "mining.subscribe"
	MethodAuthorize      = "mining.authorize"
	MethodSubmit         = "mining.submit"
	MethodSuggestDiff    = "mining.suggest_difficulty"
	MethodGetTransactions = "mining.get_transactions"
	MethodExtranonceSub  = "mining.extranonce.subscribe"

	MethodNotify       = "mining.notify"
	MethodSetDiff      = "mining.set_difficulty"
	MethodReconnect    = "client.reconnect"
	MethodShowMessage  = "client.show_message"

	// Peer/internal extension methods (spec.md §4.1, §6).
	MethodGetTxnHashes = "mining.get_txnhashes"
	MethodPassthrough  = "mining.passthrough"
	MethodNode         = "mining.node"
	MethodRemote       = "mining.remote"
	MethodTerm         = "mining.term"
)

// rpcError mirrors the conventional [code, message, traceback] stratum
// error shape (spec.md §4.4 reject-reason surfacing).
type rpcError [3]interface{}

func newError(code int, msg string) rpcError {
	return rpcError{code, msg, nil}
}

func resultResponse(id json.RawMessage, result interface{}) Response {
	return Response{ID: id, Result: result, Error: nil}
}

func errorResponse(id json.RawMessage, code int, msg string) Response {
	return Response{ID: id, Result: nil, Error: newError(code, msg)}
}
