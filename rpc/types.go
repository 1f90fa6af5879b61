package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRejected       = -32003
	codeNotFound       = -32004
	codeRateLimited    = -32020
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode reports the JSON-RPC error code.
func (e *RPCError) ErrorCode() int { return e.Code }

func invalidParams(message string, err error) *RPCError {
	out := &RPCError{Code: codeInvalidParams, Message: message}
	if err != nil {
		out.Data = err.Error()
	}
	return out
}

type AddressParams struct {
	Address common.Address `json:"address"`
}

type BucketParams struct {
	Bucket uint64 `json:"bucket"`
}

type AgreementParams struct {
	Bucket   uint64         `json:"bucket"`
	Provider common.Address `json:"provider"`
}

type ProviderParams struct {
	Provider common.Address `json:"provider"`
}

type RangeParams struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type PruneParams struct {
	Bucket uint64 `json:"bucket"`
	Start  uint64 `json:"start"`
	Count  uint64 `json:"count"`
}

type FundParams struct {
	Address common.Address        `json:"address"`
	Amount  *math.HexOrDecimal256 `json:"amount"`
}

type AdvanceParams struct {
	Count uint64 `json:"count"`
}

type BalanceResult struct {
	Address common.Address        `json:"address"`
	Balance *math.HexOrDecimal256 `json:"balance"`
}

type NonceResult struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
}

// HeightResult reports the open block height alongside the last committed
// head.
type HeightResult struct {
	Height      uint64      `json:"height"`
	StateRoot   common.Hash `json:"stateRoot"`
	Timestamp   int64       `json:"timestamp"`
	PendingRoot common.Hash `json:"pendingRoot"`
}

type PruneResult struct {
	Allowed bool `json:"allowed"`
}
