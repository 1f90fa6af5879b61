package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bucketchain/core/types"
	"bucketchain/indexer"
	"bucketchain/native/storage"
)

// Client calls a bucketd JSON-RPC endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	token    string
	nextID   atomic.Uint64
}

// NewClient targets base, the node's HTTP root or its /rpc path.
func NewClient(base string) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasSuffix(endpoint, "/rpc") {
		endpoint += "/rpc"
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SetToken sets the bearer token sent with every call.
func (c *Client) SetToken(token string) { c.token = strings.TrimSpace(token) }

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// Call invokes method with params as the single parameter object and decodes
// the result into out. JSON-RPC failures are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: c.nextID.Add(1)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: encode params: %w", err)
		}
		req.Params = []json.RawMessage{raw}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("rpc: %s: read response: %w", method, err)
	}
	var decoded RPCResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("rpc: %s: http %d: %w", method, resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("rpc: %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) Height(ctx context.Context) (*HeightResult, error) {
	var out HeightResult
	if err := c.Call(ctx, "chain_height", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out BalanceResult
	if err := c.Call(ctx, "chain_balance", AddressParams{Address: addr}, &out); err != nil {
		return nil, err
	}
	return types.BigInt(out.Balance), nil
}

func (c *Client) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	var out NonceResult
	if err := c.Call(ctx, "chain_nonce", AddressParams{Address: addr}, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func (c *Client) Params(ctx context.Context) (*storage.Params, error) {
	var out storage.Params
	if err := c.Call(ctx, "chain_params", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	var out types.Receipt
	if err := c.Call(ctx, "storage_submit", tx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Provider(ctx context.Context, addr common.Address) (*storage.Provider, error) {
	var out storage.Provider
	if err := c.Call(ctx, "storage_provider", AddressParams{Address: addr}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Bucket(ctx context.Context, id uint64) (*storage.Bucket, error) {
	var out storage.Bucket
	if err := c.Call(ctx, "storage_bucket", BucketParams{Bucket: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BucketProviders(ctx context.Context, id uint64) ([]*storage.Agreement, error) {
	var out []*storage.Agreement
	if err := c.Call(ctx, "storage_bucketProviders", BucketParams{Bucket: id}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Agreement(ctx context.Context, bucket uint64, provider common.Address) (*storage.Agreement, error) {
	var out storage.Agreement
	if err := c.Call(ctx, "storage_agreement", AgreementParams{Bucket: bucket, Provider: provider}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PendingRequests(ctx context.Context, provider common.Address) ([]*storage.Request, error) {
	var out []*storage.Request
	if err := c.Call(ctx, "storage_pendingRequests", ProviderParams{Provider: provider}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Challenges(ctx context.Context, from, to uint64) ([]*storage.Challenge, error) {
	var out []*storage.Challenge
	if err := c.Call(ctx, "storage_challenges", RangeParams{From: from, To: to}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ChallengePeriod(ctx context.Context) (uint64, error) {
	var out uint64
	err := c.Call(ctx, "storage_challengePeriod", nil, &out)
	return out, err
}

func (c *Client) PruneAllowed(ctx context.Context, bucket, start, count uint64) (bool, error) {
	var out PruneResult
	err := c.Call(ctx, "storage_pruneAllowed", PruneParams{Bucket: bucket, Start: start, Count: count}, &out)
	return out.Allowed, err
}

func (c *Client) Events(ctx context.Context, f indexer.Filter) ([]indexer.EventRecord, error) {
	var out []indexer.EventRecord
	if err := c.Call(ctx, "storage_events", f, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fund mints amount to addr on dev networks. Requires a dev token.
func (c *Client) Fund(ctx context.Context, addr common.Address, amount *big.Int) (*big.Int, error) {
	var out BalanceResult
	if err := c.Call(ctx, "dev_fund", FundParams{Address: addr, Amount: types.Amount(amount)}, &out); err != nil {
		return nil, err
	}
	return types.BigInt(out.Balance), nil
}

// AdvanceBlocks closes count blocks. Requires a dev token.
func (c *Client) AdvanceBlocks(ctx context.Context, count uint64) (*types.Head, error) {
	var out types.Head
	if err := c.Call(ctx, "dev_advanceBlocks", AdvanceParams{Count: count}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
