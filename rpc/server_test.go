package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"bucketchain/core"
	"bucketchain/core/events"
	"bucketchain/core/genesis"
	"bucketchain/core/types"
	"bucketchain/crypto"
	"bucketchain/indexer"
	"bucketchain/internal/devnet"
	"bucketchain/native/storage"
)

const testSecret = "dev-secret"

type rpcFixture struct {
	t        *testing.T
	ledger   *core.Ledger
	server   *Server
	http     *httptest.Server
	client   *Client
	alice    *crypto.PrivateKey
	provider *crypto.PrivateKey
}

func newRPCFixture(t *testing.T, cfg ServerConfig) *rpcFixture {
	t.Helper()
	alice, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	provider, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	ledger, err := devnet.Open(map[common.Address]*big.Int{
		alice.Address():    big.NewInt(1_000_000),
		provider.Address(): big.NewInt(50_000),
	}, &genesis.StorageSpec{RequestTTL: 5})
	require.NoError(t, err)
	t.Cleanup(ledger.Close)

	srv := NewServer(ledger, cfg, nil)
	ledger.SetEmitter(srv.Hub())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &rpcFixture{
		t:        t,
		ledger:   ledger,
		server:   srv,
		http:     ts,
		client:   NewClient(ts.URL),
		alice:    alice,
		provider: provider,
	}
}

func (f *rpcFixture) submit(key *crypto.PrivateKey, txType types.TxType, payload interface{}) (*types.Receipt, error) {
	f.t.Helper()
	ctx := context.Background()
	nonce, err := f.client.Nonce(ctx, key.Address())
	require.NoError(f.t, err)
	tx, err := types.NewTransaction(txType, key.Address(), nonce+1, payload)
	require.NoError(f.t, err)
	require.NoError(f.t, tx.Sign(key))
	return f.client.Submit(ctx, tx)
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	rpcErr, ok := err.(*RPCError)
	require.True(t, ok, "expected *RPCError, got %T: %v", err, err)
	return rpcErr.Code
}

func (f *rpcFixture) registerProvider() {
	f.t.Helper()
	_, err := f.submit(f.provider, types.TxTypeRegisterProvider, types.RegisterProviderPayload{
		Stake: types.Amount(big.NewInt(1000)),
		Settings: types.ProviderSettingsPayload{
			PricePerByte:        types.Amount(big.NewInt(1)),
			MinDuration:         10,
			MaxDuration:         1000,
			AcceptingPrimary:    true,
			AcceptingExtensions: true,
		},
	})
	require.NoError(f.t, err)
}

func TestChainQueries(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	ctx := context.Background()

	height, err := f.client.Height(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), height.Height)

	bal, err := f.client.Balance(ctx, f.alice.Address())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), bal)

	params, err := f.client.Params(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), params.RequestTTL)

	period, err := f.client.ChallengePeriod(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.DefaultParams().ChallengeTimeout, period)
}

func TestSubmitRunsAgreementFlow(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	ctx := context.Background()
	f.registerProvider()

	receipt, err := f.submit(f.alice, types.TxTypeCreateBucket, types.CreateBucketPayload{MinProviders: 1})
	require.NoError(t, err)
	require.Equal(t, storage.EventTypeBucketCreated, receipt.Events[0].Type)

	_, err = f.submit(f.alice, types.TxTypeRequestAgreement, types.RequestAgreementPayload{
		Bucket: 1, Provider: f.provider.Address(), MaxBytes: 100, Duration: 100,
		MaxPayment: types.Amount(big.NewInt(10_000)),
	})
	require.NoError(t, err)

	pending, err := f.client.PendingRequests(ctx, f.provider.Address())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, f.alice.Address(), pending[0].Requester)

	_, err = f.submit(f.provider, types.TxTypeAcceptRequest, types.BucketPayload{Bucket: 1})
	require.NoError(t, err)

	agreement, err := f.client.Agreement(ctx, 1, f.provider.Address())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10_000), agreement.PaymentLocked)

	bucket, err := f.client.Bucket(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, f.provider.Address(), bucket.PrimaryProviders[0])

	providers, err := f.client.BucketProviders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, providers, 1)

	allowed, err := f.client.PruneAllowed(ctx, 1, 0, 1)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestErrorCodes(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	ctx := context.Background()

	_, err := f.client.Bucket(ctx, 42)
	require.Equal(t, codeNotFound, rpcCode(t, err))

	_, err = f.submit(f.alice, types.TxTypeCreateBucket, map[string]interface{}{"bogus": 1})
	require.Equal(t, codeInvalidParams, rpcCode(t, err))

	_, err = f.submit(f.alice, types.TxTypeRequestAgreement, types.RequestAgreementPayload{
		Bucket: 7, Provider: f.provider.Address(), MaxBytes: 1, Duration: 1,
	})
	require.Equal(t, codeNotFound, rpcCode(t, err))

	_, err = f.submit(f.alice, types.TxTypeTransfer, types.TransferPayload{
		To: f.provider.Address(), Amount: types.Amount(big.NewInt(10_000_000)),
	})
	require.Equal(t, codeRejected, rpcCode(t, err))

	err = f.client.Call(ctx, "chain_missing", nil, nil)
	require.Equal(t, codeMethodNotFound, rpcCode(t, err))

	err = f.client.Call(ctx, "chain_balance", map[string]interface{}{"address": "0x01", "extra": true}, nil)
	require.Equal(t, codeInvalidParams, rpcCode(t, err))

	err = f.client.Call(ctx, "storage_events", nil, nil)
	require.Equal(t, codeMethodNotFound, rpcCode(t, err))
}

func TestMalformedRequests(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{MaxBodyBytes: 64})
	post := func(body string) (*http.Response, RPCResponse) {
		resp, err := http.Post(f.http.URL+"/rpc", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var decoded RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
		return resp, decoded
	}

	resp, decoded := post("{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeParseError, decoded.Error.Code)

	resp, decoded = post(`{"jsonrpc":"1.0","method":"chain_height","id":1}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeInvalidRequest, decoded.Error.Code)

	resp, decoded = post(`{"jsonrpc":"2.0","method":"chain_height","params":[],"id":"` + strings.Repeat("x", 80) + `"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Equal(t, codeInvalidRequest, decoded.Error.Code)

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestDevMethodsRequireToken(t *testing.T) {
	ctx := context.Background()

	disabled := newRPCFixture(t, ServerConfig{JWTSecret: testSecret})
	_, err := disabled.client.Fund(ctx, disabled.alice.Address(), big.NewInt(1))
	require.Equal(t, codeMethodNotFound, rpcCode(t, err))

	f := newRPCFixture(t, ServerConfig{JWTSecret: testSecret, AllowDevMethods: true})
	_, err = f.client.Fund(ctx, f.alice.Address(), big.NewInt(1))
	require.Equal(t, codeUnauthorized, rpcCode(t, err))

	wrong, err := IssueDevToken("other-secret", "tester", time.Minute)
	require.NoError(t, err)
	f.client.SetToken(wrong)
	_, err = f.client.Fund(ctx, f.alice.Address(), big.NewInt(1))
	require.Equal(t, codeUnauthorized, rpcCode(t, err))

	token, err := IssueDevToken(testSecret, "tester", time.Minute)
	require.NoError(t, err)
	f.client.SetToken(token)
	bal, err := f.client.Fund(ctx, f.alice.Address(), big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_005), bal)

	head, err := f.client.AdvanceBlocks(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), head.Height)

	_, err = f.client.AdvanceBlocks(ctx, 0)
	require.Equal(t, codeInvalidParams, rpcCode(t, err))
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{RateLimitPerSecond: 0.001, RateLimitBurst: 2})
	ctx := context.Background()
	_, err := f.client.Height(ctx)
	require.NoError(t, err)
	_, err = f.client.Height(ctx)
	require.NoError(t, err)
	_, err = f.client.Height(ctx)
	require.Equal(t, codeRateLimited, rpcCode(t, err))

	// A different forwarded client has its own bucket.
	body := bytes.NewBufferString(`{"jsonrpc":"2.0","method":"chain_height","id":1}`)
	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/rpc", body)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (h *Hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func TestWebsocketStreamsCommittedEvents(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events?type=storage.bucket"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return f.server.Hub().subscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	f.registerProvider()
	_, err = f.submit(f.alice, types.TxTypeCreateBucket, types.CreateBucketPayload{MinProviders: 1})
	require.NoError(t, err)

	var evt types.Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	require.Equal(t, storage.EventTypeBucketCreated, evt.Type)
	require.Equal(t, "1", evt.Attr("bucket"))
	require.Equal(t, "0", evt.Attr("height"))
}

func TestStorageEventsQueriesIndex(t *testing.T) {
	f := newRPCFixture(t, ServerConfig{})
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	idx, err := indexer.New(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	f.ledger.SetEmitter(events.Fanout{f.server.Hub(), idx})
	f.server.SetEventQuery(idx)

	f.registerProvider()
	_, err = f.submit(f.alice, types.TxTypeCreateBucket, types.CreateBucketPayload{MinProviders: 1})
	require.NoError(t, err)

	records, err := f.client.Events(context.Background(), indexer.Filter{Type: storage.EventTypeBucketCreated})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].Bucket)
	require.Equal(t, "1", records[0].Attrs["bucket"])
}
