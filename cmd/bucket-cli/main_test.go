package main

import (
	"bytes"
	"context"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bucketchain/core"
	"bucketchain/internal/devnet"
	"bucketchain/rpc"
)

func startNode(t *testing.T) *core.Ledger {
	t.Helper()
	ledger, err := devnet.Open(nil, nil)
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	ts := httptest.NewServer(rpc.NewServer(ledger, rpc.ServerConfig{}, nil).Handler())
	t.Cleanup(ts.Close)

	prev := rpcEndpoint
	rpcEndpoint = ts.URL
	t.Cleanup(func() { rpcEndpoint = prev })
	return ledger
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := dispatch(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestApplyGlobalFlags(t *testing.T) {
	prev := rpcEndpoint
	t.Cleanup(func() { rpcEndpoint = prev })

	rest, err := applyGlobalFlags([]string{"--rpc", "http://node:1", "height"})
	require.NoError(t, err)
	require.Equal(t, []string{"height"}, rest)
	require.Equal(t, "http://node:1", rpcEndpoint)

	rest, err = applyGlobalFlags([]string{"--rpc=http://other:2", "bucket", "1"})
	require.NoError(t, err)
	require.Equal(t, []string{"bucket", "1"}, rest)
	require.Equal(t, "http://other:2", rpcEndpoint)

	_, err = applyGlobalFlags([]string{"--rpc"})
	require.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := run(t, "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestKeyTransferAndBucketFlow(t *testing.T) {
	ledger := startNode(t)
	t.Setenv(keyPassEnv, "correct horse")
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "alice.key")

	code, out, stderr := run(t, "generate-key", keyPath)
	require.Zero(t, code, stderr)
	alice := common.HexToAddress(strings.TrimSpace(out))

	code, _, stderr = run(t, "generate-key", keyPath)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already exists")

	code, out, _ = run(t, "address", keyPath)
	require.Zero(t, code)
	require.Equal(t, alice, common.HexToAddress(strings.TrimSpace(out)))

	require.NoError(t, ledger.Fund(context.Background(), alice, big.NewInt(5_000)))
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	code, _, stderr = run(t, "send", bob.Hex(), "1200", keyPath)
	require.Zero(t, code, stderr)

	code, out, _ = run(t, "balance", bob.Hex())
	require.Zero(t, code)
	require.Equal(t, "1200", strings.TrimSpace(out))

	code, out, stderr = run(t, "create-bucket", "--min-providers", "1", keyPath)
	require.Zero(t, code, stderr)
	require.Contains(t, out, "storage.bucket")

	code, out, stderr = run(t, "bucket", "1")
	require.Zero(t, code, stderr)
	require.Contains(t, out, strings.ToLower(alice.Hex()))
}

func TestDevCommandsNeedToken(t *testing.T) {
	startNode(t)
	code, _, stderr := run(t, "advance", "1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error:")
}
