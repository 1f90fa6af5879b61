package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"

	"bucketchain/agent"
	"bucketchain/core/types"
	"bucketchain/crypto"
)

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func runSendCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(stderr, "Usage: send <to> <amount> <keystore>")
		return 1
	}
	to, err := crypto.ParseAddress(args[0])
	if err != nil {
		return fail(stderr, err)
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return fail(stderr, err)
	}
	if err := submit(args[2], types.TxTypeTransfer, types.TransferPayload{To: to, Amount: types.Amount(amount)}, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runRegisterProviderCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("register-provider", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stake := fs.String("stake", "1000", "Stake to lock")
	price := fs.String("price", "1", "Price per byte per block")
	minDuration := fs.Uint64("min-duration", 100, "Shortest agreement accepted, in blocks")
	maxDuration := fs.Uint64("max-duration", 100_000, "Longest agreement accepted, in blocks")
	capacity := fs.Uint64("capacity", 0, "Bytes offered; 0 is unlimited")
	primary := fs.Bool("primary", true, "Accept primary agreements")
	replicas := fs.Bool("replicas", false, "Accept replica agreements")
	extensions := fs.Bool("extensions", true, "Accept agreement extensions")
	syncPrice := fs.String("sync-price", "0", "Price charged per confirmed replica sync")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: register-provider [flags] <keystore>")
		return 1
	}
	amounts := make([]*big.Int, 3)
	for i, raw := range []string{*stake, *price, *syncPrice} {
		v, err := parseAmount(raw)
		if err != nil {
			return fail(stderr, err)
		}
		amounts[i] = v
	}
	payload := types.RegisterProviderPayload{
		Stake: types.Amount(amounts[0]),
		Settings: types.ProviderSettingsPayload{
			PricePerByte:        types.Amount(amounts[1]),
			MinDuration:         *minDuration,
			MaxDuration:         *maxDuration,
			Capacity:            *capacity,
			AcceptingPrimary:    *primary,
			AcceptingReplicas:   *replicas,
			AcceptingExtensions: *extensions,
			ReplicaSyncPrice:    types.Amount(amounts[2]),
		},
	}
	if err := submit(fs.Arg(0), types.TxTypeRegisterProvider, payload, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runCreateBucketCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("create-bucket", flag.ContinueOnError)
	fs.SetOutput(stderr)
	minProviders := fs.Uint("min-providers", 1, "Primary signatures required per checkpoint")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: create-bucket [--min-providers N] <keystore>")
		return 1
	}
	if err := submit(fs.Arg(0), types.TxTypeCreateBucket, types.CreateBucketPayload{MinProviders: uint32(*minProviders)}, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runRequestCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bucket := fs.Uint64("bucket", 0, "Bucket id")
	provider := fs.String("provider", "", "Provider address")
	maxBytes := fs.Uint64("max-bytes", 0, "Bytes to reserve")
	duration := fs.Uint64("duration", 0, "Agreement length in blocks")
	maxPayment := fs.String("max-payment", "", "Most the requester will escrow")
	minSync := fs.Uint64("min-sync-interval", 0, "Blocks between paid syncs; set to request a replica")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *bucket == 0 || *provider == "" || *maxPayment == "" {
		fmt.Fprintln(stderr, "Usage: request --bucket N --provider A --max-bytes N --duration N --max-payment X [--min-sync-interval N] <keystore>")
		return 1
	}
	addr, err := crypto.ParseAddress(*provider)
	if err != nil {
		return fail(stderr, err)
	}
	pay, err := parseAmount(*maxPayment)
	if err != nil {
		return fail(stderr, err)
	}
	payload := types.RequestAgreementPayload{
		Bucket:     *bucket,
		Provider:   addr,
		MaxBytes:   *maxBytes,
		Duration:   *duration,
		MaxPayment: types.Amount(pay),
	}
	if *minSync > 0 {
		payload.MinSyncInterval = minSync
	}
	if err := submit(fs.Arg(0), types.TxTypeRequestAgreement, payload, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runBucketTxCommand(txType types.TxType, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(string(txType), flag.ContinueOnError)
	fs.SetOutput(stderr)
	bucket := fs.Uint64("bucket", 0, "Bucket id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *bucket == 0 {
		fmt.Fprintln(stderr, "Usage: accept|reject --bucket N <keystore>")
		return 1
	}
	if err := submit(fs.Arg(0), txType, types.BucketPayload{Bucket: *bucket}, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runChallengeCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("challenge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bucket := fs.Uint64("bucket", 0, "Bucket id")
	provider := fs.String("provider", "", "Challenged provider address")
	kind := fs.String("kind", "snapshot", "snapshot, commitment or replica_sync")
	leaf := fs.Uint64("leaf", 0, "Leaf index within the challenged range")
	chunk := fs.Uint64("chunk", 0, "Chunk index within the leaf")
	from := fs.String("commitment-from", "", "Provider data plane URL to fetch the commitment from (commitment kind)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *bucket == 0 || *provider == "" {
		fmt.Fprintln(stderr, "Usage: challenge --bucket N --provider A [--kind K] [--leaf N] [--chunk N] [--commitment-from URL] <keystore>")
		return 1
	}
	addr, err := crypto.ParseAddress(*provider)
	if err != nil {
		return fail(stderr, err)
	}
	payload := types.ChallengePayload{Bucket: *bucket, Provider: addr, Kind: *kind, LeafIndex: *leaf, ChunkIndex: *chunk}
	if *kind == "commitment" {
		if *from == "" {
			return fail(stderr, errors.New("--commitment-from is required for commitment challenges"))
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		cm, err := agent.NewPeer(*from).Commitment(ctx, *bucket)
		cancel()
		if err != nil {
			return fail(stderr, err)
		}
		payload.Commitment = cm
	}
	if err := submit(fs.Arg(0), types.TxTypeChallenge, payload, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// runRawTxCommand submits any transaction type with a JSON payload read from
// a file or stdin.
func runRawTxCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(stderr, "Usage: tx <type> <payload.json|-> <keystore>")
		return 1
	}
	var (
		raw []byte
		err error
	)
	if args[1] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fail(stderr, err)
	}
	if !json.Valid(raw) {
		return fail(stderr, errors.New("payload is not valid JSON"))
	}
	if err := submit(args[2], types.TxType(args[0]), json.RawMessage(raw), stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}
