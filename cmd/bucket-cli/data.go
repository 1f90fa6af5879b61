package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"bucketchain/agent"
	"bucketchain/content"
)

const transferTimeout = 10 * time.Minute

// chunkSize reads the chain's chunk size so uploads hash the way the
// ledger verifies.
func chunkSize(ctx context.Context) (uint64, error) {
	params, err := newClient().Params(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch chain params: %w", err)
	}
	return params.ChunkSize, nil
}

func runUploadCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	provider := fs.String("provider", "", "Provider data plane URL")
	bucket := fs.Uint64("bucket", 0, "Bucket id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *provider == "" || *bucket == 0 {
		fmt.Fprintln(stderr, "Usage: upload --provider <url> --bucket N <file>")
		return 1
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	size, err := chunkSize(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	peer := agent.NewPeer(*provider)
	tree, err := content.Put(ctx, peer, data, int(size))
	if err != nil {
		return fail(stderr, err)
	}
	res, err := peer.AppendLeaf(ctx, *bucket, tree.Root(), tree.Size())
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, res); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runDownloadCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(stderr)
	provider := fs.String("provider", "", "Provider data plane URL")
	bucket := fs.Uint64("bucket", 0, "Bucket id")
	seq := fs.Uint64("seq", 0, "Leaf sequence number")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *provider == "" || *bucket == 0 {
		fmt.Fprintln(stderr, "Usage: download --provider <url> --bucket N --seq N <out>")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	size, err := chunkSize(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	peer := agent.NewPeer(*provider)
	run, err := peer.Leaves(ctx, *bucket, *seq, *seq+1)
	if err != nil {
		return fail(stderr, err)
	}
	if len(run.Leaves) != 1 {
		return fail(stderr, fmt.Errorf("%w: %d", agent.ErrOutOfRange, *seq))
	}
	leaf := run.Leaves[0]
	data, err := content.ReadAll(ctx, peer, leaf.DataRoot, leaf.DataSize, size)
	if err != nil {
		return fail(stderr, err)
	}
	if err := os.WriteFile(fs.Arg(0), data, 0o644); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "wrote %d bytes (data root %s)\n", len(data), leaf.DataRoot.Hex())
	return 0
}
