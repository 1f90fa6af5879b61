package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"bucketchain/crypto"
	"bucketchain/rpc"
)

func runDevTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dev-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secretEnv := fs.String("secret-env", "BUCKETD_JWT_SECRET", "Environment variable holding the node's dev secret")
	subject := fs.String("subject", "bucket-cli", "Token subject")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	token, err := rpc.IssueDevToken(os.Getenv(*secretEnv), *subject, *ttl)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runFundCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "Usage: fund <address> <amount>")
		return 1
	}
	addr, err := crypto.ParseAddress(args[0])
	if err != nil {
		return fail(stderr, err)
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	bal, err := newClient().Fund(ctx, addr, amount)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, bal.String())
	return 0
}

func runAdvanceCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: advance <count>")
		return 1
	}
	count, err := parseUint(args[0], "count")
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	head, err := newClient().AdvanceBlocks(ctx, count)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, head); err != nil {
		return fail(stderr, err)
	}
	return 0
}
