package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"bucketchain/crypto"
	"bucketchain/indexer"
)

func runGenerateKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: generate-key <keystore>")
		return 1
	}
	if _, err := os.Stat(args[0]); err == nil {
		return fail(stderr, fmt.Errorf("%s already exists", args[0]))
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err)
	}
	pass, err := newPassphraseSource().Get()
	if err != nil {
		return fail(stderr, err)
	}
	if err := crypto.SaveToKeystore(args[0], key, pass); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return 0
}

func runAddressCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: address <keystore>")
		return 1
	}
	key, err := loadKey(args[0])
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return 0
}

func runBalanceCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: balance <address>")
		return 1
	}
	addr, err := crypto.ParseAddress(args[0])
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	bal, err := newClient().Balance(ctx, addr)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, bal.String())
	return 0
}

func parseUint(raw, name string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// runQueryCommand prints the JSON answer of a read-only query.
func runQueryCommand(name string, args []string, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client := newClient()
	var (
		out interface{}
		err error
	)
	switch name {
	case "height":
		out, err = client.Height(ctx)
	case "params":
		out, err = client.Params(ctx)
	case "provider":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "Usage: provider <address>")
			return 1
		}
		addr, perr := crypto.ParseAddress(args[0])
		if perr != nil {
			return fail(stderr, perr)
		}
		out, err = client.Provider(ctx, addr)
	case "bucket":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "Usage: bucket <id>")
			return 1
		}
		id, perr := parseUint(args[0], "bucket")
		if perr != nil {
			return fail(stderr, perr)
		}
		out, err = client.Bucket(ctx, id)
	case "agreement":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "Usage: agreement <bucket> <provider>")
			return 1
		}
		id, perr := parseUint(args[0], "bucket")
		if perr != nil {
			return fail(stderr, perr)
		}
		addr, perr := crypto.ParseAddress(args[1])
		if perr != nil {
			return fail(stderr, perr)
		}
		out, err = client.Agreement(ctx, id, addr)
	case "challenges":
		fs := flag.NewFlagSet("challenges", flag.ContinueOnError)
		fs.SetOutput(stderr)
		from := fs.Uint64("from", 0, "Lowest creation height")
		to := fs.Uint64("to", 0, "Highest creation height; 0 is the open block")
		if perr := fs.Parse(args); perr != nil {
			return 1
		}
		if *to == 0 {
			head, herr := client.Height(ctx)
			if herr != nil {
				return fail(stderr, herr)
			}
			*to = head.Height
		}
		out, err = client.Challenges(ctx, *from, *to)
	case "events":
		fs := flag.NewFlagSet("events", flag.ContinueOnError)
		fs.SetOutput(stderr)
		var f indexer.Filter
		fs.StringVar(&f.Type, "type", "", "Event type")
		fs.Uint64Var(&f.Bucket, "bucket", 0, "Bucket id")
		fs.StringVar(&f.Provider, "provider", "", "Provider address")
		fs.Uint64Var(&f.FromHeight, "from", 0, "Lowest height")
		fs.Uint64Var(&f.ToHeight, "to", 0, "Highest height")
		fs.IntVar(&f.Limit, "limit", 100, "Most records returned")
		if perr := fs.Parse(args); perr != nil {
			return 1
		}
		out, err = client.Events(ctx, f)
	default:
		return fail(stderr, fmt.Errorf("unknown query %q", name))
	}
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, out); err != nil {
		return fail(stderr, err)
	}
	return 0
}
