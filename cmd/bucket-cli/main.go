package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"bucketchain/agent"
	"bucketchain/cmd/internal/passphrase"
	"bucketchain/core/types"
	"bucketchain/crypto"
	"bucketchain/rpc"
)

const (
	keyPassEnv     = "BUCKET_KEY_PASS"
	rpcTokenEnv    = "BUCKET_RPC_TOKEN"
	requestTimeout = 30 * time.Second
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv(rpcTokenEnv)
)

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(dispatch(args, os.Stdout, os.Stderr))
}

// applyGlobalFlags strips a leading --rpc flag shared by every command.
func applyGlobalFlags(args []string) ([]string, error) {
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" || args[0] == "-rpc":
			if len(args) < 2 {
				return nil, errors.New("--rpc requires a value")
			}
			rpcEndpoint = strings.TrimSpace(args[1])
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcEndpoint = strings.TrimSpace(strings.TrimPrefix(args[0], "--rpc="))
			args = args[1:]
		default:
			return args, nil
		}
	}
	return args, nil
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	rest := args[1:]
	switch args[0] {
	case "generate-key":
		return runGenerateKeyCommand(rest, stdout, stderr)
	case "address":
		return runAddressCommand(rest, stdout, stderr)
	case "balance":
		return runBalanceCommand(rest, stdout, stderr)
	case "height":
		return runQueryCommand("height", rest, stdout, stderr)
	case "params":
		return runQueryCommand("params", rest, stdout, stderr)
	case "provider", "bucket", "agreement", "challenges", "events":
		return runQueryCommand(args[0], rest, stdout, stderr)
	case "send":
		return runSendCommand(rest, stdout, stderr)
	case "register-provider":
		return runRegisterProviderCommand(rest, stdout, stderr)
	case "create-bucket":
		return runCreateBucketCommand(rest, stdout, stderr)
	case "request":
		return runRequestCommand(rest, stdout, stderr)
	case "accept":
		return runBucketTxCommand(types.TxTypeAcceptRequest, rest, stdout, stderr)
	case "reject":
		return runBucketTxCommand(types.TxTypeRejectRequest, rest, stdout, stderr)
	case "challenge":
		return runChallengeCommand(rest, stdout, stderr)
	case "tx":
		return runRawTxCommand(rest, stdout, stderr)
	case "upload":
		return runUploadCommand(rest, stdout, stderr)
	case "download":
		return runDownloadCommand(rest, stdout, stderr)
	case "dev-token":
		return runDevTokenCommand(rest, stdout, stderr)
	case "fund":
		return runFundCommand(rest, stdout, stderr)
	case "advance":
		return runAdvanceCommand(rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: bucket-cli [--rpc <url>] <command> [args]

Keys:
  generate-key <keystore>             create an encrypted key
  address <keystore>                  print the key's address

Queries:
  balance <address>
  height | params
  provider <address>
  bucket <id>
  agreement <bucket> <provider>
  challenges [--from N] [--to N]
  events [--type T] [--bucket N] [--provider A] [--limit N]

Transactions (signed with <keystore>, passphrase from BUCKET_KEY_PASS or prompt):
  send <to> <amount> <keystore>
  register-provider [flags] <keystore>
  create-bucket [--min-providers N] <keystore>
  request [flags] <keystore>
  accept|reject --bucket N <keystore>
  challenge [flags] <keystore>
  tx <type> <payload.json|-> <keystore>

Data:
  upload --provider <url> --bucket N <file>
  download --provider <url> --bucket N --seq N <out>

Dev networks (bearer token from BUCKET_RPC_TOKEN):
  dev-token [--secret-env NAME] [--subject S] [--ttl D]
  fund <address> <amount>
  advance <count>`)
}

func newClient() *rpc.Client {
	client := rpc.NewClient(rpcEndpoint)
	client.SetToken(rpcAuthToken)
	return client
}

func newPassphraseSource() *passphrase.Source {
	return passphrase.NewSource(keyPassEnv, "key")
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	pass, err := newPassphraseSource().Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

// submit signs payload with the keystore at keyPath and prints the receipt.
func submit(keyPath string, txType types.TxType, payload interface{}, stdout io.Writer) error {
	key, err := loadKey(keyPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	receipt, err := agent.NewSender(key, newClient()).Send(ctx, txType, payload)
	if err != nil {
		return err
	}
	return printJSON(stdout, receipt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
