package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	rpcURLEnv      = "HAGGLE_RPC_URL"
	rpcTokenEnv    = "HAGGLE_RPC_TOKEN"
	keystoreEnv    = "HAGGLE_KEYSTORE"
	clientPassEnv  = "HAGGLE_CLIENT_PASS"
	defaultRPCAddr = "http://127.0.0.1:8545"
)

// globalOptions are accepted before the command name.
type globalOptions struct {
	endpoint string
	keystore string
	token    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch rest[0] {
	case "keygen":
		return runKeygen(rest[1:], stdout, stderr)
	case "address":
		return runAddress(opts, stdout, stderr)
	case "token":
		return runToken(opts, rest[1:], stdout, stderr)
	case "commitment":
		return runCommitment(rest[1:], stdout, stderr)
	case "negotiation", "n":
		return runNegotiationCommand(opts, rest[1:], stdout, stderr)
	case "balance":
		return runBalance(opts, rest[1:], stdout, stderr)
	case "faucet":
		return runFaucet(opts, rest[1:], stdout, stderr)
	case "admin":
		return runAdminCommand(opts, rest[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func parseGlobalFlags(args []string) (globalOptions, []string, error) {
	opts := globalOptions{
		endpoint: envOr(rpcURLEnv, defaultRPCAddr),
		keystore: strings.TrimSpace(os.Getenv(keystoreEnv)),
		token:    strings.TrimSpace(os.Getenv(rpcTokenEnv)),
	}
	targets := map[string]*string{
		"--rpc":   &opts.endpoint,
		"--key":   &opts.keystore,
		"--token": &opts.token,
	}
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		target, ok := targets[name]
		if !ok {
			rest = append(rest, args[i:]...)
			break
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for %s", name)
			}
			value = args[i+1]
			i++
		}
		*target = strings.TrimSpace(value)
	}
	return opts, rest, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func usage() string {
	return `Usage: haggle-cli [--rpc URL] [--key KEYSTORE] [--token JWT] <command> [flags]

Keys:
  keygen --out PATH [--light]           create a keystore (passphrase from HAGGLE_CLIENT_PASS or prompt)
  address                               print the bech32 address of --key
  token --secret S [--issuer I] [--ttl D]  mint an HS256 bearer token for --key
  commitment --amount N [--salt HEX]    compute a ZOPA reservation commitment

Negotiations:
  negotiation create --seller ADDR --escrow N [--session N] [--token T] [--service S] [--zopa] ...
  negotiation accept-invitation|accept|reject|expire|close|get|history --id 0x..
  negotiation offer --id 0x.. --amount N [--metadata TEXT]
  negotiation commit --id 0x.. --commitment 0x..
  negotiation reveal --id 0x.. --buyer-max N --buyer-salt 0x.. --seller-min N --seller-salt 0x..
  negotiation list [--address ADDR]
  negotiation registry

Accounts:
  balance [--address ADDR] [--token T]
  faucet [--token T] [--amount N]

Administration:
  admin pause|unpause
  admin treasury --address ADDR`
}
