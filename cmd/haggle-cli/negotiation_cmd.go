package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func printResult(w io.Writer, raw json.RawMessage) int {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return 0
	}
	fmt.Fprintln(w, pretty.String())
	return 0
}

// invoke runs one RPC method and prints its result.
func invoke(opts globalOptions, method string, params interface{}, authenticate bool, stdout, stderr io.Writer) int {
	c, err := newClient(opts, authenticate)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := c.call(method, params, authenticate)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printResult(stdout, result)
}

func validateNegotiationID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 || !isHex(cleaned) {
		return fmt.Errorf("--id must be a 32-byte hex string")
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

func validateAmount(flagName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", flagName)
	}
	if _, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64); err != nil {
		return fmt.Errorf("--%s must be a non-negative integer", flagName)
	}
	return nil
}

var idOnlyMethods = map[string]struct {
	method string
	auth   bool
}{
	"accept-invitation": {method: "negotiation_acceptInvitation", auth: true},
	"accept":            {method: "negotiation_accept", auth: true},
	"reject":            {method: "negotiation_reject", auth: true},
	"expire":            {method: "negotiation_expire", auth: true},
	"close":             {method: "negotiation_close", auth: true},
	"get":               {method: "negotiation_get"},
	"history":           {method: "negotiation_history"},
}

func runNegotiationCommand(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if m, ok := idOnlyMethods[args[0]]; ok {
		return runIDCommand(opts, args[0], m.method, m.auth, args[1:], stdout, stderr)
	}
	switch args[0] {
	case "create":
		return runNegotiationCreate(opts, args[1:], stdout, stderr)
	case "offer":
		return runNegotiationOffer(opts, args[1:], stdout, stderr)
	case "commit":
		return runNegotiationCommit(opts, args[1:], stdout, stderr)
	case "reveal":
		return runNegotiationReveal(opts, args[1:], stdout, stderr)
	case "list":
		return runNegotiationList(opts, args[1:], stdout, stderr)
	case "registry":
		return invoke(opts, "negotiation_registry", nil, false, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown negotiation subcommand: %s\n", args[0])
		return 1
	}
}

func runIDCommand(opts globalOptions, name, method string, auth bool, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("negotiation "+name, stderr)
	id := fs.String("id", "", "negotiation id (0x-prefixed hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateNegotiationID(*id); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(opts, method, map[string]string{"id": strings.TrimSpace(*id)}, auth, stdout, stderr)
}

func runNegotiationCreate(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("negotiation create", stderr)
	var (
		seller, escrow, token, service, serviceHash string
		session                                     uint64
		zopa                                        bool
	)
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&escrow, "escrow", "", "escrow amount in token minor units")
	fs.Uint64Var(&session, "session", 0, "session id distinguishing negotiations between the same parties")
	fs.StringVar(&token, "token", "", "token symbol (defaults to the node's configured token)")
	fs.StringVar(&service, "service", "", "service description hashed into the negotiation")
	fs.StringVar(&serviceHash, "service-hash", "", "explicit 0x-prefixed service hash")
	fs.BoolVar(&zopa, "zopa", false, "enable the ZOPA commit/reveal phase")
	maxRounds := fs.Int("max-rounds", -1, "maximum offer rounds (registry default when unset)")
	decay := fs.Int("decay-bps", -1, "escrow decay per offer in basis points")
	window := fs.Int64("response-window", -1, "seconds each party has to respond")
	deadline := fs.Int64("deadline-offset", -1, "seconds until the global deadline")
	minOffer := fs.Int("min-offer-bps", -1, "minimum offer as basis points of the effective escrow")
	fee := fs.Int("fee-bps", -1, "protocol fee in basis points")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(seller) == "" {
		return printError(stderr, "--seller is required")
	}
	if err := validateAmount("escrow", escrow); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"seller":       strings.TrimSpace(seller),
		"sessionId":    session,
		"escrowAmount": strings.TrimSpace(escrow),
	}
	if token != "" {
		params["token"] = token
	}
	if service != "" {
		params["service"] = service
	}
	if serviceHash != "" {
		params["serviceHash"] = serviceHash
	}
	if zopa {
		params["zopa"] = true
	}
	for name, v := range map[string]int64{
		"maxRounds":             int64(*maxRounds),
		"decayRateBps":          int64(*decay),
		"responseWindowSeconds": *window,
		"deadlineOffsetSeconds": *deadline,
		"minOfferBps":           int64(*minOffer),
		"protocolFeeBps":        int64(*fee),
	} {
		if v >= 0 {
			params[name] = v
		}
	}
	return invoke(opts, "negotiation_create", params, true, stdout, stderr)
}

func runNegotiationOffer(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("negotiation offer", stderr)
	id := fs.String("id", "", "negotiation id")
	amount := fs.String("amount", "", "offer amount in token minor units")
	metadata := fs.String("metadata", "", "optional note of at most 64 bytes")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateNegotiationID(*id); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAmount("amount", *amount); err != nil {
		return printError(stderr, err.Error())
	}
	if len(*metadata) > 64 {
		return printError(stderr, "--metadata must be at most 64 bytes")
	}
	params := map[string]string{"id": strings.TrimSpace(*id), "amount": strings.TrimSpace(*amount)}
	if *metadata != "" {
		params["metadata"] = *metadata
	}
	return invoke(opts, "negotiation_submitOffer", params, true, stdout, stderr)
}

func runNegotiationCommit(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("negotiation commit", stderr)
	id := fs.String("id", "", "negotiation id")
	commitment := fs.String("commitment", "", "0x-prefixed reservation commitment (see the commitment command)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateNegotiationID(*id); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(*commitment) == "" {
		return printError(stderr, "--commitment is required")
	}
	return invoke(opts, "negotiation_commitReservation", map[string]string{
		"id":         strings.TrimSpace(*id),
		"commitment": strings.TrimSpace(*commitment),
	}, true, stdout, stderr)
}

func runNegotiationReveal(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("negotiation reveal", stderr)
	id := fs.String("id", "", "negotiation id")
	buyerMax := fs.String("buyer-max", "", "buyer reservation maximum")
	buyerSalt := fs.String("buyer-salt", "", "buyer commitment salt")
	sellerMin := fs.String("seller-min", "", "seller reservation minimum")
	sellerSalt := fs.String("seller-salt", "", "seller commitment salt")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateNegotiationID(*id); err != nil {
		return printError(stderr, err.Error())
	}
	for name, v := range map[string]string{"buyer-max": *buyerMax, "seller-min": *sellerMin} {
		if err := validateAmount(name, v); err != nil {
			return printError(stderr, err.Error())
		}
	}
	if *buyerSalt == "" || *sellerSalt == "" {
		return printError(stderr, "--buyer-salt and --seller-salt are required")
	}
	return invoke(opts, "negotiation_revealZopa", map[string]string{
		"id":         strings.TrimSpace(*id),
		"buyerMax":   strings.TrimSpace(*buyerMax),
		"buyerSalt":  strings.TrimSpace(*buyerSalt),
		"sellerMin":  strings.TrimSpace(*sellerMin),
		"sellerSalt": strings.TrimSpace(*sellerSalt),
	}, true, stdout, stderr)
}

func runNegotiationList(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("negotiation list", stderr)
	address := fs.String("address", "", "party address (defaults to the --key address)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, code := resolveAddressFlag(opts, *address, stderr)
	if code != 0 {
		return code
	}
	return invoke(opts, "negotiation_list", map[string]string{"address": addr}, false, stdout, stderr)
}

// resolveAddressFlag returns the explicit address or the address of the
// loaded key.
func resolveAddressFlag(opts globalOptions, explicit string, stderr io.Writer) (string, int) {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed, 0
	}
	if opts.keystore == "" {
		return "", printError(stderr, "--address is required without --key")
	}
	key, err := loadKey(opts.keystore)
	if err != nil {
		return "", printError(stderr, err.Error())
	}
	return key.PubKey().Address().String(), 0
}
