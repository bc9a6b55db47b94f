package main

import (
	"fmt"
	"io"
	"strings"
)

func runBalance(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	address := fs.String("address", "", "account address (defaults to the --key address)")
	token := fs.String("token", "", "token symbol (defaults to the node's configured token)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, code := resolveAddressFlag(opts, *address, stderr)
	if code != 0 {
		return code
	}
	params := map[string]string{"address": addr}
	if t := strings.TrimSpace(*token); t != "" {
		params["token"] = t
	}
	return invoke(opts, "account_balance", params, false, stdout, stderr)
}

func runFaucet(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("faucet", stderr)
	token := fs.String("token", "", "token symbol")
	amount := fs.String("amount", "", "amount to mint (node default when omitted)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	params := map[string]string{}
	if t := strings.TrimSpace(*token); t != "" {
		params["token"] = t
	}
	if a := strings.TrimSpace(*amount); a != "" {
		if err := validateAmount("amount", a); err != nil {
			return printError(stderr, err.Error())
		}
		params["amount"] = a
	}
	return invoke(opts, "account_faucet", params, true, stdout, stderr)
}

func runAdminCommand(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "pause", "unpause":
		return invoke(opts, "admin_setPaused", map[string]bool{"paused": args[0] == "pause"}, true, stdout, stderr)
	case "treasury":
		fs := newFlagSet("admin treasury", stderr)
		address := fs.String("address", "", "new treasury address")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if strings.TrimSpace(*address) == "" {
			return printError(stderr, "--address is required")
		}
		return invoke(opts, "admin_setTreasury", map[string]string{"treasury": strings.TrimSpace(*address)}, true, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		return 1
	}
}
