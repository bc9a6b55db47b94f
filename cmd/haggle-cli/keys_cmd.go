package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"haggle/cmd/internal/passphrase"
	"haggle/crypto"
	"haggle/native/negotiation"
)

var newPassphrase = func() (string, error) {
	return passphrase.NewSource(clientPassEnv, "new keystore").Get()
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "wallet.keystore", "path of the keystore to create")
	light := fs.Bool("light", false, "use the fast scrypt parameters (development only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pass, err := newPassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	strength := crypto.StandardKeystore
	if *light {
		strength = crypto.LightKeystore
	}
	if err := crypto.SaveToKeystoreWithStrength(*out, key, pass, strength); err != nil {
		return printError(stderr, fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Fprintf(stdout, "Created %s\nAddress: %s\n", *out, key.PubKey().Address().String())
	return 0
}

func runAddress(opts globalOptions, stdout, stderr io.Writer) int {
	if opts.keystore == "" {
		return printError(stderr, "--key is required")
	}
	key, err := loadKey(opts.keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

// runToken mints an HS256 bearer token whose subject is the --key address.
func runToken(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	secret := fs.String("secret", "", "shared HS256 secret configured on the node")
	issuer := fs.String("issuer", "haggled", "token issuer")
	audience := fs.String("audience", "", "optional token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*secret) == "" {
		return printError(stderr, "--secret is required")
	}
	if *ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}
	if opts.keystore == "" {
		return printError(stderr, "--key is required")
	}
	key, err := loadKey(opts.keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   key.PubKey().Address().String(),
		Issuer:    strings.TrimSpace(*issuer),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	}
	if aud := strings.TrimSpace(*audience); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, signed)
	return 0
}

// runCommitment prints the sealed reservation commitment for a ZOPA round
// together with the salt needed to reveal it later.
func runCommitment(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("commitment", stderr)
	amount := fs.String("amount", "", "reservation amount in token minor units")
	saltHex := fs.String("salt", "", "32-byte hex salt (random when omitted)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAmount("amount", *amount); err != nil {
		return printError(stderr, err.Error())
	}
	value, _ := strconv.ParseUint(strings.TrimSpace(*amount), 10, 64)

	var salt [32]byte
	if strings.TrimSpace(*saltHex) == "" {
		if _, err := rand.Read(salt[:]); err != nil {
			return printError(stderr, err.Error())
		}
	} else {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*saltHex), "0x"))
		if err != nil || len(raw) != len(salt) {
			return printError(stderr, "--salt must be 32 bytes of hex")
		}
		copy(salt[:], raw)
	}
	commitment := negotiation.ZopaCommitment(value, salt)
	fmt.Fprintf(stdout, "commitment: 0x%s\nsalt:       0x%s\n", hex.EncodeToString(commitment[:]), hex.EncodeToString(salt[:]))
	return 0
}
