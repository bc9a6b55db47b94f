package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 address.
type AddressPrefix string

// HGLPrefix prefixes every negotiation participant address.
const HGLPrefix AddressPrefix = "hgl"

// ErrInvalidAddress is returned when an address cannot be decoded.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address is a 20-byte participant address rendered as bech32.
type Address struct {
	prefix AddressPrefix
	raw    [20]byte
}

// NewAddress wraps raw address bytes. It panics when b is not 20 bytes long.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr
}

// AddressFromRaw wraps a fixed size address with the hgl prefix.
func AddressFromRaw(raw [20]byte) Address {
	return Address{prefix: HGLPrefix, raw: raw}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Raw returns the fixed size form used by the negotiation engine.
func (a Address) Raw() [20]byte { return a.raw }

// DecodeAddress parses a bech32 address with any prefix.
func DecodeAddress(value string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(value))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseAddress decodes an hgl-prefixed bech32 address into its raw bytes.
func ParseAddress(value string) ([20]byte, error) {
	addr, err := DecodeAddress(value)
	if err != nil {
		return [20]byte{}, err
	}
	if addr.prefix != HGLPrefix {
		return [20]byte{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, addr.prefix)
	}
	return addr.raw, nil
}

// PrivateKey is a secp256k1 key identifying a buyer, seller, cranker or the
// node authority.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the participant address from the public key.
func (k *PublicKey) Address() Address {
	return AddressFromRaw(pubkeyAddress(k.PublicKey))
}
