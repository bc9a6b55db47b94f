package negotiation

import (
	"errors"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestDeriveIDIsDeterministic(t *testing.T) {
	a := DeriveID(buyerAddr, sellerAddr, 1)
	if a != DeriveID(buyerAddr, sellerAddr, 1) {
		t.Fatalf("derivation not deterministic")
	}
	if a == DeriveID(buyerAddr, sellerAddr, 2) {
		t.Fatalf("session id ignored")
	}
	if a == DeriveID(sellerAddr, buyerAddr, 1) {
		t.Fatalf("party order ignored")
	}
	if VaultAddress(a) == VaultAddress(DeriveID(buyerAddr, sellerAddr, 2)) {
		t.Fatalf("vaults collide across sessions")
	}
}

func TestServiceHash(t *testing.T) {
	short := ServiceHash("logo")
	if short != ethcrypto.Keccak256Hash([]byte("logo")) {
		t.Fatalf("short descriptor not hashed: %x", short)
	}
	// A 32-byte descriptor must not land on the hash of another descriptor.
	long := strings.Repeat("x", 40)
	longHash := ServiceHash(long)
	if ServiceHash(string(longHash[:])) == longHash {
		t.Fatalf("raw descriptor collides with a hashed one")
	}
	if ServiceHash(long) == ServiceHash(long[:39]) {
		t.Fatalf("long descriptors collide")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	meta, err := EncodeMetadata("delivery in 3 days")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := DecodeMetadata(meta); got != "delivery in 3 days" {
		t.Fatalf("unexpected decode %q", got)
	}
	full := strings.Repeat("m", MetadataSize)
	meta, err = EncodeMetadata(full)
	if err != nil {
		t.Fatalf("encode full: %v", err)
	}
	if DecodeMetadata(meta) != full {
		t.Fatalf("full payload truncated")
	}
	if _, err := EncodeMetadata(full + "!"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}
