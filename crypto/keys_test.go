package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, "hgl1") {
		t.Fatalf("unexpected address encoding %s", encoded)
	}
	raw, err := ParseAddress(encoded)
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if raw != addr.Raw() {
		t.Fatalf("round trip mismatch")
	}
}

func TestParseAddressRejectsForeignPrefix(t *testing.T) {
	foreign := NewAddress(AddressPrefix("nhb"), make([]byte, 20)).String()
	if _, err := ParseAddress(foreign); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := ParseAddress("not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestRequestSignatureRecoversSigner(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body := []byte(`{"jsonrpc":"2.0"}`)
	sig, err := SignRequest(key, "1700000000", "n-1", "post", "/", body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverRequestSigner(sig, "1700000000", "n-1", "POST", "/", body)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != key.PubKey().Address().Raw() {
		t.Fatalf("recovered wrong signer")
	}
	other, err := RecoverRequestSigner(sig, "1700000000", "n-2", "POST", "/", body)
	if err == nil && other == signer {
		t.Fatalf("tampered nonce must not recover the signer")
	}
	if _, err := RecoverRequestSigner(sig[:10], "1", "n", "POST", "/", nil); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	if err := SaveToKeystoreWithStrength(path, key, "hunter2", LightKeystore); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().Address().Raw() != key.PubKey().Address().Raw() {
		t.Fatalf("loaded key mismatch")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
