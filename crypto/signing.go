package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a request signature does not recover to
// the claimed address.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// RequestDigest hashes the request metadata covered by a caller signature.
func RequestDigest(timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	return crypto.Keccak256([]byte(payload))
}

// SignRequest produces a 65-byte recoverable secp256k1 signature over the
// request digest.
func SignRequest(key *PrivateKey, timestamp, nonce, method, path string, body []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(RequestDigest(timestamp, nonce, method, path, body), key.PrivateKey)
}

// RecoverRequestSigner returns the address that produced sig over the request
// metadata.
func RecoverRequestSigner(sig []byte, timestamp, nonce, method, path string, body []byte) ([20]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return [20]byte{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	pub, err := crypto.SigToPub(RequestDigest(timestamp, nonce, method, path, body), sig)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pubkeyAddress(pub), nil
}

func pubkeyAddress(pub *ecdsa.PublicKey) [20]byte {
	return [20]byte(crypto.PubkeyToAddress(*pub))
}
