package negotiation

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	negotiationSeed = []byte("negotiation")
	vaultSeed       = []byte("vault")
)

// DeriveID returns the deterministic identifier of the negotiation between
// buyer and seller for the supplied session. The session id is encoded little
// endian so identifiers match those computed by existing clients.
func DeriveID(buyer, seller [20]byte, sessionID uint64) [32]byte {
	var session [8]byte
	binary.LittleEndian.PutUint64(session[:], sessionID)
	return ethcrypto.Keccak256Hash(negotiationSeed, buyer[:], seller[:], session[:])
}

// VaultAddress returns the custody address holding the escrow of the
// negotiation identified by id.
func VaultAddress(id [32]byte) [20]byte {
	digest := ethcrypto.Keccak256(vaultSeed, id[:])
	var addr [20]byte
	copy(addr[:], digest[len(digest)-20:])
	return addr
}

// ServiceHash returns the keccak256 commitment to a service descriptor.
func ServiceHash(service string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(service))
}

// EncodeMetadata zero-pads data into an offer metadata payload.
func EncodeMetadata(data string) ([MetadataSize]byte, error) {
	var out [MetadataSize]byte
	if len(data) > MetadataSize {
		return out, fmt.Errorf("%w: metadata exceeds %d bytes", ErrInvalidParams, MetadataSize)
	}
	copy(out[:], data)
	return out, nil
}

// DecodeMetadata returns the payload up to the first zero byte.
func DecodeMetadata(meta [MetadataSize]byte) string {
	end := bytes.IndexByte(meta[:], 0)
	if end < 0 {
		end = len(meta)
	}
	return string(meta[:end])
}
