package state

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
)

var (
	negotiationPrefix     = []byte("negotiation/record/")
	openNegotiationPrefix = []byte("negotiation/open/")
	registryKeyBytes      = []byte("negotiation/registry")
	balancePrefix         = []byte("balance/")
)

// NegotiationKey returns the storage key of a negotiation record.
func NegotiationKey(id [32]byte) []byte {
	return append(append([]byte(nil), negotiationPrefix...), hex.EncodeToString(id[:])...)
}

// OpenNegotiationKey returns the index entry for a non-terminal negotiation.
// Entries sort by global deadline so the cranker visits overdue records first.
func OpenNegotiationKey(deadline uint64, id [32]byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], deadline)
	key := append([]byte(nil), openNegotiationPrefix...)
	key = append(key, hex.EncodeToString(ts[:])...)
	key = append(key, '/')
	return append(key, hex.EncodeToString(id[:])...)
}

// RegistryKey returns the storage key of the protocol registry.
func RegistryKey() []byte { return append([]byte(nil), registryKeyBytes...) }

// BalanceKey returns the storage key of an account balance for token.
func BalanceKey(addr [20]byte, token string) []byte {
	key := append([]byte(nil), balancePrefix...)
	key = append(key, strings.ToUpper(strings.TrimSpace(token))...)
	key = append(key, '/')
	return append(key, hex.EncodeToString(addr[:])...)
}
