package state

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"haggle/native/negotiation"
)

// storedNegotiation is the RLP layout of a negotiation record. RLP has no
// signed integers so timestamps are stored as their two's complement bits.
type storedNegotiation struct {
	ID                 [32]byte
	Buyer              [20]byte
	Seller             [20]byte
	SessionID          uint64
	Status             uint8
	CurrentRound       uint8
	CurrentOfferAmount uint64
	CurrentOfferBy     [20]byte
	OfferSide          uint8
	ServiceHash        [32]byte
	Token              string
	EscrowAmount       uint64
	EffectiveEscrow    uint64
	MaxRounds          uint8
	DecayRateBps       uint16
	ResponseWindow     uint64
	GlobalDeadline     uint64
	MinOfferBps        uint16
	ProtocolFeeBps     uint16
	ZopaEnabled        bool
	BuyerCommitment    [32]byte
	SellerCommitment   [32]byte
	ZopaPhase          uint8
	CreatedAt          uint64
	LastOfferAt        uint64
	SettledAt          uint64
	SettledAmount      uint64
	Metadata           [negotiation.MetadataSize]byte
}

func newStoredNegotiation(n *negotiation.Negotiation) *storedNegotiation {
	return &storedNegotiation{
		ID:                 n.ID,
		Buyer:              n.Buyer,
		Seller:             n.Seller,
		SessionID:          n.SessionID,
		Status:             uint8(n.Status),
		CurrentRound:       n.CurrentRound,
		CurrentOfferAmount: n.CurrentOfferAmount,
		CurrentOfferBy:     n.CurrentOfferBy,
		OfferSide:          uint8(n.OfferSide),
		ServiceHash:        n.ServiceHash,
		Token:              n.Token,
		EscrowAmount:       n.EscrowAmount,
		EffectiveEscrow:    n.EffectiveEscrow,
		MaxRounds:          n.MaxRounds,
		DecayRateBps:       n.DecayRateBps,
		ResponseWindow:     uint64(n.ResponseWindow),
		GlobalDeadline:     uint64(n.GlobalDeadline),
		MinOfferBps:        n.MinOfferBps,
		ProtocolFeeBps:     n.ProtocolFeeBps,
		ZopaEnabled:        n.ZopaEnabled,
		BuyerCommitment:    n.BuyerCommitment,
		SellerCommitment:   n.SellerCommitment,
		ZopaPhase:          uint8(n.ZopaPhase),
		CreatedAt:          uint64(n.CreatedAt),
		LastOfferAt:        uint64(n.LastOfferAt),
		SettledAt:          uint64(n.SettledAt),
		SettledAmount:      n.SettledAmount,
		Metadata:           n.Metadata,
	}
}

func (s *storedNegotiation) toNegotiation() (*negotiation.Negotiation, error) {
	status := negotiation.Status(s.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("state: negotiation %x has invalid status %d", s.ID, s.Status)
	}
	return &negotiation.Negotiation{
		ID:                 s.ID,
		Buyer:              s.Buyer,
		Seller:             s.Seller,
		SessionID:          s.SessionID,
		Status:             status,
		CurrentRound:       s.CurrentRound,
		CurrentOfferAmount: s.CurrentOfferAmount,
		CurrentOfferBy:     s.CurrentOfferBy,
		OfferSide:          negotiation.OfferSide(s.OfferSide),
		ServiceHash:        s.ServiceHash,
		Token:              s.Token,
		EscrowAmount:       s.EscrowAmount,
		EffectiveEscrow:    s.EffectiveEscrow,
		MaxRounds:          s.MaxRounds,
		DecayRateBps:       s.DecayRateBps,
		ResponseWindow:     int64(s.ResponseWindow),
		GlobalDeadline:     int64(s.GlobalDeadline),
		MinOfferBps:        s.MinOfferBps,
		ProtocolFeeBps:     s.ProtocolFeeBps,
		ZopaEnabled:        s.ZopaEnabled,
		BuyerCommitment:    s.BuyerCommitment,
		SellerCommitment:   s.SellerCommitment,
		ZopaPhase:          negotiation.ZopaPhase(s.ZopaPhase),
		CreatedAt:          int64(s.CreatedAt),
		LastOfferAt:        int64(s.LastOfferAt),
		SettledAt:          int64(s.SettledAt),
		SettledAmount:      s.SettledAmount,
		Metadata:           s.Metadata,
	}, nil
}

type storedRegistry struct {
	Authority          [20]byte
	Treasury           [20]byte
	DecayRateBps       uint16
	ResponseWindow     uint64
	ProtocolFeeBps     uint16
	MaxRounds          uint8
	Paused             bool
	TotalNegotiations  uint64
	TotalSettledVolume uint64
	TotalFeesCollected uint64
}

// NegotiationGet loads a negotiation record.
func (t *Txn) NegotiationGet(id [32]byte) (*negotiation.Negotiation, bool, error) {
	stored := new(storedNegotiation)
	ok, err := t.getRLP(NegotiationKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	n, err := stored.toNegotiation()
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

// NegotiationPut persists a negotiation record and keeps the open index in
// sync with its status.
func (t *Txn) NegotiationPut(n *negotiation.Negotiation) error {
	if n == nil {
		return fmt.Errorf("state: nil negotiation")
	}
	if err := t.putRLP(NegotiationKey(n.ID), newStoredNegotiation(n)); err != nil {
		return err
	}
	indexKey := OpenNegotiationKey(uint64(n.GlobalDeadline), n.ID)
	if n.Status.Terminal() {
		return t.del(indexKey)
	}
	return t.put(indexKey, n.ID[:])
}

// NegotiationDelete removes a negotiation record and its index entry.
func (t *Txn) NegotiationDelete(id [32]byte) error {
	n, ok, err := t.NegotiationGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := t.del(OpenNegotiationKey(uint64(n.GlobalDeadline), id)); err != nil {
		return err
	}
	return t.del(NegotiationKey(id))
}

// Negotiations visits every stored negotiation in key order.
func (t *Txn) Negotiations(fn func(*negotiation.Negotiation) error) error {
	return t.iterate(negotiationPrefix, func(_, value []byte) error {
		stored := new(storedNegotiation)
		if err := decodeRLP(value, stored); err != nil {
			return err
		}
		n, err := stored.toNegotiation()
		if err != nil {
			return err
		}
		return fn(n)
	})
}

var errStopIteration = errors.New("state: stop iteration")

// OverdueNegotiations returns up to limit ids of non-terminal negotiations
// whose global deadline is at or before now, earliest deadline first.
func (t *Txn) OverdueNegotiations(now int64, limit int) ([][32]byte, error) {
	ids := make([][32]byte, 0)
	err := t.iterate(openNegotiationPrefix, func(key, value []byte) error {
		rest := strings.TrimPrefix(string(key), string(openNegotiationPrefix))
		deadlineHex, _, found := strings.Cut(rest, "/")
		if !found {
			return fmt.Errorf("state: malformed open index key %q", key)
		}
		raw, err := hex.DecodeString(deadlineHex)
		if err != nil || len(raw) != 8 {
			return fmt.Errorf("state: malformed open index key %q", key)
		}
		if int64(binary.BigEndian.Uint64(raw)) > now {
			return errStopIteration
		}
		if len(value) != 32 {
			return fmt.Errorf("state: malformed open index value for %q", key)
		}
		var id [32]byte
		copy(id[:], value)
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return ids, nil
}

// RegistryGet loads the protocol registry.
func (t *Txn) RegistryGet() (*negotiation.Registry, bool, error) {
	stored := new(storedRegistry)
	ok, err := t.getRLP(RegistryKey(), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &negotiation.Registry{
		Authority: stored.Authority,
		Treasury:  stored.Treasury,
		Defaults: negotiation.Defaults{
			DecayRateBps:   stored.DecayRateBps,
			ResponseWindow: int64(stored.ResponseWindow),
			ProtocolFeeBps: stored.ProtocolFeeBps,
			MaxRounds:      stored.MaxRounds,
		},
		Paused:             stored.Paused,
		TotalNegotiations:  stored.TotalNegotiations,
		TotalSettledVolume: stored.TotalSettledVolume,
		TotalFeesCollected: stored.TotalFeesCollected,
	}, true, nil
}

// RegistryPut persists the protocol registry.
func (t *Txn) RegistryPut(reg *negotiation.Registry) error {
	if reg == nil {
		return fmt.Errorf("state: nil registry")
	}
	return t.putRLP(RegistryKey(), &storedRegistry{
		Authority:          reg.Authority,
		Treasury:           reg.Treasury,
		DecayRateBps:       reg.Defaults.DecayRateBps,
		ResponseWindow:     uint64(reg.Defaults.ResponseWindow),
		ProtocolFeeBps:     reg.Defaults.ProtocolFeeBps,
		MaxRounds:          reg.Defaults.MaxRounds,
		Paused:             reg.Paused,
		TotalNegotiations:  reg.TotalNegotiations,
		TotalSettledVolume: reg.TotalSettledVolume,
		TotalFeesCollected: reg.TotalFeesCollected,
	})
}
