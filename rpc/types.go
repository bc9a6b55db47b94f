package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"haggle/crypto"
	"haggle/indexer"
	"haggle/native/negotiation"
)

// NegotiationResult is the JSON view of a negotiation record. Amounts are
// decimal strings in the token's minor units.
type NegotiationResult struct {
	ID                 string `json:"id"`
	Buyer              string `json:"buyer"`
	Seller             string `json:"seller"`
	Vault              string `json:"vault"`
	SessionID          uint64 `json:"sessionId"`
	Status             string `json:"status"`
	Terminal           bool   `json:"terminal"`
	CurrentRound       uint8  `json:"currentRound"`
	CurrentOfferAmount string `json:"currentOfferAmount"`
	CurrentOfferBy     string `json:"currentOfferBy,omitempty"`
	OfferSide          string `json:"offerSide,omitempty"`
	ServiceHash        string `json:"serviceHash"`
	Token              string `json:"token"`
	EscrowAmount       string `json:"escrowAmount"`
	EffectiveEscrow    string `json:"effectiveEscrow"`
	MaxRounds          uint8  `json:"maxRounds"`
	DecayRateBps       uint16 `json:"decayRateBps"`
	ResponseWindow     int64  `json:"responseWindowSeconds"`
	GlobalDeadline     int64  `json:"globalDeadline"`
	MinOfferBps        uint16 `json:"minOfferBps"`
	ProtocolFeeBps     uint16 `json:"protocolFeeBps"`
	ZopaEnabled        bool   `json:"zopaEnabled"`
	ZopaPhase          string `json:"zopaPhase"`
	CreatedAt          int64  `json:"createdAt"`
	LastOfferAt        int64  `json:"lastOfferAt,omitempty"`
	SettledAt          int64  `json:"settledAt,omitempty"`
	SettledAmount      string `json:"settledAmount"`
	Metadata           string `json:"metadata,omitempty"`
}

// SettlementResult reports the vault distribution of an accepted offer.
type SettlementResult struct {
	Negotiation      NegotiationResult `json:"negotiation"`
	SettledAmount    string            `json:"settledAmount"`
	ProtocolFee      string            `json:"protocolFee"`
	SellerPayout     string            `json:"sellerPayout"`
	BuyerRefund      string            `json:"buyerRefund"`
	EscrowDecayTotal string            `json:"escrowDecayTotal"`
}

// RefundResult reports a terminal transition that returned value to the
// buyer.
type RefundResult struct {
	Negotiation NegotiationResult `json:"negotiation"`
	Refund      string            `json:"refund"`
}

type RegistryResult struct {
	Authority             string `json:"authority"`
	Treasury              string `json:"treasury"`
	Paused                bool   `json:"paused"`
	DecayRateBps          uint16 `json:"decayRateBps"`
	ResponseWindowSeconds int64  `json:"responseWindowSeconds"`
	ProtocolFeeBps        uint16 `json:"protocolFeeBps"`
	MaxRounds             uint8  `json:"maxRounds"`
	TotalNegotiations     uint64 `json:"totalNegotiations"`
	TotalSettledVolume    string `json:"totalSettledVolume"`
	TotalFeesCollected    string `json:"totalFeesCollected"`
}

type HistoryEntry struct {
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

type BalanceResult struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func formatAddress(addr [20]byte) string {
	return crypto.AddressFromRaw(addr).String()
}

func formatNegotiationID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func negotiationResult(n *negotiation.Negotiation) NegotiationResult {
	out := NegotiationResult{
		ID:                 formatNegotiationID(n.ID),
		Buyer:              formatAddress(n.Buyer),
		Seller:             formatAddress(n.Seller),
		Vault:              formatAddress(negotiation.VaultAddress(n.ID)),
		SessionID:          n.SessionID,
		Status:             n.Status.String(),
		Terminal:           n.IsTerminal(),
		CurrentRound:       n.CurrentRound,
		CurrentOfferAmount: formatUint(n.CurrentOfferAmount),
		ServiceHash:        "0x" + hex.EncodeToString(n.ServiceHash[:]),
		Token:              n.Token,
		EscrowAmount:       formatUint(n.EscrowAmount),
		EffectiveEscrow:    formatUint(n.EffectiveEscrow),
		MaxRounds:          n.MaxRounds,
		DecayRateBps:       n.DecayRateBps,
		ResponseWindow:     n.ResponseWindow,
		GlobalDeadline:     n.GlobalDeadline,
		MinOfferBps:        n.MinOfferBps,
		ProtocolFeeBps:     n.ProtocolFeeBps,
		ZopaEnabled:        n.ZopaEnabled,
		ZopaPhase:          n.ZopaPhase.String(),
		CreatedAt:          n.CreatedAt,
		LastOfferAt:        n.LastOfferAt,
		SettledAt:          n.SettledAt,
		SettledAmount:      formatUint(n.SettledAmount),
		Metadata:           negotiation.DecodeMetadata(n.Metadata),
	}
	if n.CurrentRound > 0 {
		out.CurrentOfferBy = formatAddress(n.CurrentOfferBy)
		out.OfferSide = n.OfferSide.String()
	}
	return out
}

func registryResult(reg *negotiation.Registry) RegistryResult {
	return RegistryResult{
		Authority:             formatAddress(reg.Authority),
		Treasury:              formatAddress(reg.Treasury),
		Paused:                reg.Paused,
		DecayRateBps:          reg.Defaults.DecayRateBps,
		ResponseWindowSeconds: reg.Defaults.ResponseWindow,
		ProtocolFeeBps:        reg.Defaults.ProtocolFeeBps,
		MaxRounds:             reg.Defaults.MaxRounds,
		TotalNegotiations:     reg.TotalNegotiations,
		TotalSettledVolume:    formatUint(reg.TotalSettledVolume),
		TotalFeesCollected:    formatUint(reg.TotalFeesCollected),
	}
}

func historyEntries(records []indexer.EventRecord) ([]HistoryEntry, error) {
	out := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		attrs, err := rec.AttributeMap()
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{Type: rec.Type, Timestamp: rec.Timestamp, Attributes: attrs})
	}
	return out, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(field, value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.ParseAddress(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func parseNegotiationID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func parseHash32(field, value string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("%s must be 32 bytes hex", field)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, fmt.Errorf("%s: %w", field, err)
	}
	copy(out[:], raw)
	return out, nil
}

func parseAmount(field, value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%s required", field)
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a base-10 integer below 2^64", field)
	}
	return amount, nil
}
