package negotiation

import (
	"encoding/hex"
	"strconv"

	"haggle/core/types"
)

const (
	EventTypeCreated            = "negotiation.created"
	EventTypeInvitationAccepted = "negotiation.invitation_accepted"
	EventTypeOfferSubmitted     = "negotiation.offer_submitted"
	EventTypeSettled            = "negotiation.settled"
	EventTypeExpired            = "negotiation.expired"
	EventTypeRejected           = "negotiation.rejected"
	EventTypeClosed             = "negotiation.closed"
	EventTypeZopaCommitted      = "negotiation.zopa_committed"
	EventTypeZopaRevealed       = "negotiation.zopa_revealed"
	EventTypeRegistryUpdated    = "negotiation.registry_updated"
)

// NewCreatedEvent returns the payload emitted when a negotiation is opened and
// its escrow locked.
func NewCreatedEvent(n *Negotiation, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeCreated, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["escrowAmount"] = strconv.FormatUint(n.EscrowAmount, 10)
	evt.Attributes["token"] = n.Token
	evt.Attributes["maxRounds"] = strconv.FormatUint(uint64(n.MaxRounds), 10)
	evt.Attributes["decayRateBps"] = strconv.FormatUint(uint64(n.DecayRateBps), 10)
	evt.Attributes["globalDeadline"] = strconv.FormatInt(n.GlobalDeadline, 10)
	evt.Attributes["sessionId"] = strconv.FormatUint(n.SessionID, 10)
	return evt
}

// NewInvitationAcceptedEvent returns the payload emitted when the seller joins.
func NewInvitationAcceptedEvent(n *Negotiation, ts int64) *types.Event {
	return newNegotiationEvent(EventTypeInvitationAccepted, n, ts)
}

// NewOfferSubmittedEvent returns the payload emitted for every accepted offer.
func NewOfferSubmittedEvent(n *Negotiation, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeOfferSubmitted, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["offerer"] = hex.EncodeToString(n.CurrentOfferBy[:])
	evt.Attributes["side"] = n.OfferSide.String()
	evt.Attributes["amount"] = strconv.FormatUint(n.CurrentOfferAmount, 10)
	evt.Attributes["round"] = strconv.FormatUint(uint64(n.CurrentRound), 10)
	evt.Attributes["effectiveEscrow"] = strconv.FormatUint(n.EffectiveEscrow, 10)
	return evt
}

// NewSettledEvent returns the payload emitted when an offer is accepted and
// the escrow distributed.
func NewSettledEvent(n *Negotiation, s Settlement, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeSettled, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["settledAmount"] = strconv.FormatUint(s.SettledAmount, 10)
	evt.Attributes["totalRounds"] = strconv.FormatUint(uint64(n.CurrentRound), 10)
	evt.Attributes["protocolFee"] = strconv.FormatUint(s.ProtocolFee, 10)
	evt.Attributes["sellerPayout"] = strconv.FormatUint(s.SellerPayout, 10)
	evt.Attributes["buyerRefund"] = strconv.FormatUint(s.BuyerRefund, 10)
	evt.Attributes["escrowDecayTotal"] = strconv.FormatUint(s.EscrowDecayTotal, 10)
	evt.Attributes["token"] = n.Token
	return evt
}

// NewExpiredEvent returns the payload emitted when a cranker expires a
// negotiation past its deadline.
func NewExpiredEvent(n *Negotiation, cranker [20]byte, refund uint64, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeExpired, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["refundAmount"] = strconv.FormatUint(refund, 10)
	evt.Attributes["roundsCompleted"] = strconv.FormatUint(uint64(n.CurrentRound), 10)
	evt.Attributes["crankedBy"] = hex.EncodeToString(cranker[:])
	return evt
}

// NewRejectedEvent returns the payload emitted when a party declines.
func NewRejectedEvent(n *Negotiation, rejectedBy [20]byte, refund uint64, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeRejected, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["rejectedBy"] = hex.EncodeToString(rejectedBy[:])
	evt.Attributes["refundAmount"] = strconv.FormatUint(refund, 10)
	evt.Attributes["roundsCompleted"] = strconv.FormatUint(uint64(n.CurrentRound), 10)
	return evt
}

// NewClosedEvent returns the payload emitted when the buyer reclaims a
// terminal negotiation.
func NewClosedEvent(n *Negotiation, reclaimed uint64, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeClosed, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["reclaimedAmount"] = strconv.FormatUint(reclaimed, 10)
	return evt
}

// NewZopaCommittedEvent returns the payload emitted when a party commits to
// its reservation price.
func NewZopaCommittedEvent(n *Negotiation, side OfferSide, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeZopaCommitted, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["side"] = side.String()
	evt.Attributes["zopaPhase"] = n.ZopaPhase.String()
	return evt
}

// NewZopaRevealedEvent returns the payload emitted once both reservation
// prices are revealed and overlap.
func NewZopaRevealedEvent(n *Negotiation, buyerMax, sellerMin, midpoint uint64, ts int64) *types.Event {
	evt := newNegotiationEvent(EventTypeZopaRevealed, n, ts)
	if n == nil {
		return evt
	}
	evt.Attributes["buyerMax"] = strconv.FormatUint(buyerMax, 10)
	evt.Attributes["sellerMin"] = strconv.FormatUint(sellerMin, 10)
	evt.Attributes["midpoint"] = strconv.FormatUint(midpoint, 10)
	return evt
}

// NewRegistryUpdatedEvent returns the payload emitted when the registry
// authority changes protocol configuration.
func NewRegistryUpdatedEvent(reg *Registry, field string, ts int64) *types.Event {
	attrs := map[string]string{"timestamp": strconv.FormatInt(ts, 10), "field": field}
	if reg != nil {
		attrs["treasury"] = hex.EncodeToString(reg.Treasury[:])
		attrs["paused"] = strconv.FormatBool(reg.Paused)
	}
	return &types.Event{Type: EventTypeRegistryUpdated, Attributes: attrs}
}

func newNegotiationEvent(eventType string, n *Negotiation, ts int64) *types.Event {
	evt := types.NewEvent(eventType)
	evt.Attributes["timestamp"] = strconv.FormatInt(ts, 10)
	if n == nil {
		return evt
	}
	evt.Attributes["negotiationId"] = hex.EncodeToString(n.ID[:])
	evt.Attributes["buyer"] = hex.EncodeToString(n.Buyer[:])
	evt.Attributes["seller"] = hex.EncodeToString(n.Seller[:])
	evt.Attributes["status"] = n.Status.String()
	return evt
}
