package negotiation

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of a negotiation.
type Status uint8

const (
	StatusCreated Status = iota
	StatusProposed
	StatusCountered
	// StatusAccepted is reserved. Acceptance settles in the same transition so
	// no record is ever stored in this state.
	StatusAccepted
	StatusSettled
	StatusExpired
	StatusRejected
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusProposed, StatusCountered, StatusAccepted, StatusSettled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further negotiation transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired || s == StatusRejected
}

// Negotiating reports whether an offer may be submitted, accepted or rejected.
func (s Status) Negotiating() bool {
	return s == StatusProposed || s == StatusCountered
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusProposed:
		return "proposed"
	case StatusCountered:
		return "countered"
	case StatusAccepted:
		return "accepted"
	case StatusSettled:
		return "settled"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts the textual representation back into a Status.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return StatusCreated, nil
	case "proposed":
		return StatusProposed, nil
	case "countered":
		return StatusCountered, nil
	case "accepted":
		return StatusAccepted, nil
	case "settled":
		return StatusSettled, nil
	case "expired":
		return StatusExpired, nil
	case "rejected":
		return StatusRejected, nil
	default:
		return 0, fmt.Errorf("negotiation: unknown status %q", raw)
	}
}

// OfferSide identifies which party authored the pending offer.
type OfferSide uint8

const (
	SideBuyer OfferSide = iota
	SideSeller
)

// Opposite returns the side expected to move next.
func (s OfferSide) Opposite() OfferSide {
	if s == SideBuyer {
		return SideSeller
	}
	return SideBuyer
}

func (s OfferSide) String() string {
	switch s {
	case SideBuyer:
		return "buyer"
	case SideSeller:
		return "seller"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ZopaPhase tracks the optional zone-of-possible-agreement commit/reveal
// sub-protocol.
type ZopaPhase uint8

const (
	ZopaNotStarted ZopaPhase = iota
	ZopaBuyerCommitted
	ZopaBothCommitted
	ZopaRevealed
	ZopaSkipped
)

func (p ZopaPhase) String() string {
	switch p {
	case ZopaNotStarted:
		return "not_started"
	case ZopaBuyerCommitted:
		return "buyer_committed"
	case ZopaBothCommitted:
		return "both_committed"
	case ZopaRevealed:
		return "revealed"
	case ZopaSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("zopa(%d)", uint8(p))
	}
}

// MetadataSize is the fixed length of the payload attached to each offer.
const MetadataSize = 64

// Negotiation is the authoritative record of a single negotiation instance.
// Amounts are expressed in the minor units of Token and timestamps in unix
// seconds.
type Negotiation struct {
	ID        [32]byte
	Buyer     [20]byte
	Seller    [20]byte
	SessionID uint64

	Status       Status
	CurrentRound uint8

	CurrentOfferAmount uint64
	CurrentOfferBy     [20]byte
	OfferSide          OfferSide
	ServiceHash        [32]byte

	Token           string
	EscrowAmount    uint64
	EffectiveEscrow uint64

	MaxRounds      uint8
	DecayRateBps   uint16
	ResponseWindow int64
	GlobalDeadline int64
	MinOfferBps    uint16
	ProtocolFeeBps uint16

	ZopaEnabled      bool
	BuyerCommitment  [32]byte
	SellerCommitment [32]byte
	ZopaPhase        ZopaPhase

	CreatedAt   int64
	LastOfferAt int64
	SettledAt   int64

	SettledAmount uint64
	Metadata      [MetadataSize]byte
}

// Clone returns a copy of the negotiation. All fields are values so a shallow
// copy is sufficient.
func (n *Negotiation) Clone() *Negotiation {
	if n == nil {
		return nil
	}
	clone := *n
	return &clone
}

// IsTerminal reports whether the negotiation reached Settled, Expired or
// Rejected.
func (n *Negotiation) IsTerminal() bool {
	return n != nil && n.Status.Terminal()
}

// SideOf resolves the side of the supplied caller. The boolean is false when
// the caller is neither party.
func (n *Negotiation) SideOf(caller [20]byte) (OfferSide, bool) {
	if n == nil {
		return 0, false
	}
	switch caller {
	case n.Buyer:
		return SideBuyer, true
	case n.Seller:
		return SideSeller, true
	default:
		return 0, false
	}
}

// IsMyTurn reports whether caller may submit the next offer. Either party may
// open the first round.
func (n *Negotiation) IsMyTurn(caller [20]byte) bool {
	if n == nil || !n.Status.Negotiating() {
		return false
	}
	side, ok := n.SideOf(caller)
	if !ok {
		return false
	}
	if n.CurrentRound == 0 {
		return true
	}
	return side != n.OfferSide
}

// EscrowDecayTotal returns the value shaved off the escrow ceiling so far.
func (n *Negotiation) EscrowDecayTotal() (uint64, error) {
	return subU64(n.EscrowAmount, n.EffectiveEscrow)
}

// Params captures the negotiation parameters supplied at creation.
type Params struct {
	Token                string
	EscrowAmount         uint64
	ServiceHash          [32]byte
	MaxRounds            uint8
	DecayRateBps         uint16
	ResponseWindow       int64
	GlobalDeadlineOffset int64
	MinOfferBps          uint16
	ProtocolFeeBps       uint16
	ZopaEnabled          bool
}

const (
	MaxRoundsLimit          = 20
	MaxDecayRateBps         = 1_000
	MinResponseWindow int64 = 60
	MinDeadlineOffset int64 = 300
	MinEscrowAmount         = 100_000
	MinOfferBpsFloor        = 100
	BpsDenominator          = 10_000
	MaxProtocolFeeBps       = 500
)

// Validate enforces the creation-time parameter bounds.
func (p Params) Validate() error {
	if p.MaxRounds == 0 || p.MaxRounds > MaxRoundsLimit {
		return fmt.Errorf("%w: max rounds must be within 1..%d", ErrInvalidParams, MaxRoundsLimit)
	}
	if p.DecayRateBps > MaxDecayRateBps {
		return fmt.Errorf("%w: decay rate exceeds %d bps", ErrInvalidParams, MaxDecayRateBps)
	}
	if p.ResponseWindow < MinResponseWindow {
		return fmt.Errorf("%w: response window below %d seconds", ErrInvalidParams, MinResponseWindow)
	}
	if p.GlobalDeadlineOffset < MinDeadlineOffset {
		return fmt.Errorf("%w: deadline offset below %d seconds", ErrInvalidParams, MinDeadlineOffset)
	}
	if p.EscrowAmount < MinEscrowAmount {
		return fmt.Errorf("%w: escrow amount below %d", ErrInvalidParams, MinEscrowAmount)
	}
	if p.MinOfferBps < MinOfferBpsFloor || p.MinOfferBps > BpsDenominator {
		return fmt.Errorf("%w: min offer bps must be within %d..%d", ErrInvalidParams, MinOfferBpsFloor, BpsDenominator)
	}
	if p.ProtocolFeeBps > MaxProtocolFeeBps {
		return fmt.Errorf("%w: protocol fee exceeds %d bps", ErrInvalidParams, MaxProtocolFeeBps)
	}
	if _, err := NormalizeToken(p.Token); err != nil {
		return err
	}
	return nil
}

// NormalizeToken trims and upper-cases the asset symbol. Symbols are limited to
// 2..12 alphanumeric characters.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if len(trimmed) < 2 || len(trimmed) > 12 {
		return "", fmt.Errorf("%w: unsupported token %q", ErrInvalidParams, symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: unsupported token %q", ErrInvalidParams, symbol)
		}
	}
	return trimmed, nil
}
