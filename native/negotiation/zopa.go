package negotiation

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ZopaCommitment returns the digest a party commits to before revealing its
// reservation price: keccak256(amount as big-endian u64 || salt).
func ZopaCommitment(amount uint64, salt [32]byte) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], amount)
	return ethcrypto.Keccak256Hash(buf[:], salt[:])
}

// CommitReservation stores a party's sealed reservation price. The buyer
// commits first, then the seller.
func (e *Engine) CommitReservation(id [32]byte, caller [20]byte, commitment [32]byte) (*Negotiation, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if !n.ZopaEnabled {
		return nil, fmt.Errorf("%w: zopa disabled for negotiation", ErrInvalidState)
	}
	if n.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot commit in status %s", ErrInvalidState, n.Status)
	}
	side, ok := n.SideOf(caller)
	if !ok {
		return nil, fmt.Errorf("%w: caller is not a party", ErrUnauthorized)
	}
	if commitment == ([32]byte{}) {
		return nil, fmt.Errorf("%w: empty commitment", ErrInvalidParams)
	}
	now := e.now()
	if now >= n.GlobalDeadline {
		return nil, ErrExpired
	}
	switch {
	case n.ZopaPhase == ZopaNotStarted && side == SideBuyer:
		n.BuyerCommitment = commitment
		n.ZopaPhase = ZopaBuyerCommitted
	case n.ZopaPhase == ZopaBuyerCommitted && side == SideSeller:
		n.SellerCommitment = commitment
		n.ZopaPhase = ZopaBothCommitted
	default:
		return nil, fmt.Errorf("%w: %s cannot commit in zopa phase %s", ErrInvalidState, side, n.ZopaPhase)
	}
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, err
	}
	e.emit(NewZopaCommittedEvent(n, side, now))
	return n.Clone(), nil
}

// RevealZopa opens both commitments. When the buyer's maximum is at least the
// seller's minimum the zone exists and its midpoint is returned; otherwise
// ErrNoZopa is returned and the commitments stay sealed.
func (e *Engine) RevealZopa(id [32]byte, buyerMax uint64, buyerSalt [32]byte, sellerMin uint64, sellerSalt [32]byte) (*Negotiation, uint64, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, 0, err
	}
	if n.Status.Terminal() || n.ZopaPhase != ZopaBothCommitted {
		return nil, 0, fmt.Errorf("%w: cannot reveal in zopa phase %s", ErrInvalidState, n.ZopaPhase)
	}
	if ZopaCommitment(buyerMax, buyerSalt) != n.BuyerCommitment {
		return nil, 0, fmt.Errorf("%w: buyer", ErrZopaCommitmentMismatch)
	}
	if ZopaCommitment(sellerMin, sellerSalt) != n.SellerCommitment {
		return nil, 0, fmt.Errorf("%w: seller", ErrZopaCommitmentMismatch)
	}
	if buyerMax < sellerMin {
		return nil, 0, ErrNoZopa
	}
	midpoint := sellerMin + (buyerMax-sellerMin)/2
	n.ZopaPhase = ZopaRevealed
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, 0, err
	}
	e.emit(NewZopaRevealedEvent(n, buyerMax, sellerMin, midpoint, e.now()))
	return n.Clone(), midpoint, nil
}
