package negotiation

import "fmt"

// Settlement is the distribution of a vault when the pending offer is
// accepted. SellerPayout + ProtocolFee + BuyerRefund always equals
// VaultBalance.
type Settlement struct {
	SettledAmount    uint64
	ProtocolFee      uint64
	SellerPayout     uint64
	BuyerRefund      uint64
	VaultBalance     uint64
	EscrowDecayTotal uint64
}

// ComputeSettlement derives the payout split for accepting the pending offer of
// n against the actual vault balance. Decayed-away value and rounding
// remainders flow back to the buyer.
func ComputeSettlement(n *Negotiation, vaultBalance uint64) (Settlement, error) {
	if n == nil {
		return Settlement{}, fmt.Errorf("%w: nil negotiation", ErrInvalidParams)
	}
	settled := n.CurrentOfferAmount
	fee, err := applyBps(settled, n.ProtocolFeeBps)
	if err != nil {
		return Settlement{}, err
	}
	payout, err := subU64(settled, fee)
	if err != nil {
		return Settlement{}, err
	}
	refund, err := subU64(vaultBalance, settled)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: vault balance %d below settled amount %d", ErrOverflow, vaultBalance, settled)
	}
	decay, err := n.EscrowDecayTotal()
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{
		SettledAmount:    settled,
		ProtocolFee:      fee,
		SellerPayout:     payout,
		BuyerRefund:      refund,
		VaultBalance:     vaultBalance,
		EscrowDecayTotal: decay,
	}, nil
}

// Payouts returns the non-zero transfers out of the vault.
func (s Settlement) Payouts(seller, treasury, buyer [20]byte) []Payout {
	payouts := make([]Payout, 0, 3)
	if s.SellerPayout > 0 {
		payouts = append(payouts, Payout{To: seller, Amount: s.SellerPayout})
	}
	if s.ProtocolFee > 0 {
		payouts = append(payouts, Payout{To: treasury, Amount: s.ProtocolFee})
	}
	if s.BuyerRefund > 0 {
		payouts = append(payouts, Payout{To: buyer, Amount: s.BuyerRefund})
	}
	return payouts
}
