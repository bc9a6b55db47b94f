package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"haggle/native/negotiation"
)

var (
	// ErrInsufficientBalance is returned when an account cannot cover a debit.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrInvalidAuthority is returned when a vault movement lacks the vault's
	// signing capability.
	ErrInvalidAuthority = errors.New("state: invalid vault authority")
)

func normalizeToken(token string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return "", fmt.Errorf("state: token symbol must not be empty")
	}
	return normalized, nil
}

func (t *Txn) balance(addr [20]byte, token string) (*uint256.Int, error) {
	amount := new(uint256.Int)
	if _, err := t.getRLP(BalanceKey(addr, token), amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (t *Txn) setBalance(addr [20]byte, token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return t.del(BalanceKey(addr, token))
	}
	return t.putRLP(BalanceKey(addr, token), amount)
}

func (t *Txn) credit(addr [20]byte, token string, amount uint64) error {
	current, err := t.balance(addr, token)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, uint256.NewInt(amount))
	if overflow {
		return fmt.Errorf("state: balance overflow")
	}
	return t.setBalance(addr, token, next)
}

func (t *Txn) debit(addr [20]byte, token string, amount uint64) error {
	current, err := t.balance(addr, token)
	if err != nil {
		return err
	}
	next, underflow := new(uint256.Int).SubOverflow(current, uint256.NewInt(amount))
	if underflow {
		return fmt.Errorf("%w: %x holds %s %s, needs %d", ErrInsufficientBalance, addr, current.Dec(), token, amount)
	}
	return t.setBalance(addr, token, next)
}

// Balance returns the token balance held by addr.
func (t *Txn) Balance(addr [20]byte, token string) (*uint256.Int, error) {
	normalized, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	return t.balance(addr, normalized)
}

// Mint credits freshly issued tokens to addr. It backs the genesis allocation
// and the development faucet.
func (t *Txn) Mint(addr [20]byte, token string, amount uint64) error {
	normalized, err := normalizeToken(token)
	if err != nil {
		return err
	}
	return t.credit(addr, normalized, amount)
}

// Transfer moves value between two ordinary accounts.
func (t *Txn) Transfer(from, to [20]byte, token string, amount uint64) error {
	normalized, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if err := t.debit(from, normalized, amount); err != nil {
		return err
	}
	return t.credit(to, normalized, amount)
}

// Lock moves the escrow amount from the payer into a negotiation vault.
func (t *Txn) Lock(payer, vault [20]byte, token string, amount uint64) error {
	return t.Transfer(payer, vault, token, amount)
}

// VaultBalance returns the balance held by a negotiation vault. Vault balances
// always fit the 64-bit amounts negotiations operate on.
func (t *Txn) VaultBalance(vault [20]byte, token string) (uint64, error) {
	amount, err := t.Balance(vault, token)
	if err != nil {
		return 0, err
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("state: vault %x balance exceeds 64 bits", vault)
	}
	return amount.Uint64(), nil
}

// Disburse pays out of the vault named by auth. Either every payout is applied
// or, on error, the caller's transaction is abandoned.
func (t *Txn) Disburse(auth negotiation.VaultAuthority, token string, payouts []negotiation.Payout) error {
	if !auth.Valid() {
		return ErrInvalidAuthority
	}
	normalized, err := normalizeToken(token)
	if err != nil {
		return err
	}
	total := new(uint256.Int)
	for _, p := range payouts {
		if _, overflow := total.AddOverflow(total, uint256.NewInt(p.Amount)); overflow {
			return fmt.Errorf("state: payout total overflow")
		}
	}
	available, err := t.balance(auth.Vault(), normalized)
	if err != nil {
		return err
	}
	if available.Lt(total) {
		return fmt.Errorf("%w: vault %x holds %s, payouts need %s", ErrInsufficientBalance, auth.Vault(), available.Dec(), total.Dec())
	}
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		if err := t.debit(auth.Vault(), normalized, p.Amount); err != nil {
			return err
		}
		if err := t.credit(p.To, normalized, p.Amount); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseVault sweeps whatever remains in the vault to recipient and returns
// the amount moved.
func (t *Txn) ReleaseVault(auth negotiation.VaultAuthority, token string, recipient [20]byte) (uint64, error) {
	if !auth.Valid() {
		return 0, ErrInvalidAuthority
	}
	remaining, err := t.VaultBalance(auth.Vault(), token)
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		return 0, nil
	}
	if err := t.Disburse(auth, token, []negotiation.Payout{{To: recipient, Amount: remaining}}); err != nil {
		return 0, err
	}
	return remaining, nil
}

var _ negotiation.State = (*Txn)(nil)
