package negotiation

// VaultAuthority is the signing capability of a negotiation's vault. Values can
// only be minted inside this package, by settlement, rejection, expiry and
// close transitions; ledgers must refuse to move vault funds without a valid
// one.
type VaultAuthority struct {
	negotiation [32]byte
	vault       [20]byte
	sealed      bool
}

func authorityFor(n *Negotiation) VaultAuthority {
	return VaultAuthority{negotiation: n.ID, vault: VaultAddress(n.ID), sealed: true}
}

// Valid reports whether the authority was minted by the engine.
func (a VaultAuthority) Valid() bool { return a.sealed && a.vault == VaultAddress(a.negotiation) }

// Vault returns the custody address the authority may debit.
func (a VaultAuthority) Vault() [20]byte { return a.vault }

// Negotiation returns the identifier of the negotiation owning the vault.
func (a VaultAuthority) Negotiation() [32]byte { return a.negotiation }

// Payout is a single outgoing vault transfer.
type Payout struct {
	To     [20]byte
	Amount uint64
}

// Ledger is the custody collaborator moving value in and out of negotiation
// vaults. Disburse must apply every payout or none of them.
type Ledger interface {
	Lock(payer, vault [20]byte, token string, amount uint64) error
	Disburse(auth VaultAuthority, token string, payouts []Payout) error
	VaultBalance(vault [20]byte, token string) (uint64, error)
	ReleaseVault(auth VaultAuthority, token string, recipient [20]byte) (uint64, error)
}

// Store persists negotiation records and the protocol registry.
type Store interface {
	NegotiationGet(id [32]byte) (*Negotiation, bool, error)
	NegotiationPut(n *Negotiation) error
	NegotiationDelete(id [32]byte) error
	RegistryGet() (*Registry, bool, error)
	RegistryPut(reg *Registry) error
}

// State bundles the collaborators required by the engine. Implementations are
// expected to stage writes so that a failed transition leaves no trace.
type State interface {
	Store
	Ledger
}
