package negotiation

import (
	"fmt"
	"time"

	"haggle/core/events"
	"haggle/core/types"
)

// Engine applies negotiation transitions against the configured state and
// broadcasts the resulting events. The engine holds no locks; callers must
// serialise transitions touching the same negotiation or registry.
type Engine struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a negotiation engine with a no-op emitter and the wall
// clock as time source.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetNowFunc overrides the time source used by the engine.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(events.Wrap(event))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ensureState() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) load(id [32]byte) (*Negotiation, error) {
	if err := e.ensureState(); err != nil {
		return nil, err
	}
	n, ok, err := e.state.NegotiationGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || n == nil {
		return nil, fmt.Errorf("%w: negotiation %x", ErrNotFound, id)
	}
	return n.Clone(), nil
}

func (e *Engine) loadRegistry() (*Registry, error) {
	if err := e.ensureState(); err != nil {
		return nil, err
	}
	reg, ok, err := e.state.RegistryGet()
	if err != nil {
		return nil, err
	}
	if !ok || reg == nil {
		return nil, fmt.Errorf("%w: registry not initialised", ErrNotFound)
	}
	return reg.Clone(), nil
}

// Registry returns a copy of the protocol registry.
func (e *Engine) Registry() (*Registry, error) { return e.loadRegistry() }

// Get returns a copy of the stored negotiation.
func (e *Engine) Get(id [32]byte) (*Negotiation, error) { return e.load(id) }

// InitRegistry creates the protocol registry. It may only run once.
func (e *Engine) InitRegistry(authority, treasury [20]byte, defaults Defaults) (*Registry, error) {
	if err := e.ensureState(); err != nil {
		return nil, err
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	_, exists, err := e.state.RegistryGet()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: registry already initialised", ErrInvalidState)
	}
	reg := &Registry{Authority: authority, Treasury: treasury, Defaults: defaults}
	if err := e.state.RegistryPut(reg); err != nil {
		return nil, err
	}
	e.emit(NewRegistryUpdatedEvent(reg, "init", e.now()))
	return reg.Clone(), nil
}

// SetPaused toggles whether new negotiations may be created. Existing
// negotiations are unaffected.
func (e *Engine) SetPaused(caller [20]byte, paused bool) error {
	reg, err := e.loadRegistry()
	if err != nil {
		return err
	}
	if caller != reg.Authority {
		return fmt.Errorf("%w: caller is not the registry authority", ErrUnauthorized)
	}
	reg.Paused = paused
	if err := e.state.RegistryPut(reg); err != nil {
		return err
	}
	e.emit(NewRegistryUpdatedEvent(reg, "paused", e.now()))
	return nil
}

// SetTreasury changes the recipient of protocol fees for future settlements.
func (e *Engine) SetTreasury(caller, treasury [20]byte) error {
	reg, err := e.loadRegistry()
	if err != nil {
		return err
	}
	if caller != reg.Authority {
		return fmt.Errorf("%w: caller is not the registry authority", ErrUnauthorized)
	}
	reg.Treasury = treasury
	if err := e.state.RegistryPut(reg); err != nil {
		return err
	}
	e.emit(NewRegistryUpdatedEvent(reg, "treasury", e.now()))
	return nil
}

// Create opens a negotiation between buyer and seller and locks the escrow
// amount in the negotiation's vault.
func (e *Engine) Create(buyer, seller [20]byte, sessionID uint64, params Params) (*Negotiation, error) {
	reg, err := e.loadRegistry()
	if err != nil {
		return nil, err
	}
	if reg.Paused {
		return nil, ErrPaused
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	token, err := NormalizeToken(params.Token)
	if err != nil {
		return nil, err
	}
	now := e.now()
	deadline, err := addI64(now, params.GlobalDeadlineOffset)
	if err != nil {
		return nil, err
	}
	id := DeriveID(buyer, seller, sessionID)
	_, exists, err := e.state.NegotiationGet(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: negotiation %x already exists", ErrInvalidState, id)
	}
	n := &Negotiation{
		ID:              id,
		Buyer:           buyer,
		Seller:          seller,
		SessionID:       sessionID,
		Status:          StatusCreated,
		OfferSide:       SideBuyer,
		ServiceHash:     params.ServiceHash,
		Token:           token,
		EscrowAmount:    params.EscrowAmount,
		EffectiveEscrow: params.EscrowAmount,
		MaxRounds:       params.MaxRounds,
		DecayRateBps:    params.DecayRateBps,
		ResponseWindow:  params.ResponseWindow,
		GlobalDeadline:  deadline,
		MinOfferBps:     params.MinOfferBps,
		ProtocolFeeBps:  params.ProtocolFeeBps,
		ZopaEnabled:     params.ZopaEnabled,
		ZopaPhase:       ZopaSkipped,
		CreatedAt:       now,
	}
	if params.ZopaEnabled {
		n.ZopaPhase = ZopaNotStarted
	}
	if err := reg.recordCreation(); err != nil {
		return nil, err
	}
	if err := e.state.Lock(buyer, VaultAddress(id), token, params.EscrowAmount); err != nil {
		return nil, err
	}
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, err
	}
	if err := e.state.RegistryPut(reg); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(n, now))
	return n.Clone(), nil
}

// AcceptInvitation lets the seller join a freshly created negotiation, opening
// the first round for the buyer.
func (e *Engine) AcceptInvitation(id [32]byte, caller [20]byte) (*Negotiation, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusCreated {
		return nil, fmt.Errorf("%w: cannot accept invitation in status %s", ErrInvalidState, n.Status)
	}
	if caller != n.Seller {
		return nil, fmt.Errorf("%w: only the seller may accept the invitation", ErrUnauthorized)
	}
	now := e.now()
	if now >= n.GlobalDeadline {
		return nil, ErrExpired
	}
	n.Status = StatusProposed
	n.LastOfferAt = now
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, err
	}
	e.emit(NewInvitationAcceptedEvent(n, now))
	return n.Clone(), nil
}

// SubmitOffer records a new offer from the party whose turn it is. The escrow
// ceiling decays before the offer is bounded against it.
func (e *Engine) SubmitOffer(id [32]byte, caller [20]byte, amount uint64, metadata [MetadataSize]byte) (*Negotiation, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if !n.Status.Negotiating() {
		return nil, fmt.Errorf("%w: cannot offer in status %s", ErrInvalidState, n.Status)
	}
	side, ok := n.SideOf(caller)
	if !ok {
		return nil, fmt.Errorf("%w: caller is not a party", ErrUnauthorized)
	}
	if n.CurrentRound > 0 && side == n.OfferSide {
		return nil, ErrNotYourTurn
	}
	now := e.now()
	if now >= n.GlobalDeadline {
		return nil, ErrExpired
	}
	if n.LastOfferAt > 0 {
		windowEnd, err := addI64(n.LastOfferAt, n.ResponseWindow)
		if err != nil {
			return nil, err
		}
		if now >= windowEnd {
			return nil, ErrResponseWindowExpired
		}
	}
	if n.CurrentRound >= n.MaxRounds {
		return nil, ErrMaxRoundsReached
	}

	decay, err := applyBps(n.EffectiveEscrow, n.DecayRateBps)
	if err != nil {
		return nil, err
	}
	effective, err := subU64(n.EffectiveEscrow, decay)
	if err != nil {
		return nil, err
	}
	minOffer, err := applyBps(effective, n.MinOfferBps)
	if err != nil {
		return nil, err
	}
	if amount < minOffer {
		return nil, fmt.Errorf("%w: %d below minimum %d", ErrOfferTooLow, amount, minOffer)
	}
	if amount > effective {
		return nil, fmt.Errorf("%w: %d above effective escrow %d", ErrOfferExceedsEscrow, amount, effective)
	}
	round, err := incU8(n.CurrentRound)
	if err != nil {
		return nil, err
	}

	n.EffectiveEscrow = effective
	n.CurrentOfferAmount = amount
	n.CurrentOfferBy = caller
	n.OfferSide = side
	n.CurrentRound = round
	n.LastOfferAt = now
	n.Metadata = metadata
	if side == SideSeller {
		n.Status = StatusCountered
	} else {
		n.Status = StatusProposed
	}
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, err
	}
	e.emit(NewOfferSubmittedEvent(n, now))
	return n.Clone(), nil
}

// Accept settles the negotiation at the pending offer. The seller receives the
// offer less the protocol fee, the treasury the fee and the buyer everything
// else left in the vault.
func (e *Engine) Accept(id [32]byte, caller [20]byte) (*Negotiation, Settlement, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, Settlement{}, err
	}
	if !n.Status.Negotiating() {
		return nil, Settlement{}, fmt.Errorf("%w: cannot accept in status %s", ErrInvalidState, n.Status)
	}
	if _, ok := n.SideOf(caller); !ok {
		return nil, Settlement{}, fmt.Errorf("%w: caller is not a party", ErrUnauthorized)
	}
	if n.CurrentRound == 0 {
		return nil, Settlement{}, fmt.Errorf("%w: no pending offer", ErrInvalidState)
	}
	if caller == n.CurrentOfferBy {
		return nil, Settlement{}, fmt.Errorf("%w: cannot accept own offer", ErrUnauthorized)
	}
	now := e.now()
	if now >= n.GlobalDeadline {
		return nil, Settlement{}, ErrExpired
	}
	reg, err := e.loadRegistry()
	if err != nil {
		return nil, Settlement{}, err
	}
	auth := authorityFor(n)
	balance, err := e.state.VaultBalance(auth.Vault(), n.Token)
	if err != nil {
		return nil, Settlement{}, err
	}
	settlement, err := ComputeSettlement(n, balance)
	if err != nil {
		return nil, Settlement{}, err
	}
	if err := reg.recordSettlement(settlement.SettledAmount, settlement.ProtocolFee); err != nil {
		return nil, Settlement{}, err
	}
	if err := e.state.Disburse(auth, n.Token, settlement.Payouts(n.Seller, reg.Treasury, n.Buyer)); err != nil {
		return nil, Settlement{}, err
	}
	n.Status = StatusSettled
	n.SettledAmount = settlement.SettledAmount
	n.SettledAt = now
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, Settlement{}, err
	}
	if err := e.state.RegistryPut(reg); err != nil {
		return nil, Settlement{}, err
	}
	e.emit(NewSettledEvent(n, settlement, now))
	return n.Clone(), settlement, nil
}

// Reject ends the negotiation without agreement and refunds the vault to the
// buyer. While an offer is pending only its recipient may reject it.
func (e *Engine) Reject(id [32]byte, caller [20]byte) (*Negotiation, uint64, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, 0, err
	}
	if n.Status != StatusCreated && !n.Status.Negotiating() {
		return nil, 0, fmt.Errorf("%w: cannot reject in status %s", ErrInvalidState, n.Status)
	}
	if _, ok := n.SideOf(caller); !ok {
		return nil, 0, fmt.Errorf("%w: caller is not a party", ErrUnauthorized)
	}
	if n.CurrentRound > 0 && caller == n.CurrentOfferBy {
		return nil, 0, fmt.Errorf("%w: cannot reject own offer", ErrUnauthorized)
	}
	now := e.now()
	if now >= n.GlobalDeadline {
		return nil, 0, ErrExpired
	}
	refund, err := e.refundBuyer(n)
	if err != nil {
		return nil, 0, err
	}
	n.Status = StatusRejected
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, 0, err
	}
	e.emit(NewRejectedEvent(n, caller, refund, now))
	return n.Clone(), refund, nil
}

// Expire refunds the buyer once the global deadline has passed. Anyone may
// call it; the caller is only recorded in the event.
func (e *Engine) Expire(id [32]byte, caller [20]byte) (*Negotiation, uint64, error) {
	n, err := e.load(id)
	if err != nil {
		return nil, 0, err
	}
	if n.Status != StatusCreated && !n.Status.Negotiating() {
		return nil, 0, fmt.Errorf("%w: cannot expire in status %s", ErrInvalidState, n.Status)
	}
	now := e.now()
	if now < n.GlobalDeadline {
		return nil, 0, fmt.Errorf("%w: deadline not reached", ErrInvalidState)
	}
	refund, err := e.refundBuyer(n)
	if err != nil {
		return nil, 0, err
	}
	n.Status = StatusExpired
	if err := e.state.NegotiationPut(n); err != nil {
		return nil, 0, err
	}
	e.emit(NewExpiredEvent(n, caller, refund, now))
	return n.Clone(), refund, nil
}

// Close tears down a terminal negotiation. Any residual vault balance goes to
// the buyer and the record is removed.
func (e *Engine) Close(id [32]byte, caller [20]byte) (uint64, error) {
	n, err := e.load(id)
	if err != nil {
		return 0, err
	}
	if caller != n.Buyer {
		return 0, fmt.Errorf("%w: only the buyer may close", ErrUnauthorized)
	}
	if !n.Status.Terminal() {
		return 0, fmt.Errorf("%w: cannot close in status %s", ErrInvalidState, n.Status)
	}
	reclaimed, err := e.state.ReleaseVault(authorityFor(n), n.Token, n.Buyer)
	if err != nil {
		return 0, err
	}
	if err := e.state.NegotiationDelete(n.ID); err != nil {
		return 0, err
	}
	e.emit(NewClosedEvent(n, reclaimed, e.now()))
	return reclaimed, nil
}

func (e *Engine) refundBuyer(n *Negotiation) (uint64, error) {
	auth := authorityFor(n)
	balance, err := e.state.VaultBalance(auth.Vault(), n.Token)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, nil
	}
	if err := e.state.Disburse(auth, n.Token, []Payout{{To: n.Buyer, Amount: balance}}); err != nil {
		return 0, err
	}
	return balance, nil
}
