package negotiation

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"haggle/core/events"
	"haggle/core/types"
)

type balanceKey struct {
	addr  [20]byte
	token string
}

type mockState struct {
	negotiations map[[32]byte]*Negotiation
	registry     *Registry
	balances     map[balanceKey]uint64
	failDisburse error
}

func newMockState() *mockState {
	return &mockState{
		negotiations: make(map[[32]byte]*Negotiation),
		balances:     make(map[balanceKey]uint64),
	}
}

func (m *mockState) NegotiationGet(id [32]byte) (*Negotiation, bool, error) {
	n, ok := m.negotiations[id]
	if !ok {
		return nil, false, nil
	}
	return n.Clone(), true, nil
}

func (m *mockState) NegotiationPut(n *Negotiation) error {
	m.negotiations[n.ID] = n.Clone()
	return nil
}

func (m *mockState) NegotiationDelete(id [32]byte) error {
	delete(m.negotiations, id)
	return nil
}

func (m *mockState) RegistryGet() (*Registry, bool, error) {
	if m.registry == nil {
		return nil, false, nil
	}
	return m.registry.Clone(), true, nil
}

func (m *mockState) RegistryPut(reg *Registry) error {
	m.registry = reg.Clone()
	return nil
}

func (m *mockState) Lock(payer, vault [20]byte, token string, amount uint64) error {
	from := balanceKey{payer, token}
	if m.balances[from] < amount {
		return fmt.Errorf("insufficient balance")
	}
	m.balances[from] -= amount
	m.balances[balanceKey{vault, token}] += amount
	return nil
}

func (m *mockState) Disburse(auth VaultAuthority, token string, payouts []Payout) error {
	if !auth.Valid() {
		return fmt.Errorf("invalid authority")
	}
	if m.failDisburse != nil {
		return m.failDisburse
	}
	vault := balanceKey{auth.Vault(), token}
	var total uint64
	for _, p := range payouts {
		total += p.Amount
	}
	if m.balances[vault] < total {
		return fmt.Errorf("vault underfunded")
	}
	for _, p := range payouts {
		m.balances[vault] -= p.Amount
		m.balances[balanceKey{p.To, token}] += p.Amount
	}
	return nil
}

func (m *mockState) VaultBalance(vault [20]byte, token string) (uint64, error) {
	return m.balances[balanceKey{vault, token}], nil
}

func (m *mockState) ReleaseVault(auth VaultAuthority, token string, recipient [20]byte) (uint64, error) {
	if !auth.Valid() {
		return 0, fmt.Errorf("invalid authority")
	}
	vault := balanceKey{auth.Vault(), token}
	amount := m.balances[vault]
	delete(m.balances, vault)
	m.balances[balanceKey{recipient, token}] += amount
	return amount, nil
}

func (m *mockState) balance(addr [20]byte) uint64 {
	return m.balances[balanceKey{addr, testToken}]
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	if payload, ok := events.Unwrap(evt); ok {
		c.events = append(c.events, payload)
	}
}

func (c *capturingEmitter) last() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

const testToken = "USDC"

var (
	buyerAddr    = newTestAddress(0x01)
	sellerAddr   = newTestAddress(0x02)
	treasuryAddr = newTestAddress(0x03)
	authAddr     = newTestAddress(0x04)
	strangerAddr = newTestAddress(0x05)
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testClock struct{ now int64 }

func (c *testClock) Now() int64 { return c.now }

func newTestEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter, *testClock) {
	t.Helper()
	state := newMockState()
	state.balances[balanceKey{buyerAddr, testToken}] = 10_000_000
	emitter := &capturingEmitter{}
	clock := &testClock{now: 1_700_000_000}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(clock.Now)
	if _, err := engine.InitRegistry(authAddr, treasuryAddr, Defaults{DecayRateBps: 500, ResponseWindow: 3600, ProtocolFeeBps: 250, MaxRounds: 10}); err != nil {
		t.Fatalf("init registry: %v", err)
	}
	return engine, state, emitter, clock
}

func defaultParams() Params {
	return Params{
		Token:                testToken,
		EscrowAmount:         1_000_000,
		ServiceHash:          ServiceHash("logo design"),
		MaxRounds:            10,
		DecayRateBps:         500,
		ResponseWindow:       3600,
		GlobalDeadlineOffset: 86_400,
		MinOfferBps:          200,
		ProtocolFeeBps:       250,
	}
}

func mustCreate(t *testing.T, engine *Engine, params Params) *Negotiation {
	t.Helper()
	n, err := engine.Create(buyerAddr, sellerAddr, 1, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

func mustOpen(t *testing.T, engine *Engine, params Params) *Negotiation {
	t.Helper()
	n := mustCreate(t, engine, params)
	n, err := engine.AcceptInvitation(n.ID, sellerAddr)
	if err != nil {
		t.Fatalf("accept invitation: %v", err)
	}
	return n
}

func mustOffer(t *testing.T, engine *Engine, id [32]byte, caller [20]byte, amount uint64) *Negotiation {
	t.Helper()
	n, err := engine.SubmitOffer(id, caller, amount, [MetadataSize]byte{})
	if err != nil {
		t.Fatalf("offer %d: %v", amount, err)
	}
	return n
}

func TestCreatePostconditions(t *testing.T) {
	engine, state, emitter, clock := newTestEngine(t)
	params := defaultParams()
	n := mustCreate(t, engine, params)

	if n.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", n.Status)
	}
	if n.EffectiveEscrow != n.EscrowAmount || n.EscrowAmount != params.EscrowAmount {
		t.Fatalf("effective escrow %d != escrow %d", n.EffectiveEscrow, n.EscrowAmount)
	}
	if n.CurrentRound != 0 || n.OfferSide != SideBuyer {
		t.Fatalf("unexpected round state: round=%d side=%s", n.CurrentRound, n.OfferSide)
	}
	if n.GlobalDeadline != clock.now+params.GlobalDeadlineOffset {
		t.Fatalf("unexpected deadline %d", n.GlobalDeadline)
	}
	if n.ID != DeriveID(buyerAddr, sellerAddr, 1) {
		t.Fatalf("unexpected id")
	}
	if n.ZopaPhase != ZopaSkipped {
		t.Fatalf("expected zopa skipped, got %s", n.ZopaPhase)
	}
	if got := state.balances[balanceKey{VaultAddress(n.ID), testToken}]; got != params.EscrowAmount {
		t.Fatalf("vault balance %d, want %d", got, params.EscrowAmount)
	}
	if got := state.balance(buyerAddr); got != 9_000_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if state.registry.TotalNegotiations != 1 {
		t.Fatalf("expected registry counter 1, got %d", state.registry.TotalNegotiations)
	}
	evt := emitter.last()
	if evt == nil || evt.Type != EventTypeCreated {
		t.Fatalf("expected created event, got %+v", evt)
	}
	if evt.Attributes["escrowAmount"] != "1000000" {
		t.Fatalf("unexpected escrow attribute %q", evt.Attributes["escrowAmount"])
	}
}

func TestCreateValidations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero rounds", func(p *Params) { p.MaxRounds = 0 }},
		{"too many rounds", func(p *Params) { p.MaxRounds = 21 }},
		{"decay too high", func(p *Params) { p.DecayRateBps = 1001 }},
		{"short window", func(p *Params) { p.ResponseWindow = 59 }},
		{"short deadline", func(p *Params) { p.GlobalDeadlineOffset = 299 }},
		{"small escrow", func(p *Params) { p.EscrowAmount = 99_999 }},
		{"min offer floor", func(p *Params) { p.MinOfferBps = 99 }},
		{"min offer ceiling", func(p *Params) { p.MinOfferBps = 10_001 }},
		{"fee too high", func(p *Params) { p.ProtocolFeeBps = 501 }},
		{"bad token", func(p *Params) { p.Token = "u$d" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, state, emitter, _ := newTestEngine(t)
			params := defaultParams()
			tc.mutate(&params)
			before := len(emitter.events)
			if _, err := engine.Create(buyerAddr, sellerAddr, 1, params); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
			if len(state.negotiations) != 0 {
				t.Fatalf("negotiation stored after failed create")
			}
			if state.balance(buyerAddr) != 10_000_000 {
				t.Fatalf("buyer funds moved after failed create")
			}
			if state.registry.TotalNegotiations != 0 {
				t.Fatalf("registry counter moved after failed create")
			}
			if len(emitter.events) != before {
				t.Fatalf("event emitted after failed create")
			}
		})
	}
}

func TestCreateBoundaryParameters(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	params := Params{
		Token:                testToken,
		EscrowAmount:         MinEscrowAmount,
		MaxRounds:            MaxRoundsLimit,
		DecayRateBps:         MaxDecayRateBps,
		ResponseWindow:       MinResponseWindow,
		GlobalDeadlineOffset: MinDeadlineOffset,
		MinOfferBps:          BpsDenominator,
		ProtocolFeeBps:       MaxProtocolFeeBps,
	}
	if _, err := engine.Create(buyerAddr, sellerAddr, 7, params); err != nil {
		t.Fatalf("boundary params rejected: %v", err)
	}
}

func TestCreateRejectsDuplicateAndPaused(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	mustCreate(t, engine, defaultParams())
	if _, err := engine.Create(buyerAddr, sellerAddr, 1, defaultParams()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate, got %v", err)
	}
	if _, err := engine.Create(buyerAddr, sellerAddr, 2, defaultParams()); err != nil {
		t.Fatalf("distinct session should succeed: %v", err)
	}
	if err := engine.SetPaused(strangerAddr, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetPaused(authAddr, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := engine.Create(buyerAddr, sellerAddr, 3, defaultParams()); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestCreateInsufficientFundsLeavesNoState(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	params := defaultParams()
	params.EscrowAmount = 20_000_000
	if _, err := engine.Create(buyerAddr, sellerAddr, 1, params); err == nil {
		t.Fatalf("expected insufficient funds error")
	}
	if len(state.negotiations) != 0 || state.registry.TotalNegotiations != 0 {
		t.Fatalf("state mutated after failed lock")
	}
}

func TestCreateDeadlineOverflow(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	clock.now = 1<<63 - 100
	if _, err := engine.Create(buyerAddr, sellerAddr, 1, defaultParams()); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestAcceptInvitation(t *testing.T) {
	engine, _, emitter, clock := newTestEngine(t)
	n := mustCreate(t, engine, defaultParams())

	if _, err := engine.AcceptInvitation(n.ID, buyerAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	clock.now += 10
	updated, err := engine.AcceptInvitation(n.ID, sellerAddr)
	if err != nil {
		t.Fatalf("accept invitation: %v", err)
	}
	if updated.Status != StatusProposed || updated.LastOfferAt != clock.now {
		t.Fatalf("unexpected record %+v", updated)
	}
	if emitter.last().Type != EventTypeInvitationAccepted {
		t.Fatalf("expected invitation event")
	}
	if _, err := engine.AcceptInvitation(n.ID, sellerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat, got %v", err)
	}
}

func TestAcceptInvitationAfterDeadline(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	n := mustCreate(t, engine, defaultParams())
	clock.now = n.GlobalDeadline
	if _, err := engine.AcceptInvitation(n.ID, sellerAddr); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestOfferBeforeInvitationAccepted(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	n := mustCreate(t, engine, defaultParams())
	if _, err := engine.SubmitOffer(n.ID, buyerAddr, 500_000, [MetadataSize]byte{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDecayScenario(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())

	if _, err := engine.SubmitOffer(n.ID, buyerAddr, 10_000, [MetadataSize]byte{}); !errors.Is(err, ErrOfferTooLow) {
		t.Fatalf("expected ErrOfferTooLow, got %v", err)
	}
	if _, err := engine.SubmitOffer(n.ID, buyerAddr, 950_001, [MetadataSize]byte{}); !errors.Is(err, ErrOfferExceedsEscrow) {
		t.Fatalf("expected ErrOfferExceedsEscrow, got %v", err)
	}
	stored := state.negotiations[n.ID]
	if stored.EffectiveEscrow != 1_000_000 || stored.CurrentRound != 0 {
		t.Fatalf("failed offers mutated record: %+v", stored)
	}
	if _, err := engine.SubmitOffer(n.ID, buyerAddr, 18_999, [MetadataSize]byte{}); !errors.Is(err, ErrOfferTooLow) {
		t.Fatalf("expected ErrOfferTooLow just below minimum, got %v", err)
	}
	updated := mustOffer(t, engine, n.ID, buyerAddr, 19_000)
	if updated.EffectiveEscrow != 950_000 {
		t.Fatalf("effective escrow %d, want 950000", updated.EffectiveEscrow)
	}
	if updated.CurrentRound != 1 || updated.Status != StatusProposed || updated.CurrentOfferBy != buyerAddr {
		t.Fatalf("unexpected record after offer: %+v", updated)
	}
}

func TestOfferAtEffectiveEscrowCeiling(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	updated := mustOffer(t, engine, n.ID, buyerAddr, 950_000)
	if updated.CurrentOfferAmount != 950_000 {
		t.Fatalf("unexpected offer amount %d", updated.CurrentOfferAmount)
	}
}

func TestStrictAlternation(t *testing.T) {
	engine, _, emitter, clock := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())

	sides := []OfferSide{}
	callers := [][20]byte{buyerAddr, sellerAddr, buyerAddr, sellerAddr}
	amounts := []uint64{400_000, 800_000, 450_000, 700_000}
	for i, caller := range callers {
		clock.now += 5
		updated := mustOffer(t, engine, n.ID, caller, amounts[i])
		sides = append(sides, updated.OfferSide)
		if _, err := engine.SubmitOffer(n.ID, caller, amounts[i], [MetadataSize]byte{}); !errors.Is(err, ErrNotYourTurn) {
			t.Fatalf("round %d: expected ErrNotYourTurn, got %v", i+1, err)
		}
	}
	for i := 1; i < len(sides); i++ {
		if sides[i] == sides[i-1] {
			t.Fatalf("offer sides did not alternate: %v", sides)
		}
	}
	offers := 0
	for _, evt := range emitter.events {
		if evt.Type == EventTypeOfferSubmitted {
			offers++
		}
	}
	if offers != len(callers) {
		t.Fatalf("expected %d offer events, got %d", len(callers), offers)
	}
}

func TestSellerMayOpenFirstRound(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	updated := mustOffer(t, engine, n.ID, sellerAddr, 900_000)
	if updated.Status != StatusCountered || updated.OfferSide != SideSeller {
		t.Fatalf("unexpected record %+v", updated)
	}
}

func TestOfferRejectsStranger(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	if _, err := engine.SubmitOffer(n.ID, strangerAddr, 500_000, [MetadataSize]byte{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDecayMonotonicity(t *testing.T) {
	engine, _, _, clock := newTestEngine(t)
	params := defaultParams()
	params.MaxRounds = 20
	params.DecayRateBps = 1000
	params.MinOfferBps = 100
	n := mustOpen(t, engine, params)

	previous := n.EffectiveEscrow
	callers := [][20]byte{buyerAddr, sellerAddr}
	for round := 0; round < int(params.MaxRounds); round++ {
		clock.now++
		current, err := engine.Get(n.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		decay, _ := applyBps(current.EffectiveEscrow, params.DecayRateBps)
		ceiling := current.EffectiveEscrow - decay
		minOffer, _ := applyBps(ceiling, params.MinOfferBps)
		amount := minOffer + (ceiling-minOffer)/2
		updated := mustOffer(t, engine, n.ID, callers[round%2], amount)
		if updated.EffectiveEscrow > previous {
			t.Fatalf("round %d: effective escrow increased %d -> %d", round+1, previous, updated.EffectiveEscrow)
		}
		if updated.EffectiveEscrow > updated.EscrowAmount {
			t.Fatalf("round %d: effective escrow above escrow amount", round+1)
		}
		if amount < minOffer || amount > updated.EffectiveEscrow {
			t.Fatalf("round %d: accepted offer %d outside [%d, %d]", round+1, amount, minOffer, updated.EffectiveEscrow)
		}
		previous = updated.EffectiveEscrow
	}
	clock.now++
	if _, err := engine.SubmitOffer(n.ID, callers[int(params.MaxRounds)%2], previous/2, [MetadataSize]byte{}); !errors.Is(err, ErrMaxRoundsReached) {
		t.Fatalf("expected ErrMaxRoundsReached, got %v", err)
	}
}

func TestZeroDecayKeepsCeiling(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	params := defaultParams()
	params.DecayRateBps = 0
	n := mustOpen(t, engine, params)
	updated := mustOffer(t, engine, n.ID, buyerAddr, 1_000_000)
	if updated.EffectiveEscrow != 1_000_000 {
		t.Fatalf("effective escrow changed without decay: %d", updated.EffectiveEscrow)
	}
}

func TestOfferTimingChecks(t *testing.T) {
	t.Run("response window", func(t *testing.T) {
		engine, _, _, clock := newTestEngine(t)
		n := mustOpen(t, engine, defaultParams())
		mustOffer(t, engine, n.ID, buyerAddr, 500_000)
		clock.now += 3600
		if _, err := engine.SubmitOffer(n.ID, sellerAddr, 800_000, [MetadataSize]byte{}); !errors.Is(err, ErrResponseWindowExpired) {
			t.Fatalf("expected ErrResponseWindowExpired, got %v", err)
		}
	})
	t.Run("global deadline", func(t *testing.T) {
		engine, _, _, clock := newTestEngine(t)
		n := mustOpen(t, engine, defaultParams())
		clock.now = n.GlobalDeadline
		if _, err := engine.SubmitOffer(n.ID, buyerAddr, 500_000, [MetadataSize]byte{}); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})
	t.Run("turn checked before deadline", func(t *testing.T) {
		engine, _, _, clock := newTestEngine(t)
		n := mustOpen(t, engine, defaultParams())
		mustOffer(t, engine, n.ID, buyerAddr, 500_000)
		clock.now = n.GlobalDeadline + 1
		if _, err := engine.SubmitOffer(n.ID, buyerAddr, 500_000, [MetadataSize]byte{}); !errors.Is(err, ErrNotYourTurn) {
			t.Fatalf("expected ErrNotYourTurn, got %v", err)
		}
	})
}

func TestOfferMetadataStored(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	meta, err := EncodeMetadata("includes two revisions")
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	updated, err := engine.SubmitOffer(n.ID, buyerAddr, 500_000, meta)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if DecodeMetadata(updated.Metadata) != "includes two revisions" {
		t.Fatalf("unexpected metadata %q", DecodeMetadata(updated.Metadata))
	}
}

func TestAcceptSettlesWithFee(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	mustOffer(t, engine, n.ID, buyerAddr, 100_000)

	if _, _, err := engine.Accept(n.ID, buyerAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for own offer, got %v", err)
	}
	settled, settlement, err := engine.Accept(n.ID, sellerAddr)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if settlement.ProtocolFee != 2_500 || settlement.SellerPayout != 97_500 {
		t.Fatalf("unexpected split %+v", settlement)
	}
	if settlement.BuyerRefund != 900_000 {
		t.Fatalf("unexpected refund %d", settlement.BuyerRefund)
	}
	if settlement.SellerPayout+settlement.ProtocolFee+settlement.BuyerRefund != settlement.VaultBalance {
		t.Fatalf("settlement does not conserve vault balance: %+v", settlement)
	}
	if settled.Status != StatusSettled || settled.SettledAmount != 100_000 {
		t.Fatalf("unexpected record %+v", settled)
	}
	if state.balance(sellerAddr) != 97_500 || state.balance(treasuryAddr) != 2_500 {
		t.Fatalf("unexpected balances seller=%d treasury=%d", state.balance(sellerAddr), state.balance(treasuryAddr))
	}
	if state.balance(buyerAddr) != 9_900_000 {
		t.Fatalf("unexpected buyer balance %d", state.balance(buyerAddr))
	}
	if got := state.balances[balanceKey{VaultAddress(n.ID), testToken}]; got != 0 {
		t.Fatalf("vault not drained: %d", got)
	}
	if state.registry.TotalSettledVolume != 100_000 || state.registry.TotalFeesCollected != 2_500 {
		t.Fatalf("unexpected registry totals %+v", state.registry)
	}
	evt := emitter.last()
	if evt.Type != EventTypeSettled || evt.Attributes["escrowDecayTotal"] != "50000" {
		t.Fatalf("unexpected settled event %+v", evt)
	}
}

func TestAcceptWithoutPendingOffer(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	if _, _, err := engine.Accept(n.ID, sellerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAcceptZeroFeeSkipsTreasury(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	params := defaultParams()
	params.ProtocolFeeBps = 0
	params.DecayRateBps = 0
	n := mustOpen(t, engine, params)
	mustOffer(t, engine, n.ID, buyerAddr, 1_000_000)
	_, settlement, err := engine.Accept(n.ID, sellerAddr)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if settlement.ProtocolFee != 0 || settlement.BuyerRefund != 0 {
		t.Fatalf("unexpected split %+v", settlement)
	}
	if _, ok := state.balances[balanceKey{treasuryAddr, testToken}]; ok {
		t.Fatalf("zero fee transfer should be skipped")
	}
	if state.balance(sellerAddr) != 1_000_000 {
		t.Fatalf("unexpected seller balance %d", state.balance(sellerAddr))
	}
}

func TestAcceptLedgerFailureLeavesRecord(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	mustOffer(t, engine, n.ID, buyerAddr, 100_000)
	state.failDisburse = errors.New("ledger offline")
	before := len(emitter.events)
	if _, _, err := engine.Accept(n.ID, sellerAddr); err == nil {
		t.Fatalf("expected ledger error")
	}
	if state.negotiations[n.ID].Status != StatusProposed {
		t.Fatalf("record mutated on failed settlement")
	}
	if state.registry.TotalSettledVolume != 0 {
		t.Fatalf("registry mutated on failed settlement")
	}
	if len(emitter.events) != before {
		t.Fatalf("event emitted on failed settlement")
	}
}

func TestSettlementConservation(t *testing.T) {
	fees := []uint16{0, 1, 250, 333, 500}
	amounts := []uint64{1, 3, 19_000, 99_999, 123_457, 950_000}
	for _, fee := range fees {
		for _, amount := range amounts {
			n := &Negotiation{CurrentOfferAmount: amount, ProtocolFeeBps: fee, EscrowAmount: 1_000_000, EffectiveEscrow: 950_000}
			s, err := ComputeSettlement(n, 1_000_000)
			if err != nil {
				t.Fatalf("fee=%d amount=%d: %v", fee, amount, err)
			}
			if s.SellerPayout+s.ProtocolFee+s.BuyerRefund != 1_000_000 {
				t.Fatalf("fee=%d amount=%d: split %+v does not conserve", fee, amount, s)
			}
		}
	}
}

func TestNoDoubleSettlement(t *testing.T) {
	engine, state, emitter, clock := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	mustOffer(t, engine, n.ID, buyerAddr, 100_000)
	if _, _, err := engine.Accept(n.ID, sellerAddr); err != nil {
		t.Fatalf("accept: %v", err)
	}
	seller, buyer := state.balance(sellerAddr), state.balance(buyerAddr)
	before := len(emitter.events)

	if _, _, err := engine.Accept(n.ID, sellerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second accept, got %v", err)
	}
	if _, _, err := engine.Reject(n.ID, sellerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on reject, got %v", err)
	}
	clock.now = n.GlobalDeadline + 1
	if _, _, err := engine.Expire(n.ID, strangerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on expire, got %v", err)
	}
	if _, err := engine.SubmitOffer(n.ID, sellerAddr, 100_000, [MetadataSize]byte{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on offer, got %v", err)
	}
	if state.balance(sellerAddr) != seller || state.balance(buyerAddr) != buyer {
		t.Fatalf("value moved after terminal state")
	}
	if len(emitter.events) != before {
		t.Fatalf("events emitted after terminal state")
	}
}

func TestRejectRefundsBuyer(t *testing.T) {
	t.Run("seller declines invitation", func(t *testing.T) {
		engine, state, emitter, _ := newTestEngine(t)
		n := mustCreate(t, engine, defaultParams())
		rejected, refund, err := engine.Reject(n.ID, sellerAddr)
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if rejected.Status != StatusRejected || refund != 1_000_000 {
			t.Fatalf("unexpected result status=%s refund=%d", rejected.Status, refund)
		}
		if state.balance(buyerAddr) != 10_000_000 {
			t.Fatalf("buyer not fully refunded: %d", state.balance(buyerAddr))
		}
		if evt := emitter.last(); evt.Type != EventTypeRejected || evt.Attributes["refundAmount"] != "1000000" {
			t.Fatalf("unexpected event %+v", evt)
		}
	})
	t.Run("recipient rejects pending offer", func(t *testing.T) {
		engine, state, _, _ := newTestEngine(t)
		n := mustOpen(t, engine, defaultParams())
		mustOffer(t, engine, n.ID, buyerAddr, 300_000)
		if _, _, err := engine.Reject(n.ID, buyerAddr); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for own offer, got %v", err)
		}
		if _, _, err := engine.Reject(n.ID, strangerAddr); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
		}
		if _, _, err := engine.Reject(n.ID, sellerAddr); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if state.balance(buyerAddr) != 10_000_000 {
			t.Fatalf("buyer not fully refunded: %d", state.balance(buyerAddr))
		}
	})
	t.Run("after deadline", func(t *testing.T) {
		engine, _, _, clock := newTestEngine(t)
		n := mustOpen(t, engine, defaultParams())
		clock.now = n.GlobalDeadline
		if _, _, err := engine.Reject(n.ID, sellerAddr); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})
}

func TestExpireScenario(t *testing.T) {
	engine, state, emitter, clock := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	mustOffer(t, engine, n.ID, buyerAddr, 300_000)
	mustOffer(t, engine, n.ID, sellerAddr, 800_000)

	if _, _, err := engine.Expire(n.ID, strangerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before deadline, got %v", err)
	}
	clock.now = n.GlobalDeadline
	expired, refund, err := engine.Expire(n.ID, strangerAddr)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != StatusExpired || refund != 1_000_000 {
		t.Fatalf("unexpected result status=%s refund=%d", expired.Status, refund)
	}
	if state.balance(buyerAddr) != 10_000_000 {
		t.Fatalf("buyer not refunded: %d", state.balance(buyerAddr))
	}
	evt := emitter.last()
	if evt.Type != EventTypeExpired || evt.Attributes["roundsCompleted"] != "2" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if _, _, err := engine.Expire(n.ID, strangerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second expire, got %v", err)
	}
	if state.balance(buyerAddr) != 10_000_000 {
		t.Fatalf("second expire moved value")
	}
}

func TestCloseRemovesTerminalRecord(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)
	n := mustCreate(t, engine, defaultParams())

	if _, err := engine.Close(n.ID, buyerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for open negotiation, got %v", err)
	}
	if _, _, err := engine.Reject(n.ID, buyerAddr); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := engine.Close(n.ID, sellerAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	reclaimed, err := engine.Close(n.ID, buyerAddr)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected empty vault, reclaimed %d", reclaimed)
	}
	if _, ok := state.negotiations[n.ID]; ok {
		t.Fatalf("record not deleted")
	}
	if emitter.last().Type != EventTypeClosed {
		t.Fatalf("expected closed event")
	}
	if _, err := engine.Close(n.ID, buyerAddr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second close, got %v", err)
	}
}

func TestCloseSweepsResidualVault(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	n := mustOpen(t, engine, defaultParams())
	mustOffer(t, engine, n.ID, buyerAddr, 100_000)
	if _, _, err := engine.Accept(n.ID, sellerAddr); err != nil {
		t.Fatalf("accept: %v", err)
	}
	state.balances[balanceKey{VaultAddress(n.ID), testToken}] = 42
	reclaimed, err := engine.Close(n.ID, buyerAddr)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if reclaimed != 42 {
		t.Fatalf("expected 42 reclaimed, got %d", reclaimed)
	}
}

func TestRegistryAdministration(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)
	if _, err := engine.InitRegistry(authAddr, treasuryAddr, Defaults{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on re-init, got %v", err)
	}
	newTreasury := newTestAddress(0x09)
	if err := engine.SetTreasury(sellerAddr, newTreasury); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetTreasury(authAddr, newTreasury); err != nil {
		t.Fatalf("set treasury: %v", err)
	}
	if state.registry.Treasury != newTreasury {
		t.Fatalf("treasury not updated")
	}
	evt := emitter.last()
	if evt.Type != EventTypeRegistryUpdated || evt.Attributes["field"] != "treasury" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestEngineWithoutState(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Create(buyerAddr, sellerAddr, 1, defaultParams()); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
	if _, err := engine.Get([32]byte{1}); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
}

func TestUnknownNegotiation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.AcceptInvitation([32]byte{0xff}, sellerAddr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
