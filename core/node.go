package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"haggle/core/events"
	"haggle/core/state"
	"haggle/crypto"
	"haggle/native/negotiation"
	"haggle/storage"
)

// ErrFaucetDisabled is returned when the development faucet is not enabled.
var ErrFaucetDisabled = errors.New("core: faucet disabled")

// Node is the central controller, wiring the negotiation engine to persistent
// state and the downstream event consumers.
type Node struct {
	db      storage.Database
	state   *state.Manager
	key     *crypto.PrivateKey
	emitter events.Emitter
	nowFn   func() int64
	logger  *slog.Logger
	tracer  trace.Tracer
	faucet  bool

	// commitMu spans a commit and the flush of its events so downstream
	// consumers observe events in commit order.
	commitMu sync.Mutex
}

// NewNode creates a node over db. key identifies the node and is the default
// registry authority and treasury.
func NewNode(db storage.Database, key *crypto.PrivateKey) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: nil database")
	}
	if key == nil {
		return nil, fmt.Errorf("core: nil node key")
	}
	return &Node{
		db:      db,
		state:   state.NewManager(db),
		key:     key,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		logger:  slog.Default(),
		tracer:  otel.Tracer("haggle/core"),
	}, nil
}

// SetEmitter configures where committed events are delivered.
func (n *Node) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		n.emitter = events.NoopEmitter{}
		return
	}
	n.emitter = emitter
}

// SetNowFunc overrides the clock used for every transition.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	n.nowFn = now
}

// SetLogger replaces the node logger.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger != nil {
		n.logger = logger
	}
}

// EnableFaucet toggles the development faucet.
func (n *Node) EnableFaucet(enabled bool) { n.faucet = enabled }

// Address returns the node key address.
func (n *Node) Address() [20]byte { return n.key.PubKey().Address().Raw() }

// Now returns the node clock reading.
func (n *Node) Now() int64 { return n.nowFn() }

// Close releases the underlying database.
func (n *Node) Close() { n.db.Close() }

// Bootstrap initialises the negotiation registry on first start. Later starts
// leave the stored registry untouched apart from the pause flag, which follows
// the configuration.
func (n *Node) Bootstrap(ctx context.Context, authority, treasury [20]byte, defaults negotiation.Defaults, paused bool) (*negotiation.Registry, error) {
	var reg *negotiation.Registry
	err := n.transact(ctx, "bootstrap", nil, func(engine *negotiation.Engine, txn *state.Txn) error {
		existing, ok, err := txn.RegistryGet()
		if err != nil {
			return err
		}
		if !ok {
			if existing, err = engine.InitRegistry(authority, treasury, defaults); err != nil {
				return err
			}
		}
		if existing.Paused != paused {
			if err := engine.SetPaused(existing.Authority, paused); err != nil {
				return err
			}
			existing.Paused = paused
		}
		reg = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("negotiation registry ready",
		slog.String("authority", crypto.AddressFromRaw(reg.Authority).String()),
		slog.String("treasury", crypto.AddressFromRaw(reg.Treasury).String()),
		slog.Bool("paused", reg.Paused))
	return reg, nil
}

// transact runs fn inside a single state transaction with an engine reading a
// fixed clock value. Events are buffered and only delivered after the
// transaction commits, before the next transaction may start.
func (n *Node) transact(ctx context.Context, op string, id *[32]byte, fn func(*negotiation.Engine, *state.Txn) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{attribute.String("negotiation.op", op)}
	if id != nil {
		attrs = append(attrs, attribute.String("negotiation.id", hex.EncodeToString(id[:])))
	}
	_, span := n.tracer.Start(ctx, "negotiation."+op, trace.WithAttributes(attrs...))
	defer span.End()

	n.commitMu.Lock()
	defer n.commitMu.Unlock()

	now := n.nowFn()
	buffer := &events.Buffer{}
	err := n.state.Update(func(txn *state.Txn) error {
		engine := negotiation.NewEngine()
		engine.SetState(txn)
		engine.SetEmitter(buffer)
		engine.SetNowFunc(func() int64 { return now })
		return fn(engine, txn)
	})
	if err != nil {
		buffer.Reset()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.Debug("negotiation transition failed", slog.String("op", op), slog.Any("error", err))
		return err
	}
	buffer.Flush(n.emitter)
	return nil
}

func (n *Node) NegotiationCreate(ctx context.Context, buyer, seller [20]byte, sessionID uint64, params negotiation.Params) (*negotiation.Negotiation, error) {
	var out *negotiation.Negotiation
	id := negotiation.DeriveID(buyer, seller, sessionID)
	err := n.transact(ctx, "create", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, err = engine.Create(buyer, seller, sessionID, params)
		return err
	})
	return out, err
}

func (n *Node) NegotiationAcceptInvitation(ctx context.Context, id [32]byte, caller [20]byte) (*negotiation.Negotiation, error) {
	var out *negotiation.Negotiation
	err := n.transact(ctx, "accept_invitation", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, err = engine.AcceptInvitation(id, caller)
		return err
	})
	return out, err
}

func (n *Node) NegotiationSubmitOffer(ctx context.Context, id [32]byte, caller [20]byte, amount uint64, metadata [negotiation.MetadataSize]byte) (*negotiation.Negotiation, error) {
	var out *negotiation.Negotiation
	err := n.transact(ctx, "submit_offer", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, err = engine.SubmitOffer(id, caller, amount, metadata)
		return err
	})
	return out, err
}

func (n *Node) NegotiationAccept(ctx context.Context, id [32]byte, caller [20]byte) (*negotiation.Negotiation, negotiation.Settlement, error) {
	var (
		out        *negotiation.Negotiation
		settlement negotiation.Settlement
	)
	err := n.transact(ctx, "accept", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, settlement, err = engine.Accept(id, caller)
		return err
	})
	return out, settlement, err
}

func (n *Node) NegotiationReject(ctx context.Context, id [32]byte, caller [20]byte) (*negotiation.Negotiation, uint64, error) {
	var (
		out    *negotiation.Negotiation
		refund uint64
	)
	err := n.transact(ctx, "reject", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, refund, err = engine.Reject(id, caller)
		return err
	})
	return out, refund, err
}

// NegotiationExpire expires an overdue negotiation. Any caller may crank it.
func (n *Node) NegotiationExpire(ctx context.Context, id [32]byte, cranker [20]byte) (*negotiation.Negotiation, uint64, error) {
	var (
		out    *negotiation.Negotiation
		refund uint64
	)
	err := n.transact(ctx, "expire", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, refund, err = engine.Expire(id, cranker)
		return err
	})
	return out, refund, err
}

func (n *Node) NegotiationClose(ctx context.Context, id [32]byte, caller [20]byte) (uint64, error) {
	var reclaimed uint64
	err := n.transact(ctx, "close", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		reclaimed, err = engine.Close(id, caller)
		return err
	})
	return reclaimed, err
}

func (n *Node) NegotiationCommitReservation(ctx context.Context, id [32]byte, caller [20]byte, commitment [32]byte) (*negotiation.Negotiation, error) {
	var out *negotiation.Negotiation
	err := n.transact(ctx, "commit_reservation", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, err = engine.CommitReservation(id, caller, commitment)
		return err
	})
	return out, err
}

func (n *Node) NegotiationRevealZopa(ctx context.Context, id [32]byte, buyerMax uint64, buyerSalt [32]byte, sellerMin uint64, sellerSalt [32]byte) (*negotiation.Negotiation, uint64, error) {
	var (
		out      *negotiation.Negotiation
		midpoint uint64
	)
	err := n.transact(ctx, "reveal_zopa", &id, func(engine *negotiation.Engine, _ *state.Txn) error {
		var err error
		out, midpoint, err = engine.RevealZopa(id, buyerMax, buyerSalt, sellerMin, sellerSalt)
		return err
	})
	return out, midpoint, err
}

func (n *Node) NegotiationSetPaused(ctx context.Context, caller [20]byte, paused bool) error {
	return n.transact(ctx, "set_paused", nil, func(engine *negotiation.Engine, _ *state.Txn) error {
		return engine.SetPaused(caller, paused)
	})
}

func (n *Node) NegotiationSetTreasury(ctx context.Context, caller, treasury [20]byte) error {
	return n.transact(ctx, "set_treasury", nil, func(engine *negotiation.Engine, _ *state.Txn) error {
		return engine.SetTreasury(caller, treasury)
	})
}

// NegotiationGet returns the stored negotiation.
func (n *Node) NegotiationGet(id [32]byte) (*negotiation.Negotiation, error) {
	var out *negotiation.Negotiation
	err := n.state.View(func(txn *state.Txn) error {
		engine := negotiation.NewEngine()
		engine.SetState(txn)
		var err error
		out, err = engine.Get(id)
		return err
	})
	return out, err
}

// NegotiationRegistry returns the protocol registry.
func (n *Node) NegotiationRegistry() (*negotiation.Registry, error) {
	var out *negotiation.Registry
	err := n.state.View(func(txn *state.Txn) error {
		engine := negotiation.NewEngine()
		engine.SetState(txn)
		var err error
		out, err = engine.Registry()
		return err
	})
	return out, err
}

// NegotiationsFor lists every stored negotiation where addr is buyer or
// seller.
func (n *Node) NegotiationsFor(addr [20]byte) ([]*negotiation.Negotiation, error) {
	out := make([]*negotiation.Negotiation, 0)
	err := n.state.View(func(txn *state.Txn) error {
		return txn.Negotiations(func(record *negotiation.Negotiation) error {
			if record.Buyer == addr || record.Seller == addr {
				out = append(out, record)
			}
			return nil
		})
	})
	return out, err
}

// OverdueNegotiations returns up to limit open negotiations whose deadline
// passed, earliest first.
func (n *Node) OverdueNegotiations(limit int) ([][32]byte, error) {
	now := n.nowFn()
	var ids [][32]byte
	err := n.state.View(func(txn *state.Txn) error {
		var err error
		ids, err = txn.OverdueNegotiations(now, limit)
		return err
	})
	return ids, err
}

// Balance returns the token balance of addr.
func (n *Node) Balance(addr [20]byte, token string) (*uint256.Int, error) {
	var out *uint256.Int
	err := n.state.View(func(txn *state.Txn) error {
		var err error
		out, err = txn.Balance(addr, token)
		return err
	})
	return out, err
}

// Faucet mints development tokens to addr.
func (n *Node) Faucet(ctx context.Context, addr [20]byte, token string, amount uint64) (*uint256.Int, error) {
	if !n.faucet {
		return nil, ErrFaucetDisabled
	}
	normalized, err := negotiation.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	var balance *uint256.Int
	err = n.transact(ctx, "faucet", nil, func(_ *negotiation.Engine, txn *state.Txn) error {
		if err := txn.Mint(addr, normalized, amount); err != nil {
			return err
		}
		var err error
		balance, err = txn.Balance(addr, normalized)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("faucet drip",
		slog.String("address", crypto.AddressFromRaw(addr).String()),
		slog.String("token", normalized),
		slog.Uint64("amount", amount))
	return balance, nil
}
