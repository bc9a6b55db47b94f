package crank

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"haggle/native/negotiation"
	"haggle/observability"
)

// Node is the subset of the node used by the cranker.
type Node interface {
	OverdueNegotiations(limit int) ([][32]byte, error)
	NegotiationExpire(ctx context.Context, id [32]byte, cranker [20]byte) (*negotiation.Negotiation, uint64, error)
}

// Cranker periodically expires negotiations whose global deadline passed.
// Expiry is permissionless so the cranker signs nothing; its address is only
// recorded in the emitted events.
type Cranker struct {
	node      Node
	address   [20]byte
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   *observability.CrankMetrics
}

// New constructs a cranker with sane defaults.
func New(node Node, address [20]byte, interval time.Duration, batchSize int) *Cranker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Cranker{
		node:      node,
		address:   address,
		interval:  interval,
		batchSize: batchSize,
		logger:    slog.Default().With(slog.String("component", "cranker")),
		metrics:   observability.Crank(),
	}
}

// SetLogger replaces the cranker logger.
func (c *Cranker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger.With(slog.String("component", "cranker"))
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (c *Cranker) Run(ctx context.Context) {
	if c == nil || c.node == nil {
		return
	}
	c.Sweep(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep expires up to one batch of overdue negotiations and returns how many
// were expired.
func (c *Cranker) Sweep(ctx context.Context) int {
	ids, err := c.node.OverdueNegotiations(c.batchSize)
	if err != nil {
		c.logger.Warn("scan overdue negotiations", slog.Any("error", err))
		return 0
	}
	c.metrics.RecordSweep(len(ids))
	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_, refund, err := c.node.NegotiationExpire(ctx, id, c.address)
		if err != nil {
			// Another caller may have settled or expired it since the scan.
			if errors.Is(err, negotiation.ErrInvalidState) || errors.Is(err, negotiation.ErrNotFound) {
				continue
			}
			c.metrics.RecordFailure()
			c.logger.Warn("expire negotiation",
				slog.String("negotiationId", hex.EncodeToString(id[:])),
				slog.Any("error", err))
			continue
		}
		expired++
		c.metrics.RecordExpired()
		c.logger.Info("negotiation expired",
			slog.String("negotiationId", hex.EncodeToString(id[:])),
			slog.Uint64("refund", refund))
	}
	return expired
}
