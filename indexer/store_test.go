package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"haggle/core/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

const testID = "ab01"

func event(eventType string, ts int64, attrs map[string]string) *types.Event {
	out := map[string]string{
		"negotiationId": testID,
		"buyer":         "b1",
		"seller":        "5e",
		"timestamp":     fmt.Sprintf("%d", ts),
	}
	for k, v := range attrs {
		out[k] = v
	}
	return &types.Event{Type: eventType, Attributes: out}
}

func TestRecordBuildsSummaryAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sequence := []*types.Event{
		event("negotiation.created", 100, map[string]string{"status": "created", "escrowAmount": "1000000", "token": "USDC"}),
		event("negotiation.invitation_accepted", 110, map[string]string{"status": "proposed"}),
		event("negotiation.offer_submitted", 120, map[string]string{"status": "proposed", "round": "1", "effectiveEscrow": "950000", "amount": "100000"}),
		event("negotiation.settled", 130, map[string]string{
			"status": "settled", "settledAmount": "100000", "protocolFee": "2500",
			"sellerPayout": "97500", "buyerRefund": "900000", "totalRounds": "1", "token": "USDC",
		}),
	}
	for _, evt := range sequence {
		require.NoError(t, store.Record(ctx, evt))
	}

	history, err := store.History(ctx, testID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, "negotiation.created", history[0].Type)
	require.Equal(t, "negotiation.settled", history[3].Type)
	attrs, err := history[3].AttributeMap()
	require.NoError(t, err)
	require.Equal(t, "97500", attrs["sellerPayout"])

	summary, err := store.Summary(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, "settled", summary.Status)
	require.Equal(t, uint64(1_000_000), summary.EscrowAmount)
	require.Equal(t, uint64(950_000), summary.EffectiveEscrow)
	require.Equal(t, uint64(2_500), summary.ProtocolFee)
	require.Equal(t, int64(130), summary.SettledAt)
	require.Equal(t, uint8(1), summary.Rounds)

	settled, err := store.Settlements(ctx, 130)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	none, err := store.Settlements(ctx, 131)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRecordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	evt := event("negotiation.created", 100, map[string]string{"escrowAmount": "1000000"})
	require.NoError(t, store.Record(ctx, evt))
	require.NoError(t, store.Record(ctx, evt))
	history, err := store.History(ctx, testID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRecordWithoutNegotiation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, &types.Event{
		Type:       "negotiation.registry_updated",
		Attributes: map[string]string{"field": "paused", "timestamp": "5"},
	}))
	_, err := store.Summary(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloseMarksSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, event("negotiation.created", 1, map[string]string{"escrowAmount": "100000"})))
	require.NoError(t, store.Record(ctx, event("negotiation.rejected", 2, map[string]string{"status": "rejected", "refundAmount": "100000", "roundsCompleted": "0"})))
	require.NoError(t, store.Record(ctx, event("negotiation.closed", 3, map[string]string{"status": "rejected", "reclaimedAmount": "0"})))
	summary, err := store.Summary(ctx, testID)
	require.NoError(t, err)
	require.True(t, summary.Closed)
	require.Equal(t, "rejected", summary.Status)
	require.Equal(t, uint64(100_000), summary.BuyerRefund)
}

func TestFingerprintIgnoresAttributeOrder(t *testing.T) {
	a := &types.Event{Type: "x", Attributes: map[string]string{"a": "1", "b": "2"}}
	b := &types.Event{Type: "x", Attributes: map[string]string{"b": "2", "a": "1"}}
	require.Equal(t, Fingerprint(a), Fingerprint(b))
	c := &types.Event{Type: "y", Attributes: map[string]string{"a": "1", "b": "2"}}
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "")
	require.Error(t, err)
}

func TestLateEventsDoNotRollBackTerminalSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sequence := []*types.Event{
		event("negotiation.created", 100, map[string]string{"status": "created", "escrowAmount": "1000000"}),
		event("negotiation.offer_submitted", 110, map[string]string{"status": "proposed", "round": "2", "effectiveEscrow": "902500"}),
		event("negotiation.settled", 120, map[string]string{"status": "settled", "settledAmount": "100000", "totalRounds": "2"}),
		// Delivered after the settlement that followed it.
		event("negotiation.offer_submitted", 105, map[string]string{"status": "countered", "round": "1", "effectiveEscrow": "950000"}),
	}
	for _, evt := range sequence {
		require.NoError(t, store.Record(ctx, evt))
	}

	summary, err := store.Summary(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, "settled", summary.Status)
	require.Equal(t, uint8(2), summary.Rounds)
	require.Equal(t, uint64(902_500), summary.EffectiveEscrow)
}
