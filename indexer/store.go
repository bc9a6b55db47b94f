package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"haggle/core/types"
)

// ErrNotFound is returned when no summary exists for a negotiation.
var ErrNotFound = errors.New("indexer: not found")

// Store persists negotiation events and summaries.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured driver and migrates the schema. An empty
// sqlite DSN selects a private in-memory database.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return NewStore(db)
}

// NewStore wraps an existing connection and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("indexer: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Fingerprint returns the blake3 digest identifying evt. Attribute order does
// not affect the result.
func Fingerprint(evt *types.Event) string {
	keys := make([]string, 0, len(evt.Attributes))
	for key := range evt.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(evt.Type))
	for _, key := range keys {
		hasher.Write([]byte{0})
		hasher.Write([]byte(key))
		hasher.Write([]byte{'='})
		hasher.Write([]byte(evt.Attributes[key]))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Record stores evt and folds it into the negotiation summary. Recording the
// same event twice stores it once.
func (s *Store) Record(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	encoded, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("indexer: encode attributes: %w", err)
	}
	record := EventRecord{
		ID:            uuid.New(),
		Fingerprint:   Fingerprint(evt),
		NegotiationID: evt.Attributes["negotiationId"],
		Type:          evt.Type,
		Attributes:    string(encoded),
		Timestamp:     parseInt(evt.Attributes["timestamp"]),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).Create(&record)
		if result.Error != nil {
			return fmt.Errorf("indexer: insert event: %w", result.Error)
		}
		if result.RowsAffected == 0 || record.NegotiationID == "" {
			return nil
		}
		return foldSummary(tx, evt)
	})
}

func foldSummary(tx *gorm.DB, evt *types.Event) error {
	attrs := evt.Attributes
	var summary NegotiationSummary
	err := tx.First(&summary, "negotiation_id = ?", attrs["negotiationId"]).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("indexer: load summary: %w", err)
	}
	if isNew {
		summary.NegotiationID = attrs["negotiationId"]
	}
	summary.Buyer = attrs["buyer"]
	summary.Seller = attrs["seller"]
	// A terminal summary only accepts the close marker; late events from
	// earlier transitions must not roll it back.
	final := terminalStatus(summary.Status)
	if status := attrs["status"]; status != "" && !final {
		summary.Status = status
	}
	if token := attrs["token"]; token != "" {
		summary.Token = token
	}
	switch evt.Type {
	case "negotiation.created":
		summary.EscrowAmount = parseUint(attrs["escrowAmount"])
		if summary.EffectiveEscrow == 0 {
			summary.EffectiveEscrow = summary.EscrowAmount
		}
		summary.CreatedAt = parseInt(attrs["timestamp"])
	case "negotiation.offer_submitted":
		round := uint8(parseUint(attrs["round"]))
		if !final && round >= summary.Rounds {
			summary.EffectiveEscrow = parseUint(attrs["effectiveEscrow"])
			summary.Rounds = round
		}
	case "negotiation.settled":
		summary.SettledAmount = parseUint(attrs["settledAmount"])
		summary.ProtocolFee = parseUint(attrs["protocolFee"])
		summary.SellerPayout = parseUint(attrs["sellerPayout"])
		summary.BuyerRefund = parseUint(attrs["buyerRefund"])
		summary.Rounds = maxRounds(summary.Rounds, uint8(parseUint(attrs["totalRounds"])))
		summary.SettledAt = parseInt(attrs["timestamp"])
	case "negotiation.rejected", "negotiation.expired":
		summary.BuyerRefund = parseUint(attrs["refundAmount"])
		summary.Rounds = maxRounds(summary.Rounds, uint8(parseUint(attrs["roundsCompleted"])))
	case "negotiation.closed":
		summary.Closed = true
	}
	if isNew {
		err = tx.Create(&summary).Error
	} else {
		err = tx.Save(&summary).Error
	}
	if err != nil {
		return fmt.Errorf("indexer: store summary: %w", err)
	}
	return nil
}

func terminalStatus(status string) bool {
	switch status {
	case "settled", "expired", "rejected":
		return true
	}
	return false
}

func maxRounds(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

// History returns the events recorded for a negotiation in emission order.
func (s *Store) History(ctx context.Context, negotiationID string) ([]EventRecord, error) {
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("negotiation_id = ?", strings.ToLower(strings.TrimSpace(negotiationID))).
		Order("timestamp asc").
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: history: %w", err)
	}
	return records, nil
}

// Summary returns the latest summary of a negotiation.
func (s *Store) Summary(ctx context.Context, negotiationID string) (*NegotiationSummary, error) {
	var summary NegotiationSummary
	err := s.db.WithContext(ctx).First(&summary, "negotiation_id = ?", strings.ToLower(strings.TrimSpace(negotiationID))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("indexer: summary: %w", err)
	}
	return &summary, nil
}

// Settlements returns the negotiations settled at or after since, oldest
// first.
func (s *Store) Settlements(ctx context.Context, since int64) ([]NegotiationSummary, error) {
	var rows []NegotiationSummary
	err := s.db.WithContext(ctx).
		Where("settled_at > 0 AND settled_at >= ?", since).
		Order("settled_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: settlements: %w", err)
	}
	return rows, nil
}

// AttributeMap decodes the stored attribute map.
func (r EventRecord) AttributeMap() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(r.Attributes) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseUint(raw string) uint64 {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func parseInt(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}
