package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one negotiation event as delivered by the node. Fingerprint
// makes redelivery of the same event a no-op.
type EventRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Fingerprint   string    `gorm:"size:64;uniqueIndex"`
	NegotiationID string    `gorm:"size:64;index"`
	Type          string    `gorm:"size:64;index"`
	Attributes    string    `gorm:"type:text"`
	Timestamp     int64     `gorm:"index"`
	CreatedAt     time.Time
}

// NegotiationSummary is the denormalised latest view of a negotiation, kept
// after the on-node record is closed.
type NegotiationSummary struct {
	NegotiationID   string `gorm:"size:64;primaryKey"`
	Buyer           string `gorm:"size:40;index"`
	Seller          string `gorm:"size:40;index"`
	Token           string `gorm:"size:16"`
	Status          string `gorm:"size:16;index"`
	EscrowAmount    uint64
	EffectiveEscrow uint64
	Rounds          uint8
	SettledAmount   uint64
	ProtocolFee     uint64
	SellerPayout    uint64
	BuyerRefund     uint64
	CreatedAt       int64
	SettledAt       int64 `gorm:"index"`
	Closed          bool
	UpdatedAt       time.Time
}

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&NegotiationSummary{},
	)
}
