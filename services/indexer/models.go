package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderRow is the relational projection of one escrow order. Identities are
// stored in their bech32 form and amounts as decimal strings.
type OrderRow struct {
	ID           string `gorm:"size:64;primaryKey"`
	Controller   string `gorm:"size:64;index"`
	Buyer        string `gorm:"size:64;index"`
	Seller       string `gorm:"size:64;index"`
	Token        string `gorm:"size:64;index"`
	AuxToken     string `gorm:"size:64"`
	Arbitrator   string `gorm:"size:64"`
	Amount       string `gorm:"size:80"`
	Disbursed    string `gorm:"size:80"`
	State        string `gorm:"size:16;index"`
	Outcome      string `gorm:"size:16;index"`
	Winner       string `gorm:"size:64"`
	Carrier      string `gorm:"size:64"`
	TrackingID   string `gorm:"size:64"`
	RewardMinted bool
	RewardToken  string `gorm:"size:64"`
	RewardAmount string `gorm:"size:80"`
	// OpenedAt and ChangedAt are the order's own timestamps (unix seconds).
	OpenedAt  int64 `gorm:"index"`
	ChangedAt int64 `gorm:"index"`
	// LastSequence is the stream sequence of the most recent applied event.
	LastSequence uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EventRow keeps every projected order event for audit and history queries.
type EventRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     string    `gorm:"size:36;uniqueIndex:idx_event_run_seq"`
	Sequence  uint64    `gorm:"uniqueIndex:idx_event_run_seq"`
	OrderID   string    `gorm:"size:64;index"`
	Type      string    `gorm:"size:64;index"`
	State     string    `gorm:"size:16"`
	Payload   string    `gorm:"type:text"`
	Timestamp int64     `gorm:"index"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the index tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&OrderRow{}, &EventRow{})
}
