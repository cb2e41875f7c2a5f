package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"oyamarket/core/types"
	"oyamarket/crypto"
	"oyamarket/native/escrow"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

var ErrNotFound = errors.New("indexer: order not found")

// Open connects to the configured index database and migrates its schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("indexer: sqlite dsn required")
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres, "postgresql":
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("indexer: postgres dsn required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return db, nil
}

// Query filters order rows. Zero values do not filter.
type Query struct {
	Controller string
	// Party matches either the buyer or the seller.
	Party  string
	State  string
	Since  int64
	Until  int64
	Limit  int
	Offset int
}

// Store reads and writes the order projection.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

// Apply projects one escrow order event. Events are keyed by run and stream
// sequence so a replayed event is ignored.
func (s *Store) Apply(ctx context.Context, runID string, evt *types.Event) error {
	if evt == nil || !strings.HasPrefix(evt.Type, "escrow.order.") {
		return nil
	}
	orderID := evt.Attr("id")
	if orderID == "" {
		return fmt.Errorf("indexer: %s event %d without order id", evt.Type, evt.Sequence)
	}
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("indexer: encode payload: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seen int64
		if err := tx.Model(&EventRow{}).
			Where("run_id = ? AND sequence = ?", runID, evt.Sequence).
			Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			return nil
		}
		row := EventRow{
			ID:        uuid.New(),
			RunID:     runID,
			Sequence:  evt.Sequence,
			OrderID:   orderID,
			Type:      evt.Type,
			State:     evt.Attr("state"),
			Payload:   string(payload),
			Timestamp: evt.Timestamp,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return upsertOrder(tx, evt)
	})
}

func upsertOrder(tx *gorm.DB, evt *types.Event) error {
	fields := map[string]interface{}{
		"controller":    evt.Attr("controller"),
		"buyer":         evt.Attr("buyer"),
		"seller":        evt.Attr("seller"),
		"token":         evt.Attr("token"),
		"aux_token":     evt.Attr("auxToken"),
		"arbitrator":    evt.Attr("arbitrator"),
		"amount":        evt.Attr("amount"),
		"disbursed":     evt.Attr("disbursed"),
		"state":         evt.Attr("state"),
		"outcome":       evt.Attr("outcome"),
		"opened_at":     parseInt(evt.Attr("createdAt")),
		"changed_at":    parseInt(evt.Attr("updatedAt")),
		"last_sequence": evt.Sequence,
	}
	switch evt.Type {
	case escrow.EventTypeOrderTracking:
		fields["carrier"] = evt.Attr("carrier")
		fields["tracking_id"] = evt.Attr("trackingId")
	case escrow.EventTypeOrderSettled:
		fields["winner"] = evt.Attr("winner")
	case escrow.EventTypeOrderItemAccepted:
		fields["winner"] = evt.Attr("seller")
	case escrow.EventTypeOrderCancelled:
		fields["winner"] = evt.Attr("buyer")
	case escrow.EventTypeOrderRewardMinted:
		fields["reward_minted"] = true
		fields["reward_token"] = evt.Attr("rewardToken")
		fields["reward_amount"] = evt.Attr("rewardAmount")
	}

	id := evt.Attr("id")
	var existing OrderRow
	err := tx.Where("id = ?", id).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := OrderRow{ID: id}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	case existing.ChangedAt > parseInt(evt.Attr("updatedAt")):
		// A newer transition already shaped the row.
		return nil
	}
	return tx.Model(&OrderRow{}).Where("id = ?", id).Updates(fields).Error
}

// SyncRecords upserts rows straight from authoritative order records. The
// node uses it at startup so the index covers orders created while it was
// offline.
func (s *Store) SyncRecords(ctx context.Context, records []*escrow.OrderRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			row := rowFromRecord(rec)
			var existing OrderRow
			err := tx.Where("id = ?", row.ID).Take(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				continue
			case err != nil:
				return err
			}
			if existing.ChangedAt > row.ChangedAt {
				continue
			}
			row.LastSequence = existing.LastSequence
			row.RewardMinted = existing.RewardMinted || row.RewardMinted
			row.Winner = firstNonEmpty(existing.Winner, row.Winner)
			row.CreatedAt = existing.CreatedAt
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func rowFromRecord(rec *escrow.OrderRecord) OrderRow {
	row := OrderRow{
		ID:           crypto.FormatAddress(rec.ID),
		Controller:   crypto.FormatAddress(rec.Controller),
		Buyer:        crypto.FormatAddress(rec.Buyer),
		Seller:       crypto.FormatAddress(rec.Seller),
		Token:        crypto.FormatAddress(rec.Token),
		Amount:       bigString(rec.Amount),
		Disbursed:    bigString(rec.Disbursed),
		State:        rec.State.String(),
		Outcome:      rec.Outcome.String(),
		RewardAmount: bigString(rec.Policy.RewardAmount),
		OpenedAt:     rec.CreatedAt,
		ChangedAt:    rec.UpdatedAt,
	}
	if rec.AuxToken != crypto.ZeroAddress {
		row.AuxToken = crypto.FormatAddress(rec.AuxToken)
	}
	if rec.Policy.Arbitrator != crypto.ZeroAddress {
		row.Arbitrator = crypto.FormatAddress(rec.Policy.Arbitrator)
	}
	if rec.Policy.RewardToken != crypto.ZeroAddress {
		row.RewardToken = crypto.FormatAddress(rec.Policy.RewardToken)
	}
	if !rec.Tracking.IsZero() {
		row.Carrier = fmt.Sprintf("%x", rec.Tracking.Carrier[:])
		row.TrackingID = fmt.Sprintf("%x", rec.Tracking.TrackingID[:])
	}
	switch rec.Outcome {
	case escrow.OutcomeAccepted:
		row.Winner = row.Seller
		row.RewardMinted = rec.Policy.RewardEnabled()
	case escrow.OutcomeCancelled, escrow.OutcomeBuyer:
		row.Winner = row.Buyer
	case escrow.OutcomeSeller:
		row.Winner = row.Seller
	}
	return row
}

// Orders returns rows matching q ordered by creation time.
func (s *Store) Orders(ctx context.Context, q Query) ([]OrderRow, error) {
	tx := s.db.WithContext(ctx).Model(&OrderRow{})
	if q.Controller != "" {
		tx = tx.Where("controller = ?", q.Controller)
	}
	if q.Party != "" {
		tx = tx.Where("buyer = ? OR seller = ?", q.Party, q.Party)
	}
	if q.State != "" {
		tx = tx.Where("state = ?", strings.ToLower(q.State))
	}
	if q.Since > 0 {
		tx = tx.Where("changed_at >= ?", q.Since)
	}
	if q.Until > 0 {
		tx = tx.Where("changed_at < ?", q.Until)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	var rows []OrderRow
	err := tx.Order("opened_at ASC").Order("id ASC").Limit(limit).Offset(q.Offset).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) Order(ctx context.Context, id string) (*OrderRow, error) {
	var row OrderRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// History lists the projected events of one order in the order they were
// applied.
func (s *Store) History(ctx context.Context, orderID string) ([]EventRow, error) {
	var rows []EventRow
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("timestamp ASC").Order("created_at ASC").Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func parseInt(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
