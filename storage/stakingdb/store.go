package stakingdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"riffstake/native/staking"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the configured database. SQLite is limited to a single
// connection so concurrent writers queue instead of failing with SQLITE_BUSY.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "postgresql", "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("stakingdb: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store implements staking.Store on gorm.
type Store struct {
	db *gorm.DB
}

var _ staking.Store = (*Store)(nil)

// New wraps db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return staking.ErrNilStore
	}
	return nil
}

// AssetConfig implements staking.Store.
func (s *Store) AssetConfig(ctx context.Context, assetID string) (*staking.AssetStakingConfig, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	var record AssetConfig
	err := s.db.WithContext(ctx).First(&record, "asset_id = ?", assetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.toDomain(), true, nil
}

// PutAssetConfig implements staking.Store.
func (s *Store) PutAssetConfig(ctx context.Context, cfg *staking.AssetStakingConfig) error {
	if err := s.ready(); err != nil {
		return err
	}
	if cfg == nil {
		return staking.ErrInvalidConfig
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "asset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_id",
			"staking_enabled",
			"lock_duration_days",
			"minimum_stake",
			"royalty_share_bps",
			"updated_at",
		}),
	}).Create(configRecord(cfg)).Error
}

// Position implements staking.Store.
func (s *Store) Position(ctx context.Context, id string) (*staking.StakePosition, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	var record Position
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.toDomain(), true, nil
}

// ListPositions implements staking.Store. Results are ordered by stake time.
func (s *Store) ListPositions(ctx context.Context, filter staking.PositionFilter) ([]*staking.StakePosition, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Model(&Position{})
	if filter.AssetID != "" {
		query = query.Where("asset_id = ?", filter.AssetID)
	}
	if filter.StakerID != "" {
		query = query.Where("staker_id = ?", filter.StakerID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	var records []Position
	if err := query.Order("staked_at asc").Order("id asc").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]*staking.StakePosition, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// Movements implements staking.Store.
func (s *Store) Movements(ctx context.Context, positionID string) ([]*staking.LedgerMovement, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var records []Movement
	if err := s.db.WithContext(ctx).
		Where("stake_position_id = ?", positionID).
		Order("sequence asc").
		Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]*staking.LedgerMovement, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// HasMovementRef implements staking.Store.
func (s *Store) HasMovementRef(ctx context.Context, positionID, reference string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&Movement{}).
		Where("stake_position_id = ? AND reference = ?", positionID, reference).
		Count(&count).Error
	return count > 0, err
}

// Commit implements staking.Store. The position write and its movements share
// one transaction.
func (s *Store) Commit(ctx context.Context, change *staking.Changeset) error {
	if err := s.ready(); err != nil {
		return err
	}
	if change == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch {
		case change.Create != nil:
			if err := tx.Create(positionRecord(change.Create)).Error; err != nil {
				return err
			}
		case change.Update != nil:
			if err := updatePosition(tx, change.Update); err != nil {
				return err
			}
		}
		if len(change.Movements) == 0 {
			return nil
		}
		records := make([]Movement, 0, len(change.Movements))
		for _, movement := range change.Movements {
			records = append(records, movementRecord(movement))
		}
		if err := tx.Create(&records).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: movement sequence taken", staking.ErrContention)
			}
			return err
		}
		return nil
	})
}

func updatePosition(tx *gorm.DB, position *staking.StakePosition) error {
	record := positionRecord(position)
	res := tx.Model(&Position{}).
		Where("id = ? AND version = ?", position.ID, position.Version).
		Updates(map[string]any{
			"status":            record.Status,
			"accrued_royalties": record.AccruedRoyalties,
			"amount_withdrawn":  record.AmountWithdrawn,
			"withdrawn_at":      record.WithdrawnAt,
			"movement_seq":      record.MovementSeq,
			"head_digest":       record.HeadDigest,
			"version":           position.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&Position{}).Where("id = ?", position.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return staking.ErrPositionNotFound
		}
		return fmt.Errorf("%w: position %s changed concurrently", staking.ErrContention, position.ID)
	}
	return nil
}

// CreateDistribution implements staking.Store.
func (s *Store) CreateDistribution(ctx context.Context, dist *staking.Distribution) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Distribution{}).Where("event_id = ?", dist.EventID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return staking.ErrDistributionExists
		}
		if err := tx.Create(distributionRecord(dist)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return staking.ErrDistributionExists
			}
			return err
		}
		return nil
	})
}

// Distribution implements staking.Store.
func (s *Store) Distribution(ctx context.Context, eventID string) (*staking.Distribution, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	var record Distribution
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("ordinal asc") }).
		First(&record, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.toDomain(), true, nil
}

// UpdateDistributionLine implements staking.Store.
func (s *Store) UpdateDistributionLine(ctx context.Context, eventID, positionID string, outcome staking.DistributionOutcome) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&DistributionLine{}).
		Where("event_id = ? AND position_id = ?", eventID, positionID).
		Update("outcome", string(outcome))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", staking.ErrDistributionNotFound, eventID, positionID)
	}
	return nil
}

// CompleteDistribution implements staking.Store.
func (s *Store) CompleteDistribution(ctx context.Context, eventID string, unallocated decimal.Decimal) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&Distribution{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"unallocated": unallocated, "completed": true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", staking.ErrDistributionNotFound, eventID)
	}
	return nil
}
