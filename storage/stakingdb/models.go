package stakingdb

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"riffstake/native/staking"
)

// Position persists a stake position. Version guards optimistic updates.
type Position struct {
	ID               string          `gorm:"primaryKey;size:64"`
	StakerID         string          `gorm:"size:128;index"`
	AssetID          string          `gorm:"size:128;index"`
	Principal        decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	StakedAt         time.Time       `gorm:"index"`
	UnlockAt         time.Time
	Status           string          `gorm:"size:16;index"`
	AccruedRoyalties decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	AmountWithdrawn  decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	WithdrawnAt      *time.Time
	MovementSeq      int64
	HeadDigest       string `gorm:"size:64"`
	Version          int64  `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName pins the table name.
func (Position) TableName() string { return "stake_positions" }

// Movement is one append-only ledger row.
type Movement struct {
	ID              string          `gorm:"primaryKey;size:64"`
	StakePositionID string          `gorm:"size:64;uniqueIndex:idx_movement_sequence,priority:1"`
	Sequence        int64           `gorm:"uniqueIndex:idx_movement_sequence,priority:2"`
	Kind            string          `gorm:"size:32"`
	Amount          decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Reference       string          `gorm:"size:128;index"`
	OccurredAt      time.Time
	Digest          string `gorm:"size:64"`
}

// TableName pins the table name.
func (Movement) TableName() string { return "ledger_movements" }

// AssetConfig stores the per-asset staking parameters.
type AssetConfig struct {
	AssetID          string `gorm:"primaryKey;size:128"`
	OwnerID          string `gorm:"size:128;index"`
	StakingEnabled   bool
	LockDurationDays int
	MinimumStake     decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	RoyaltyShareBps  int
	UpdatedAt        time.Time
}

// TableName pins the table name.
func (AssetConfig) TableName() string { return "asset_staking_configs" }

// Distribution is the persisted allocation plan of a revenue event.
type Distribution struct {
	EventID     string          `gorm:"primaryKey;size:128"`
	AssetID     string          `gorm:"size:128;index"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	RoyaltyBps  int
	StakerPool  decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Unallocated decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	OccurredAt  time.Time
	Completed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []DistributionLine `gorm:"foreignKey:EventID;references:EventID"`
}

// TableName pins the table name.
func (Distribution) TableName() string { return "revenue_distributions" }

// DistributionLine records one position's share and what became of it.
type DistributionLine struct {
	ID         uint            `gorm:"primaryKey"`
	EventID    string          `gorm:"size:128;uniqueIndex:idx_distribution_line,priority:1"`
	PositionID string          `gorm:"size:64;uniqueIndex:idx_distribution_line,priority:2"`
	Ordinal    int
	StakerID   string          `gorm:"size:128"`
	Principal  decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Share      decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Outcome    string          `gorm:"size:16"`
}

// TableName pins the table name.
func (DistributionLine) TableName() string { return "revenue_distribution_lines" }

// IdempotencyKey stores the first response given for an Idempotency-Key.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	CallerID  string `gorm:"size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the staking store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Position{},
		&Movement{},
		&AssetConfig{},
		&Distribution{},
		&DistributionLine{},
		&IdempotencyKey{},
	)
}

func positionRecord(p *staking.StakePosition) *Position {
	return &Position{
		ID:               p.ID,
		StakerID:         p.StakerID,
		AssetID:          p.AssetID,
		Principal:        p.Principal,
		StakedAt:         p.StakedAt,
		UnlockAt:         p.UnlockAt,
		Status:           string(p.Status),
		AccruedRoyalties: p.AccruedRoyalties,
		AmountWithdrawn:  p.AmountWithdrawn,
		WithdrawnAt:      p.WithdrawnAt,
		MovementSeq:      p.MovementSeq,
		HeadDigest:       p.HeadDigest,
		Version:          p.Version,
	}
}

func (r *Position) toDomain() *staking.StakePosition {
	position := &staking.StakePosition{
		ID:               r.ID,
		StakerID:         r.StakerID,
		AssetID:          r.AssetID,
		Principal:        r.Principal,
		StakedAt:         r.StakedAt.UTC(),
		UnlockAt:         r.UnlockAt.UTC(),
		Status:           staking.Status(r.Status),
		AccruedRoyalties: r.AccruedRoyalties,
		AmountWithdrawn:  r.AmountWithdrawn,
		MovementSeq:      r.MovementSeq,
		HeadDigest:       r.HeadDigest,
		Version:          r.Version,
	}
	if r.WithdrawnAt != nil {
		ts := r.WithdrawnAt.UTC()
		position.WithdrawnAt = &ts
	}
	return position
}

func movementRecord(m *staking.LedgerMovement) Movement {
	return Movement{
		ID:              m.ID,
		StakePositionID: m.StakePositionID,
		Sequence:        m.Sequence,
		Kind:            string(m.Kind),
		Amount:          m.Amount,
		Reference:       m.Reference,
		OccurredAt:      m.OccurredAt,
		Digest:          m.Digest,
	}
}

func (r *Movement) toDomain() *staking.LedgerMovement {
	return &staking.LedgerMovement{
		ID:              r.ID,
		StakePositionID: r.StakePositionID,
		Sequence:        r.Sequence,
		Kind:            staking.MovementKind(r.Kind),
		Amount:          r.Amount,
		Reference:       r.Reference,
		OccurredAt:      r.OccurredAt.UTC(),
		Digest:          r.Digest,
	}
}

func configRecord(c *staking.AssetStakingConfig) *AssetConfig {
	return &AssetConfig{
		AssetID:          c.AssetID,
		OwnerID:          c.OwnerID,
		StakingEnabled:   c.StakingEnabled,
		LockDurationDays: c.LockDurationDays,
		MinimumStake:     c.MinimumStake,
		RoyaltyShareBps:  c.RoyaltyShareBps,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (r *AssetConfig) toDomain() *staking.AssetStakingConfig {
	return &staking.AssetStakingConfig{
		AssetID:          r.AssetID,
		OwnerID:          r.OwnerID,
		StakingEnabled:   r.StakingEnabled,
		LockDurationDays: r.LockDurationDays,
		MinimumStake:     r.MinimumStake,
		RoyaltyShareBps:  r.RoyaltyShareBps,
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func distributionRecord(d *staking.Distribution) *Distribution {
	record := &Distribution{
		EventID:     d.EventID,
		AssetID:     d.AssetID,
		TotalAmount: d.TotalAmount,
		RoyaltyBps:  d.RoyaltyBps,
		StakerPool:  d.StakerPool,
		Unallocated: d.Unallocated,
		OccurredAt:  d.OccurredAt,
		Completed:   d.Completed,
		Lines:       make([]DistributionLine, 0, len(d.Lines)),
	}
	for i, line := range d.Lines {
		record.Lines = append(record.Lines, DistributionLine{
			EventID:    d.EventID,
			PositionID: line.PositionID,
			Ordinal:    i,
			StakerID:   line.StakerID,
			Principal:  line.Principal,
			Share:      line.Share,
			Outcome:    string(line.Outcome),
		})
	}
	return record
}

func (r *Distribution) toDomain() *staking.Distribution {
	dist := &staking.Distribution{
		EventID:     r.EventID,
		AssetID:     r.AssetID,
		TotalAmount: r.TotalAmount,
		RoyaltyBps:  r.RoyaltyBps,
		StakerPool:  r.StakerPool,
		Unallocated: r.Unallocated,
		OccurredAt:  r.OccurredAt.UTC(),
		Completed:   r.Completed,
		Lines:       make([]staking.DistributionLine, 0, len(r.Lines)),
	}
	for _, line := range r.Lines {
		dist.Lines = append(dist.Lines, staking.DistributionLine{
			PositionID: line.PositionID,
			StakerID:   line.StakerID,
			Principal:  line.Principal,
			Share:      line.Share,
			Outcome:    staking.DistributionOutcome(line.Outcome),
		})
	}
	return dist
}
