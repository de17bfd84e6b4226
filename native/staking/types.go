package staking

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the lifecycle of a stake position.
type Status string

const (
	StatusLocked     Status = "locked"
	StatusUnlockable Status = "unlockable"
	StatusWithdrawn  Status = "withdrawn"
)

func (s Status) rank() int {
	switch s {
	case StatusLocked:
		return 0
	case StatusUnlockable:
		return 1
	case StatusWithdrawn:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// CanTransition reports whether moving from s to next keeps the status
// monotonic. Staying in place is allowed.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// MovementKind enumerates the ledger movement types.
type MovementKind string

const (
	MovementDeposit       MovementKind = "deposit"
	MovementWithdrawal    MovementKind = "withdrawal"
	MovementRoyaltyCredit MovementKind = "royalty_credit"
	MovementRoyaltyPayout MovementKind = "royalty_payout"
)

// StakePosition is one staker's locked principal on one asset.
type StakePosition struct {
	ID               string          `json:"id"`
	StakerID         string          `json:"stakerId"`
	AssetID          string          `json:"assetId"`
	Principal        decimal.Decimal `json:"principal"`
	StakedAt         time.Time       `json:"stakedAt"`
	UnlockAt         time.Time       `json:"unlockAt"`
	Status           Status          `json:"status"`
	AccruedRoyalties decimal.Decimal `json:"accruedRoyalties"`
	AmountWithdrawn  decimal.Decimal `json:"amountWithdrawn"`
	WithdrawnAt      *time.Time      `json:"withdrawnAt,omitempty"`

	// MovementSeq is the sequence number of the newest movement and HeadDigest
	// its chained digest. Version guards optimistic writes.
	MovementSeq int64  `json:"movementSeq"`
	HeadDigest  string `json:"headDigest"`
	Version     int64  `json:"version"`
}

// Clone returns a deep copy of the position.
func (p *StakePosition) Clone() *StakePosition {
	if p == nil {
		return nil
	}
	clone := *p
	if p.WithdrawnAt != nil {
		ts := *p.WithdrawnAt
		clone.WithdrawnAt = &ts
	}
	return &clone
}

// Balance returns the amount currently held for the position.
func (p *StakePosition) Balance() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Principal.Add(p.AccruedRoyalties).Sub(p.AmountWithdrawn)
}

// AssetStakingConfig holds the per-asset staking parameters set by the asset
// owner.
type AssetStakingConfig struct {
	AssetID          string          `json:"assetId"`
	OwnerID          string          `json:"ownerId"`
	StakingEnabled   bool            `json:"stakingEnabled"`
	LockDurationDays int             `json:"lockDurationDays"`
	MinimumStake     decimal.Decimal `json:"minimumStake"`
	RoyaltyShareBps  int             `json:"royaltyShareBps"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// LockDuration converts the configured day count into a duration.
func (c *AssetStakingConfig) LockDuration() time.Duration {
	if c == nil || c.LockDurationDays <= 0 {
		return 0
	}
	return time.Duration(c.LockDurationDays) * 24 * time.Hour
}

// Clone returns a copy of the config.
func (c *AssetStakingConfig) Clone() *AssetStakingConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// LedgerMovement is one append-only balance change on a position.
type LedgerMovement struct {
	ID              string          `json:"id"`
	StakePositionID string          `json:"stakePositionId"`
	Sequence        int64           `json:"sequence"`
	Kind            MovementKind    `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference,omitempty"`
	OccurredAt      time.Time       `json:"occurredAt"`
	Digest          string          `json:"digest"`
}

// RevenueEvent is a tip or sale attributed to an asset.
type RevenueEvent struct {
	ID          string          `json:"id"`
	AssetID     string          `json:"assetId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Source      string          `json:"source,omitempty"`
}

// WithdrawalReceipt summarises a completed withdrawal.
type WithdrawalReceipt struct {
	PositionID  string          `json:"positionId"`
	StakerID    string          `json:"stakerId"`
	AssetID     string          `json:"assetId"`
	Principal   decimal.Decimal `json:"principal"`
	Royalties   decimal.Decimal `json:"royalties"`
	Total       decimal.Decimal `json:"total"`
	WithdrawnAt time.Time       `json:"withdrawnAt"`
}

// AssetStats aggregates the open positions of one asset.
type AssetStats struct {
	AssetID       string          `json:"assetId"`
	TotalStaked   decimal.Decimal `json:"totalStaked"`
	StakerCount   int             `json:"stakerCount"`
	PositionCount int             `json:"positionCount"`
}

// DistributionOutcome records what happened to one allocation line.
type DistributionOutcome string

const (
	OutcomePending   DistributionOutcome = "pending"
	OutcomeCredited  DistributionOutcome = "credited"
	OutcomeForfeited DistributionOutcome = "forfeited"
)

// DistributionLine is one position's share of a revenue event.
type DistributionLine struct {
	PositionID string              `json:"positionId"`
	StakerID   string              `json:"stakerId"`
	Principal  decimal.Decimal     `json:"principal"`
	Share      decimal.Decimal     `json:"share"`
	Outcome    DistributionOutcome `json:"outcome"`
}

// Distribution is the persisted allocation plan of one revenue event.
type Distribution struct {
	EventID     string             `json:"eventId"`
	AssetID     string             `json:"assetId"`
	TotalAmount decimal.Decimal    `json:"totalAmount"`
	RoyaltyBps  int                `json:"royaltyBps"`
	StakerPool  decimal.Decimal    `json:"stakerPool"`
	Unallocated decimal.Decimal    `json:"unallocated"`
	OccurredAt  time.Time          `json:"occurredAt"`
	Completed   bool               `json:"completed"`
	Lines       []DistributionLine `json:"lines"`
}

// Clone returns a deep copy of the distribution.
func (d *Distribution) Clone() *Distribution {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Lines = append([]DistributionLine(nil), d.Lines...)
	return &clone
}

// Credited sums the shares of credited lines.
func (d *Distribution) Credited() decimal.Decimal {
	total := decimal.Zero
	if d == nil {
		return total
	}
	for _, line := range d.Lines {
		if line.Outcome == OutcomeCredited {
			total = total.Add(line.Share)
		}
	}
	return total
}

// RewardsSummary aggregates a staker's positions.
type RewardsSummary struct {
	StakerID       string           `json:"stakerId"`
	LockedTotal    decimal.Decimal  `json:"lockedTotal"`
	AccruedTotal   decimal.Decimal  `json:"accruedTotal"`
	ReleasedTotal  decimal.Decimal  `json:"releasedTotal"`
	OpenPositions  int              `json:"openPositions"`
	Positions      []*StakePosition `json:"positions"`
	ComputedAtUnix int64            `json:"computedAtUnix"`
}

// AuditReport is the outcome of re-deriving a position's balance from its
// movement log.
type AuditReport struct {
	PositionID    string          `json:"positionId"`
	MovementCount int             `json:"movementCount"`
	MovementSum   decimal.Decimal `json:"movementSum"`
	Expected      decimal.Decimal `json:"expected"`
	Balanced      bool            `json:"balanced"`
	ChainValid    bool            `json:"chainValid"`
	ChainError    string          `json:"chainError,omitempty"`
}
