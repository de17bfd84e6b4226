package staking

import (
	"context"

	"github.com/shopspring/decimal"
)

// PositionFilter narrows ListPositions. Empty fields match everything.
type PositionFilter struct {
	AssetID  string
	StakerID string
	Statuses []Status
}

// Matches reports whether position satisfies the filter.
func (f PositionFilter) Matches(position *StakePosition) bool {
	if position == nil {
		return false
	}
	if f.AssetID != "" && position.AssetID != f.AssetID {
		return false
	}
	if f.StakerID != "" && position.StakerID != f.StakerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if position.Status == status {
			return true
		}
	}
	return false
}

// Changeset is one atomic ledger write: a new or updated position together
// with the movements it appends.
type Changeset struct {
	// Create inserts a new position.
	Create *StakePosition
	// Update overwrites an existing position. Its Version must match the
	// stored version; the store then bumps it by one.
	Update    *StakePosition
	Movements []*LedgerMovement
}

// Store persists ledger state. Commit must apply a changeset all-or-nothing
// and report a version mismatch on Update as ErrContention.
type Store interface {
	AssetConfig(ctx context.Context, assetID string) (*AssetStakingConfig, bool, error)
	PutAssetConfig(ctx context.Context, cfg *AssetStakingConfig) error

	Position(ctx context.Context, id string) (*StakePosition, bool, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]*StakePosition, error)
	Movements(ctx context.Context, positionID string) ([]*LedgerMovement, error)
	HasMovementRef(ctx context.Context, positionID, reference string) (bool, error)
	Commit(ctx context.Context, change *Changeset) error

	CreateDistribution(ctx context.Context, dist *Distribution) error
	Distribution(ctx context.Context, eventID string) (*Distribution, bool, error)
	UpdateDistributionLine(ctx context.Context, eventID, positionID string, outcome DistributionOutcome) error
	CompleteDistribution(ctx context.Context, eventID string, unallocated decimal.Decimal) error
}
