package staking

import (
	"strconv"
	"time"

	"riffstake/core/events"
	"riffstake/core/types"
)

const (
	// EventTypePositionOpened is emitted when a staker locks principal on an asset.
	EventTypePositionOpened = "staking.position.opened"
	// EventTypePositionUnlocked is emitted when a lazy unlock is persisted.
	EventTypePositionUnlocked = "staking.position.unlocked"
	// EventTypePositionWithdrawn is emitted when principal and royalties are released.
	EventTypePositionWithdrawn = "staking.position.withdrawn"
	// EventTypeRoyaltyCredited is emitted for every credited distribution line.
	EventTypeRoyaltyCredited = "staking.royalty.credited"
	// EventTypeRevenueDistributed is emitted once a revenue event is fully settled.
	EventTypeRevenueDistributed = "staking.revenue.distributed"
	// EventTypeAssetConfigured is emitted when an asset's staking config changes.
	EventTypeAssetConfigured = "staking.asset.configured"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// PositionOpenedEvent describes a freshly opened position.
func PositionOpenedEvent(position *StakePosition) *types.Event {
	return &types.Event{
		Type: EventTypePositionOpened,
		Attributes: map[string]string{
			"positionId": position.ID,
			"stakerId":   position.StakerID,
			"assetId":    position.AssetID,
			"principal":  position.Principal.String(),
			"unlockAt":   formatTime(position.UnlockAt),
		},
	}
}

// PositionUnlockedEvent describes a persisted Locked to Unlockable flip.
func PositionUnlockedEvent(position *StakePosition) *types.Event {
	return &types.Event{
		Type: EventTypePositionUnlocked,
		Attributes: map[string]string{
			"positionId": position.ID,
			"stakerId":   position.StakerID,
			"assetId":    position.AssetID,
		},
	}
}

// PositionWithdrawnEvent describes a completed withdrawal.
func PositionWithdrawnEvent(receipt *WithdrawalReceipt) *types.Event {
	return &types.Event{
		Type: EventTypePositionWithdrawn,
		Attributes: map[string]string{
			"positionId":  receipt.PositionID,
			"stakerId":    receipt.StakerID,
			"assetId":     receipt.AssetID,
			"principal":   receipt.Principal.String(),
			"royalties":   receipt.Royalties.String(),
			"total":       receipt.Total.String(),
			"withdrawnAt": formatTime(receipt.WithdrawnAt),
		},
	}
}

// RoyaltyCreditedEvent describes one credited distribution line.
func RoyaltyCreditedEvent(eventID string, line DistributionLine) *types.Event {
	return &types.Event{
		Type: EventTypeRoyaltyCredited,
		Attributes: map[string]string{
			"eventId":    eventID,
			"positionId": line.PositionID,
			"stakerId":   line.StakerID,
			"amount":     line.Share.String(),
		},
	}
}

// RevenueDistributedEvent summarises a settled revenue event.
func RevenueDistributedEvent(dist *Distribution) *types.Event {
	return &types.Event{
		Type: EventTypeRevenueDistributed,
		Attributes: map[string]string{
			"eventId":     dist.EventID,
			"assetId":     dist.AssetID,
			"total":       dist.TotalAmount.String(),
			"stakerPool":  dist.StakerPool.String(),
			"credited":    dist.Credited().String(),
			"unallocated": dist.Unallocated.String(),
			"lines":       strconv.Itoa(len(dist.Lines)),
		},
	}
}

// AssetConfiguredEvent describes an asset config write.
func AssetConfiguredEvent(cfg *AssetStakingConfig) *types.Event {
	return &types.Event{
		Type: EventTypeAssetConfigured,
		Attributes: map[string]string{
			"assetId":          cfg.AssetID,
			"ownerId":          cfg.OwnerID,
			"stakingEnabled":   strconv.FormatBool(cfg.StakingEnabled),
			"lockDurationDays": strconv.Itoa(cfg.LockDurationDays),
			"minimumStake":     cfg.MinimumStake.String(),
			"royaltyShareBps":  strconv.Itoa(cfg.RoyaltyShareBps),
		},
	}
}
