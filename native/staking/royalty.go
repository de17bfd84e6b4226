package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RoyaltyEngine turns revenue events into royalty credits on eligible
// positions. The allocation plan is persisted before any credit is applied so
// an interrupted event can be redelivered and resumed.
type RoyaltyEngine struct {
	store  Store
	ledger *Ledger
	retry  retryPolicy
	logger *slog.Logger
}

// NewRoyaltyEngine returns an engine crediting through ledger.
func NewRoyaltyEngine(store Store, ledger *Ledger, logger *slog.Logger) *RoyaltyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoyaltyEngine{store: store, ledger: ledger, retry: retryPolicy{logger: logger}, logger: logger}
}

// OnRevenueEvent allocates the stakers' share of evt across the positions
// open at evt.OccurredAt and credits them one at a time. A position withdrawn
// since then forfeits its share into Unallocated. Replaying an event returns the stored distribution, finishing
// it first if it was left incomplete. settled reports whether this call
// completed the distribution; it is false for a replay of a finished event.
func (r *RoyaltyEngine) OnRevenueEvent(ctx context.Context, evt RevenueEvent) (dist *Distribution, settled bool, err error) {
	if r == nil || r.store == nil || r.ledger == nil {
		return nil, false, ErrNilStore
	}
	if evt.AssetID == "" {
		return nil, false, fmt.Errorf("%w: asset id required", ErrInvalidAmount)
	}
	if evt.TotalAmount.Sign() < 0 {
		return nil, false, fmt.Errorf("%w: revenue must not be negative", ErrInvalidAmount)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = r.ledger.Now()
	}

	if existing, ok, err := r.store.Distribution(ctx, evt.ID); err != nil {
		return nil, false, err
	} else if ok {
		return r.settle(ctx, existing)
	}

	bps := 0
	cfg, ok, err := r.store.AssetConfig(ctx, evt.AssetID)
	if err != nil {
		return nil, false, err
	}
	if ok && cfg != nil {
		bps = cfg.RoyaltyShareBps
	}
	scale := r.ledger.Scale()
	pool := StakerPool(evt.TotalAmount, bps, scale)
	snapshot, err := r.ledger.Snapshot(ctx, evt.AssetID, evt.OccurredAt)
	if err != nil {
		return nil, false, err
	}
	lines, unallocated := Allocate(pool, snapshot, scale)
	dist = &Distribution{
		EventID:     evt.ID,
		AssetID:     evt.AssetID,
		TotalAmount: evt.TotalAmount,
		RoyaltyBps:  bps,
		StakerPool:  pool,
		Unallocated: unallocated,
		OccurredAt:  evt.OccurredAt.UTC().Truncate(timeResolution),
		Lines:       lines,
	}
	if err := r.store.CreateDistribution(ctx, dist); err != nil {
		if !errors.Is(err, ErrDistributionExists) {
			return nil, false, err
		}
		// Lost a race with a concurrent delivery of the same event.
		stored, ok, loadErr := r.store.Distribution(ctx, evt.ID)
		if loadErr != nil {
			return nil, false, loadErr
		}
		if !ok {
			return nil, false, err
		}
		dist = stored
	}
	return r.settle(ctx, dist)
}

func (r *RoyaltyEngine) settle(ctx context.Context, dist *Distribution) (*Distribution, bool, error) {
	if dist.Completed {
		return dist.Clone(), false, nil
	}
	for i := range dist.Lines {
		line := &dist.Lines[i]
		if line.Outcome != OutcomePending {
			continue
		}
		outcome := OutcomeCredited
		if line.Share.Sign() > 0 {
			err := r.retry.do(ctx, "credit_royalty", func() error {
				_, _, err := r.ledger.CreditRoyalty(ctx, line.PositionID, line.Share, dist.EventID)
				return err
			})
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyWithdrawn), errors.Is(err, ErrPositionNotFound):
				outcome = OutcomeForfeited
				r.logger.Info("royalty share forfeited",
					slog.String("event_id", dist.EventID),
					slog.String("position_id", line.PositionID),
					slog.String("share", line.Share.String()))
			default:
				return nil, false, fmt.Errorf("credit position %s: %w", line.PositionID, err)
			}
		}
		if err := r.store.UpdateDistributionLine(ctx, dist.EventID, line.PositionID, outcome); err != nil {
			return nil, false, err
		}
		line.Outcome = outcome
	}
	dist.Unallocated = dist.StakerPool.Sub(dist.Credited())
	if err := r.store.CompleteDistribution(ctx, dist.EventID, dist.Unallocated); err != nil {
		return nil, false, err
	}
	dist.Completed = true
	return dist.Clone(), true, nil
}
