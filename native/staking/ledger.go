package staking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultScale is the number of decimal places of the smallest currency unit.
const DefaultScale int32 = 2

// timeResolution is the finest timestamp precision every supported database
// keeps; ledger timestamps are truncated to it so digests survive a round trip.
const timeResolution = time.Microsecond

// Ledger owns stake positions and their movement log. Every mutation runs
// under the position's lock and commits as a single changeset.
type Ledger struct {
	store  Store
	locker Locker
	now    func() time.Time
	newID  func() string
	scale  int32
}

// NewLedger wires a ledger over store. A nil locker gets a LocalLocker with the
// default timeout; a nil clock uses time.Now.
func NewLedger(store Store, locker Locker, now func() time.Time, scale int32) *Ledger {
	if locker == nil {
		locker = NewLocalLocker(DefaultLockTimeout)
	}
	if now == nil {
		now = time.Now
	}
	if scale < 0 {
		scale = DefaultScale
	}
	return &Ledger{store: store, locker: locker, now: now, newID: uuid.NewString, scale: scale}
}

// Scale returns the currency scale the ledger rounds to.
func (l *Ledger) Scale() int32 { return l.scale }

// Now returns the ledger clock in UTC at timeResolution.
func (l *Ledger) Now() time.Time {
	return l.now().UTC().Truncate(timeResolution)
}

func (l *Ledger) representable(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(l.scale))
}

func positionKey(id string) string { return "position:" + id }

func (l *Ledger) appendMovement(position *StakePosition, kind MovementKind, amount decimal.Decimal, reference string, at time.Time) *LedgerMovement {
	movement := &LedgerMovement{
		ID:              l.newID(),
		StakePositionID: position.ID,
		Sequence:        position.MovementSeq + 1,
		Kind:            kind,
		Amount:          amount,
		Reference:       reference,
		OccurredAt:      at,
	}
	movement.Digest = MovementDigest(position.HeadDigest, movement)
	position.MovementSeq = movement.Sequence
	position.HeadDigest = movement.Digest
	return movement
}

// OpenPosition locks amount for stakerID on cfg's asset for lock.
func (l *Ledger) OpenPosition(ctx context.Context, stakerID string, cfg *AssetStakingConfig, amount decimal.Decimal, lock time.Duration) (*StakePosition, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	if cfg == nil || !cfg.StakingEnabled {
		return nil, ErrStakingDisabled
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !l.representable(amount) {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, l.scale)
	}
	if amount.LessThan(cfg.MinimumStake) {
		return nil, fmt.Errorf("%w: below minimum stake %s", ErrInvalidAmount, cfg.MinimumStake.String())
	}
	if lock <= 0 {
		return nil, fmt.Errorf("%w: lock duration must be positive", ErrInvalidConfig)
	}
	now := l.Now()
	position := &StakePosition{
		ID:               l.newID(),
		StakerID:         stakerID,
		AssetID:          cfg.AssetID,
		Principal:        amount,
		StakedAt:         now,
		UnlockAt:         now.Add(lock),
		Status:           StatusLocked,
		AccruedRoyalties: decimal.Zero,
		AmountWithdrawn:  decimal.Zero,
		Version:          1,
	}
	deposit := l.appendMovement(position, MovementDeposit, amount, "", now)
	if err := l.store.Commit(ctx, &Changeset{Create: position, Movements: []*LedgerMovement{deposit}}); err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

// mutate loads the position under its lock, lets fn stage a changeset and
// commits it. fn returning a nil changeset means nothing to write.
func (l *Ledger) mutate(ctx context.Context, id string, fn func(position *StakePosition, now time.Time) (*Changeset, error)) (*StakePosition, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	unlock, err := l.locker.Lock(ctx, positionKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	position, ok, err := l.store.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || position == nil {
		return nil, ErrPositionNotFound
	}
	before := position.Status
	change, err := fn(position, l.Now())
	if err != nil {
		return position, err
	}
	if change == nil {
		return position, nil
	}
	if change.Update != nil && !before.CanTransition(change.Update.Status) {
		return nil, fmt.Errorf("staking: illegal status transition %s -> %s", before, change.Update.Status)
	}
	if err := l.store.Commit(ctx, change); err != nil {
		return nil, err
	}
	if change.Update != nil {
		change.Update.Version++
	}
	return position, nil
}

// touch flips a due Locked position to Unlockable in memory.
func touch(position *StakePosition, now time.Time) bool {
	if position.Status == StatusLocked && IsWithdrawable(position, now) {
		position.Status = StatusUnlockable
		return true
	}
	return false
}

// Touch persists the Locked to Unlockable transition if it is due. It is
// idempotent and appends no movements.
func (l *Ledger) Touch(ctx context.Context, positionID string) (*StakePosition, bool, error) {
	changed := false
	position, err := l.mutate(ctx, positionID, func(position *StakePosition, now time.Time) (*Changeset, error) {
		if !touch(position, now) {
			return nil, nil
		}
		changed = true
		return &Changeset{Update: position}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return position.Clone(), changed, nil
}

// CreditRoyalty adds amount to the position's accrued royalties. Amounts that
// are negative or carry more decimal places than the ledger scale are
// rejected with ErrInvalidAmount. A non-empty reference makes the credit
// idempotent: a second credit carrying the same reference is skipped and
// reported as not credited.
func (l *Ledger) CreditRoyalty(ctx context.Context, positionID string, amount decimal.Decimal, reference string) (*StakePosition, bool, error) {
	if amount.Sign() < 0 {
		return nil, false, fmt.Errorf("%w: royalty credit must not be negative", ErrInvalidAmount)
	}
	if !l.representable(amount) {
		return nil, false, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, l.scale)
	}
	credited := false
	position, err := l.mutate(ctx, positionID, func(position *StakePosition, now time.Time) (*Changeset, error) {
		// A reference already applied wins over the withdrawn check so a
		// replayed credit is reported as done, not forfeited.
		if reference != "" {
			seen, err := l.store.HasMovementRef(ctx, position.ID, reference)
			if err != nil {
				return nil, err
			}
			if seen {
				return nil, nil
			}
		}
		if position.Status == StatusWithdrawn {
			return nil, ErrAlreadyWithdrawn
		}
		touched := touch(position, now)
		if amount.Sign() == 0 {
			if !touched {
				return nil, nil
			}
			return &Changeset{Update: position}, nil
		}
		position.AccruedRoyalties = position.AccruedRoyalties.Add(amount)
		movement := l.appendMovement(position, MovementRoyaltyCredit, amount, reference, now)
		credited = true
		return &Changeset{Update: position, Movements: []*LedgerMovement{movement}}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return position.Clone(), credited, nil
}

// Withdraw releases principal and accrued royalties of an unlocked position.
func (l *Ledger) Withdraw(ctx context.Context, positionID string) (*WithdrawalReceipt, error) {
	var receipt *WithdrawalReceipt
	_, err := l.mutate(ctx, positionID, func(position *StakePosition, now time.Time) (*Changeset, error) {
		if position.Status == StatusWithdrawn {
			return nil, ErrAlreadyWithdrawn
		}
		if !IsWithdrawable(position, now) {
			return nil, &NotWithdrawableError{
				PositionID: position.ID,
				UnlockAt:   position.UnlockAt,
				Remaining:  RemainingLock(position, now),
			}
		}
		principal := position.Principal
		royalties := position.AccruedRoyalties
		movements := []*LedgerMovement{
			l.appendMovement(position, MovementWithdrawal, principal.Neg(), "", now),
		}
		if royalties.Sign() > 0 {
			movements = append(movements, l.appendMovement(position, MovementRoyaltyPayout, royalties.Neg(), "", now))
		}
		withdrawnAt := now
		position.Status = StatusWithdrawn
		position.WithdrawnAt = &withdrawnAt
		position.AmountWithdrawn = principal.Add(royalties)
		receipt = &WithdrawalReceipt{
			PositionID:  position.ID,
			StakerID:    position.StakerID,
			AssetID:     position.AssetID,
			Principal:   principal,
			Royalties:   royalties,
			Total:       position.AmountWithdrawn,
			WithdrawnAt: now,
		}
		return &Changeset{Update: position, Movements: movements}, nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Position returns the stored position with its effective status projected.
func (l *Ledger) Position(ctx context.Context, positionID string) (*StakePosition, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	position, ok, err := l.store.Position(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !ok || position == nil {
		return nil, ErrPositionNotFound
	}
	return Project(position, l.Now()), nil
}

// Positions lists positions matching filter with effective statuses applied.
// Status filtering happens on stored status.
func (l *Ledger) Positions(ctx context.Context, filter PositionFilter) ([]*StakePosition, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	positions, err := l.store.ListPositions(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := l.Now()
	out := make([]*StakePosition, 0, len(positions))
	for _, position := range positions {
		out = append(out, Project(position, now))
	}
	return out, nil
}

// Snapshot returns the positions on assetID that were open at the given
// instant: staked no later than at and not yet withdrawn by then. Positions
// withdrawn since are included; crediting them later forfeits their share.
// It is one store read.
func (l *Ledger) Snapshot(ctx context.Context, assetID string, at time.Time) ([]*StakePosition, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	positions, err := l.store.ListPositions(ctx, PositionFilter{AssetID: assetID})
	if err != nil {
		return nil, err
	}
	eligible := make([]*StakePosition, 0, len(positions))
	for _, position := range positions {
		if openAt(position, at) {
			eligible = append(eligible, position)
		}
	}
	return eligible, nil
}

func openAt(position *StakePosition, at time.Time) bool {
	if position.StakedAt.After(at) {
		return false
	}
	if position.Status != StatusWithdrawn {
		return true
	}
	return position.WithdrawnAt != nil && position.WithdrawnAt.After(at)
}

// Movements returns the movement log of a position in sequence order.
func (l *Ledger) Movements(ctx context.Context, positionID string) ([]*LedgerMovement, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	if _, ok, err := l.store.Position(ctx, positionID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrPositionNotFound
	}
	return l.store.Movements(ctx, positionID)
}

// Audit recomputes the position balance from its movement log and verifies
// the digest chain.
func (l *Ledger) Audit(ctx context.Context, positionID string) (*AuditReport, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	position, ok, err := l.store.Position(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !ok || position == nil {
		return nil, ErrPositionNotFound
	}
	movements, err := l.store.Movements(ctx, positionID)
	if err != nil {
		return nil, err
	}
	sum := decimal.Zero
	for _, movement := range movements {
		sum = sum.Add(movement.Amount)
	}
	report := &AuditReport{
		PositionID:    position.ID,
		MovementCount: len(movements),
		MovementSum:   sum,
		Expected:      position.Balance(),
	}
	report.Balanced = report.MovementSum.Equal(report.Expected)
	if err := VerifyChain(position, movements); err != nil {
		report.ChainError = err.Error()
	} else {
		report.ChainValid = true
	}
	return report, nil
}

// isTerminal reports errors that retrying cannot fix.
func isTerminal(err error) bool {
	return err != nil && !errors.Is(err, ErrContention)
}
