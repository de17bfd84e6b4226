package staking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"riffstake/core/events"
	"riffstake/core/types"
)

// DefaultLockDays applies to assets configured without a lock duration.
const DefaultLockDays = 90

const tracerName = "riffstake/native/staking"

// ErrAssetNotConfigured is returned for assets without a staking config. It
// matches ErrStakingDisabled.
var ErrAssetNotConfigured = fmt.Errorf("%w: asset has no staking config", ErrStakingDisabled)

// Metrics receives engine instrumentation. observability.StakingMetrics
// implements it.
type Metrics interface {
	ObserveOperation(op, outcome string, duration time.Duration)
	RecordContention(op string)
	RecordDistribution(assetID string, credited, unallocated float64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration) {}
func (noopMetrics) RecordContention(string)                        {}
func (noopMetrics) RecordDistribution(string, float64, float64)    {}

// Engine is the public staking surface. It composes the ledger, the unlock
// schedule and the royalty engine with authorization checks.
type Engine struct {
	store     Store
	ledger    *Ledger
	royalties *RoyaltyEngine
	locker    Locker
	emitter   events.Emitter
	metrics   Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	retry     retryPolicy
	nowFn     func() time.Time
	newID     func() string
	scale     int32
	lockWait  time.Duration
	lockDays  int
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// WithLocker supplies the per-position locker, e.g. a redis-backed one when
// several service replicas share a database.
func WithLocker(locker Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithLockTimeout bounds lock waits of the default local locker.
func WithLockTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.lockWait = timeout }
}

// WithEmitter configures the event emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithMetrics configures the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithLogger configures the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRetry sets how many attempts a contended operation gets and the first
// backoff interval.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(e *Engine) {
		e.retry.attempts = attempts
		e.retry.initial = initial
		if initial > 0 && e.retry.max < initial {
			e.retry.max = 10 * initial
		}
	}
}

// WithScale sets the number of decimal places of the smallest currency unit.
func WithScale(scale int32) Option {
	return func(e *Engine) { e.scale = scale }
}

// WithDefaultLockDays sets the lock applied to assets configured without one.
func WithDefaultLockDays(days int) Option {
	return func(e *Engine) { e.lockDays = days }
}

// WithIDGenerator overrides position and movement id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine constructs an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		emitter:  events.NoopEmitter{},
		metrics:  noopMetrics{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		nowFn:    time.Now,
		scale:    DefaultScale,
		lockDays: DefaultLockDays,
		retry:    retryPolicy{attempts: DefaultRetryAttempts},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.nowFn == nil {
		e.nowFn = time.Now
	}
	if e.lockDays <= 0 {
		e.lockDays = DefaultLockDays
	}
	if e.locker == nil {
		e.locker = NewLocalLocker(e.lockWait)
	}
	e.retry.logger = e.logger
	e.retry.metrics = e.metrics

	e.ledger = NewLedger(store, e.locker, e.nowFn, e.scale)
	if e.newID != nil {
		e.ledger.newID = e.newID
	}
	e.royalties = NewRoyaltyEngine(store, e.ledger, e.logger)
	e.royalties.retry = e.retry
	return e
}

// Ledger exposes the underlying ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer.Start(ctx, "staking."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (e *Engine) finish(span trace.Span, op string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
	e.metrics.ObserveOperation(op, outcome, time.Since(started))
}

func (e *Engine) assetConfig(ctx context.Context, assetID string) (*AssetStakingConfig, error) {
	cfg, ok, err := e.store.AssetConfig(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !ok || cfg == nil {
		return nil, ErrAssetNotConfigured
	}
	return cfg, nil
}

// Stake opens a position for callerID on assetID using the asset's lock
// duration. callerID must already be authenticated.
func (e *Engine) Stake(ctx context.Context, callerID, assetID string, amount decimal.Decimal) (position *StakePosition, err error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	ctx, span, started := e.start(ctx, "stake", attribute.String("asset.id", assetID))
	defer func() { e.finish(span, "stake", started, err) }()

	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil, ErrForbidden
	}
	cfg, err := e.assetConfig(ctx, assetID)
	if err != nil {
		return nil, err
	}
	days := cfg.LockDurationDays
	if days <= 0 {
		days = e.lockDays
	}
	lock := time.Duration(days) * 24 * time.Hour
	err = e.retry.do(ctx, "stake", func() error {
		var openErr error
		position, openErr = e.ledger.OpenPosition(ctx, callerID, cfg, amount, lock)
		return openErr
	})
	if err != nil {
		return nil, err
	}
	e.emit(PositionOpenedEvent(position))
	return position, nil
}

// Unstake withdraws positionID on behalf of callerID.
func (e *Engine) Unstake(ctx context.Context, callerID, positionID string) (receipt *WithdrawalReceipt, err error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	ctx, span, started := e.start(ctx, "unstake", attribute.String("position.id", positionID))
	defer func() { e.finish(span, "unstake", started, err) }()

	err = e.retry.do(ctx, "unstake", func() error {
		position, ok, loadErr := e.store.Position(ctx, positionID)
		if loadErr != nil {
			return loadErr
		}
		if !ok || position == nil {
			return ErrPositionNotFound
		}
		if position.StakerID != callerID {
			return ErrForbidden
		}
		if position.Status == StatusWithdrawn {
			return ErrAlreadyWithdrawn
		}
		now := e.ledger.Now()
		if !IsWithdrawable(position, now) {
			return &NotWithdrawableError{
				PositionID: position.ID,
				UnlockAt:   position.UnlockAt,
				Remaining:  RemainingLock(position, now),
			}
		}
		var withdrawErr error
		receipt, withdrawErr = e.ledger.Withdraw(ctx, positionID)
		return withdrawErr
	})
	if err != nil {
		return nil, err
	}
	e.emit(PositionWithdrawnEvent(receipt))
	return receipt, nil
}

// Touch persists a due unlock of positionID.
func (e *Engine) Touch(ctx context.Context, positionID string) (position *StakePosition, err error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	ctx, span, started := e.start(ctx, "touch", attribute.String("position.id", positionID))
	defer func() { e.finish(span, "touch", started, err) }()

	changed := false
	err = e.retry.do(ctx, "touch", func() error {
		var touchErr error
		position, changed, touchErr = e.ledger.Touch(ctx, positionID)
		return touchErr
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.emit(PositionUnlockedEvent(position))
	}
	return position, nil
}

// Stats aggregates the open positions of assetID.
func (e *Engine) Stats(ctx context.Context, assetID string) (*AssetStats, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	positions, err := e.store.ListPositions(ctx, PositionFilter{
		AssetID:  assetID,
		Statuses: []Status{StatusLocked, StatusUnlockable},
	})
	if err != nil {
		return nil, err
	}
	stats := &AssetStats{AssetID: assetID, TotalStaked: decimal.Zero}
	stakers := make(map[string]struct{}, len(positions))
	for _, position := range positions {
		stats.TotalStaked = stats.TotalStaked.Add(position.Principal)
		stats.PositionCount++
		stakers[position.StakerID] = struct{}{}
	}
	stats.StakerCount = len(stakers)
	return stats, nil
}

// Position returns positionID with its effective status.
func (e *Engine) Position(ctx context.Context, positionID string) (*StakePosition, error) {
	if e == nil {
		return nil, ErrNilStore
	}
	return e.ledger.Position(ctx, positionID)
}

// PositionsByStaker lists every position of stakerID, newest first.
func (e *Engine) PositionsByStaker(ctx context.Context, stakerID string) ([]*StakePosition, error) {
	if e == nil {
		return nil, ErrNilStore
	}
	positions, err := e.ledger.Positions(ctx, PositionFilter{StakerID: stakerID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].StakedAt.After(positions[j].StakedAt)
	})
	return positions, nil
}

func (e *Engine) ownedPosition(ctx context.Context, callerID, positionID string) (*StakePosition, error) {
	position, err := e.ledger.Position(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if position.StakerID != callerID {
		return nil, ErrForbidden
	}
	return position, nil
}

// Movements returns the movement log of a position owned by callerID.
func (e *Engine) Movements(ctx context.Context, callerID, positionID string) ([]*LedgerMovement, error) {
	if e == nil {
		return nil, ErrNilStore
	}
	if _, err := e.ownedPosition(ctx, callerID, positionID); err != nil {
		return nil, err
	}
	return e.ledger.Movements(ctx, positionID)
}

// Audit verifies conservation and the digest chain of a position owned by
// callerID.
func (e *Engine) Audit(ctx context.Context, callerID, positionID string) (*AuditReport, error) {
	if e == nil {
		return nil, ErrNilStore
	}
	if _, err := e.ownedPosition(ctx, callerID, positionID); err != nil {
		return nil, err
	}
	report, err := e.ledger.Audit(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !report.Balanced || !report.ChainValid {
		e.logger.Error("ledger audit failed",
			slog.String("position_id", positionID),
			slog.String("movement_sum", report.MovementSum.String()),
			slog.String("expected", report.Expected.String()),
			slog.String("reason", report.ChainError))
	}
	return report, nil
}

// Rewards summarises stakerID's positions.
func (e *Engine) Rewards(ctx context.Context, stakerID string) (*RewardsSummary, error) {
	positions, err := e.PositionsByStaker(ctx, stakerID)
	if err != nil {
		return nil, err
	}
	summary := &RewardsSummary{
		StakerID:       stakerID,
		LockedTotal:    decimal.Zero,
		AccruedTotal:   decimal.Zero,
		ReleasedTotal:  decimal.Zero,
		Positions:      positions,
		ComputedAtUnix: e.ledger.Now().Unix(),
	}
	for _, position := range positions {
		if position.Status == StatusWithdrawn {
			summary.ReleasedTotal = summary.ReleasedTotal.Add(position.AmountWithdrawn)
			continue
		}
		summary.OpenPositions++
		summary.LockedTotal = summary.LockedTotal.Add(position.Principal)
		summary.AccruedTotal = summary.AccruedTotal.Add(position.AccruedRoyalties)
	}
	return summary, nil
}

// AssetConfig returns the staking config of assetID.
func (e *Engine) AssetConfig(ctx context.Context, assetID string) (*AssetStakingConfig, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	return e.assetConfig(ctx, assetID)
}

func validateConfig(cfg *AssetStakingConfig) error {
	if strings.TrimSpace(cfg.AssetID) == "" {
		return fmt.Errorf("%w: asset id required", ErrInvalidConfig)
	}
	if cfg.LockDurationDays < 0 {
		return fmt.Errorf("%w: lock duration must be positive", ErrInvalidConfig)
	}
	if cfg.MinimumStake.Sign() < 0 {
		return fmt.Errorf("%w: minimum stake must not be negative", ErrInvalidConfig)
	}
	if cfg.RoyaltyShareBps < 0 || cfg.RoyaltyShareBps > bpsDenominator {
		return fmt.Errorf("%w: royalty share must be within 0..%d bps", ErrInvalidConfig, bpsDenominator)
	}
	return nil
}

// ConfigureAsset creates or updates the staking config of an asset. The first
// caller to configure an asset becomes its owner; only the owner may change
// it afterwards.
func (e *Engine) ConfigureAsset(ctx context.Context, callerID string, cfg AssetStakingConfig) (stored *AssetStakingConfig, err error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	ctx, span, started := e.start(ctx, "configure_asset", attribute.String("asset.id", cfg.AssetID))
	defer func() { e.finish(span, "configure_asset", started, err) }()

	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil, ErrForbidden
	}
	cfg.AssetID = strings.TrimSpace(cfg.AssetID)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.LockDurationDays == 0 {
		cfg.LockDurationDays = e.lockDays
	}
	err = e.retry.do(ctx, "configure_asset", func() error {
		unlock, lockErr := e.locker.Lock(ctx, "asset:"+cfg.AssetID)
		if lockErr != nil {
			return lockErr
		}
		defer unlock()
		existing, ok, loadErr := e.store.AssetConfig(ctx, cfg.AssetID)
		if loadErr != nil {
			return loadErr
		}
		if ok && existing != nil && existing.OwnerID != callerID {
			return ErrForbidden
		}
		next := cfg.Clone()
		next.OwnerID = callerID
		next.UpdatedAt = e.ledger.Now()
		if putErr := e.store.PutAssetConfig(ctx, next); putErr != nil {
			return putErr
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(AssetConfiguredEvent(stored))
	return stored, nil
}

// RecordRevenue distributes the stakers' share of evt. It is safe to call
// again with the same event id; events and metrics are only published by the
// call that settles the distribution.
func (e *Engine) RecordRevenue(ctx context.Context, evt RevenueEvent) (dist *Distribution, err error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	ctx, span, started := e.start(ctx, "record_revenue",
		attribute.String("asset.id", evt.AssetID),
		attribute.String("revenue.id", evt.ID))
	defer func() { e.finish(span, "record_revenue", started, err) }()

	dist, settled, err := e.royalties.OnRevenueEvent(ctx, evt)
	if err != nil {
		return nil, err
	}
	if !settled {
		return dist, nil
	}
	for _, line := range dist.Lines {
		if line.Outcome == OutcomeCredited && line.Share.Sign() > 0 {
			e.emit(RoyaltyCreditedEvent(dist.EventID, line))
		}
	}
	e.emit(RevenueDistributedEvent(dist))
	e.metrics.RecordDistribution(dist.AssetID, dist.Credited().InexactFloat64(), dist.Unallocated.InexactFloat64())
	return dist, nil
}

// Distribution returns the stored distribution of a revenue event.
func (e *Engine) Distribution(ctx context.Context, eventID string) (*Distribution, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilStore
	}
	dist, ok, err := e.store.Distribution(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDistributionNotFound, eventID)
	}
	return dist, nil
}
