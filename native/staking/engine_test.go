package staking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"riffstake/core/events"
)

const day = 24 * time.Hour

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	mu            sync.Mutex
	contention    map[string]int
	outcomes      map[string]int
	distributions int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{contention: map[string]int{}, outcomes: map[string]int{}}
}

func (m *recordingMetrics) ObserveOperation(op, outcome string, _ time.Duration) {
	m.mu.Lock()
	m.outcomes[op+":"+outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordContention(op string) {
	m.mu.Lock()
	m.contention[op]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordDistribution(string, float64, float64) {
	m.mu.Lock()
	m.distributions++
	m.mu.Unlock()
}

type harness struct {
	engine   *Engine
	store    *memStore
	clock    *testClock
	recorder *events.Recorder
	metrics  *recordingMetrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		clock:    newTestClock(),
		recorder: &events.Recorder{},
		metrics:  newRecordingMetrics(),
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithEmitter(h.recorder),
		WithMetrics(h.metrics),
		WithRetry(3, time.Millisecond),
	}
	h.engine = NewEngine(h.store, append(base, opts...)...)
	return h
}

func (h *harness) configure(t *testing.T, assetID string, lockDays, bps int, minimum string) {
	t.Helper()
	_, err := h.engine.ConfigureAsset(context.Background(), "owner-"+assetID, AssetStakingConfig{
		AssetID:          assetID,
		StakingEnabled:   true,
		LockDurationDays: lockDays,
		MinimumStake:     decimal.RequireFromString(minimum),
		RoyaltyShareBps:  bps,
	})
	require.NoError(t, err)
}

func (h *harness) stake(t *testing.T, staker, assetID, amount string) *StakePosition {
	t.Helper()
	position, err := h.engine.Stake(context.Background(), staker, assetID, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return position
}

func TestWorkedExampleStakeRevenueUnstake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 90, 1000, "0")

	position := h.stake(t, "alice", "track-1", "500")
	require.Equal(t, StatusLocked, position.Status)
	require.Equal(t, position.StakedAt.Add(90*day), position.UnlockAt)

	h.clock.Advance(10 * day)
	dist, err := h.engine.RecordRevenue(ctx, RevenueEvent{ID: "tip-1", AssetID: "track-1", TotalAmount: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	require.True(t, dist.StakerPool.Equal(decimal.NewFromInt(100)))
	require.True(t, dist.Unallocated.IsZero())

	stored, err := h.engine.Position(ctx, position.ID)
	require.NoError(t, err)
	require.True(t, stored.AccruedRoyalties.Equal(decimal.NewFromInt(100)), "accrued %s", stored.AccruedRoyalties)

	h.clock.Advance(40 * day)
	_, err = h.engine.Unstake(ctx, "alice", position.ID)
	var locked *NotWithdrawableError
	require.ErrorAs(t, err, &locked)
	require.ErrorIs(t, err, ErrNotWithdrawable)
	require.Equal(t, 40*day, locked.Remaining)
	require.Equal(t, position.UnlockAt, locked.UnlockAt)

	h.clock.Advance(41 * day)
	receipt, err := h.engine.Unstake(ctx, "alice", position.ID)
	require.NoError(t, err)
	require.True(t, receipt.Principal.Equal(decimal.NewFromInt(500)))
	require.True(t, receipt.Royalties.Equal(decimal.NewFromInt(100)))
	require.True(t, receipt.Total.Equal(decimal.NewFromInt(600)))

	_, err = h.engine.Unstake(ctx, "alice", position.ID)
	require.ErrorIs(t, err, ErrAlreadyWithdrawn)

	report, err := h.engine.Audit(ctx, "alice", position.ID)
	require.NoError(t, err)
	require.True(t, report.Balanced)
	require.True(t, report.ChainValid, report.ChainError)
	require.Equal(t, 4, report.MovementCount)
	require.True(t, report.MovementSum.IsZero())

	require.Contains(t, h.recorder.Types(), EventTypePositionOpened)
	require.Contains(t, h.recorder.Types(), EventTypeRoyaltyCredited)
	require.Contains(t, h.recorder.Types(), EventTypeRevenueDistributed)
	require.Contains(t, h.recorder.Types(), EventTypePositionWithdrawn)
}

func TestStakeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 30, 500, "10")
	_, err := h.engine.ConfigureAsset(ctx, "owner-off", AssetStakingConfig{AssetID: "off", StakingEnabled: false})
	require.NoError(t, err)

	cases := []struct {
		name   string
		caller string
		asset  string
		amount string
		want   error
	}{
		{"zero", "alice", "track-1", "0", ErrInvalidAmount},
		{"negative", "alice", "track-1", "-5", ErrInvalidAmount},
		{"sub-unit", "alice", "track-1", "10.001", ErrInvalidAmount},
		{"below minimum", "alice", "track-1", "9.99", ErrInvalidAmount},
		{"disabled", "alice", "off", "50", ErrStakingDisabled},
		{"unconfigured", "alice", "missing", "50", ErrAssetNotConfigured},
		{"anonymous", " ", "track-1", "50", ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Stake(ctx, tc.caller, tc.asset, decimal.RequireFromString(tc.amount))
			require.ErrorIs(t, err, tc.want)
		})
	}
	_, err = h.engine.Stake(ctx, "alice", "missing", decimal.NewFromInt(50))
	require.ErrorIs(t, err, ErrStakingDisabled)

	position := h.stake(t, "alice", "track-1", "10")
	require.Equal(t, position.StakedAt.Add(30*day), position.UnlockAt)
}

func TestUnstakeAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 1, 0, "0")
	position := h.stake(t, "alice", "track-1", "5")
	h.clock.Advance(2 * day)

	_, err := h.engine.Unstake(ctx, "mallory", position.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.Unstake(ctx, "alice", "nope")
	require.ErrorIs(t, err, ErrPositionNotFound)
	_, err = h.engine.Movements(ctx, "mallory", position.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.Audit(ctx, "mallory", position.ID)
	require.ErrorIs(t, err, ErrForbidden)

	stored, err := h.engine.Position(ctx, position.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnlockable, stored.Status)
}

func TestConcurrentUnstakeHasSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 1, 0, "0")
	position := h.stake(t, "alice", "track-1", "42")
	h.clock.Advance(day)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Unstake(ctx, "alice", position.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	for _, err := range failures {
		require.ErrorIs(t, err, ErrAlreadyWithdrawn)
	}
	movements, err := h.engine.Movements(ctx, "alice", position.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
}

func TestUnstakeRetriesVersionConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 1, 0, "0")
	position := h.stake(t, "alice", "track-1", "42")
	h.clock.Advance(day)

	conflicts := 1
	h.store.failCommit = func(change *Changeset) error {
		if change.Update != nil && conflicts > 0 {
			conflicts--
			return ErrContention
		}
		return nil
	}
	receipt, err := h.engine.Unstake(ctx, "alice", position.ID)
	require.NoError(t, err)
	require.True(t, receipt.Total.Equal(decimal.NewFromInt(42)))
	require.Equal(t, 1, h.metrics.contention["unstake"])
}

func TestUnstakeGivesUpAfterRetryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 1, 0, "0")
	position := h.stake(t, "alice", "track-1", "42")
	h.clock.Advance(day)

	attempts := 0
	h.store.failCommit = func(change *Changeset) error {
		if change.Update != nil {
			attempts++
			return ErrContention
		}
		return nil
	}
	_, err := h.engine.Unstake(ctx, "alice", position.ID)
	require.ErrorIs(t, err, ErrContention)
	require.True(t, IsRetryable(err))
	require.Equal(t, DefaultRetryAttempts, attempts)

	stored, err := h.engine.Position(ctx, position.ID)
	require.NoError(t, err)
	require.NotEqual(t, StatusWithdrawn, stored.Status)
}

func TestRevenueRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 30, 2500, "0")
	a := h.stake(t, "alice", "track-1", "100")
	b := h.stake(t, "bob", "track-1", "200")

	evt := RevenueEvent{ID: "sale-9", AssetID: "track-1", TotalAmount: decimal.RequireFromString("10.01")}
	first, err := h.engine.RecordRevenue(ctx, evt)
	require.NoError(t, err)
	second, err := h.engine.RecordRevenue(ctx, evt)
	require.NoError(t, err)
	require.Equal(t, first.Credited().String(), second.Credited().String())

	pool := StakerPool(evt.TotalAmount, 2500, 2)
	require.True(t, first.StakerPool.Equal(pool))
	require.True(t, first.Credited().Add(first.Unallocated).Equal(pool))

	posA, err := h.engine.Position(ctx, a.ID)
	require.NoError(t, err)
	posB, err := h.engine.Position(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, posA.AccruedRoyalties.Add(posB.AccruedRoyalties).Equal(pool))
	// 2.50 split 1:2 at cent precision.
	require.Equal(t, "0.83", posA.AccruedRoyalties.StringFixed(2))
	require.Equal(t, "1.67", posB.AccruedRoyalties.StringFixed(2))

	movements, err := h.engine.Movements(ctx, "alice", a.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.Equal(t, "sale-9", movements[1].Reference)

	require.Equal(t, 2, countEvents(h.recorder, EventTypeRoyaltyCredited))
	require.Equal(t, 1, countEvents(h.recorder, EventTypeRevenueDistributed))
	h.metrics.mu.Lock()
	require.Equal(t, 1, h.metrics.distributions)
	h.metrics.mu.Unlock()
}

func countEvents(recorder *events.Recorder, eventType string) int {
	count := 0
	for _, evt := range recorder.Events() {
		if evt.EventType() == eventType {
			count++
		}
	}
	return count
}

func TestLateRevenueForfeitsShareOfPositionWithdrawnSince(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 30, 10_000, "0")
	a := h.stake(t, "alice", "track-1", "100")
	b := h.stake(t, "bob", "track-1", "100")
	h.clock.Advance(31 * day)

	occurred := h.clock.Now()
	h.clock.Advance(day)
	_, err := h.engine.Unstake(ctx, "bob", b.ID)
	require.NoError(t, err)

	dist, err := h.engine.RecordRevenue(ctx, RevenueEvent{ID: "late-1", AssetID: "track-1", TotalAmount: decimal.NewFromInt(100), OccurredAt: occurred})
	require.NoError(t, err)
	require.Len(t, dist.Lines, 2)
	outcomes := map[string]DistributionOutcome{}
	for _, line := range dist.Lines {
		outcomes[line.PositionID] = line.Outcome
	}
	require.Equal(t, OutcomeCredited, outcomes[a.ID])
	require.Equal(t, OutcomeForfeited, outcomes[b.ID])
	require.Equal(t, "50", dist.Credited().String())
	require.Equal(t, "50", dist.Unallocated.String())

	posA, err := h.engine.Position(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "50", posA.AccruedRoyalties.String())

	// Revenue after the withdrawal leaves bob out entirely.
	after, err := h.engine.RecordRevenue(ctx, RevenueEvent{ID: "late-2", AssetID: "track-1", TotalAmount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.Len(t, after.Lines, 1)
	require.Equal(t, a.ID, after.Lines[0].PositionID)
	require.True(t, after.Unallocated.IsZero())
}

func TestInterruptedDistributionForfeitsWithdrawnShare(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 30, 10_000, "0")
	a := h.stake(t, "alice", "track-1", "300")
	b := h.stake(t, "bob", "track-1", "100")
	h.clock.Advance(31 * day)

	failed := false
	h.store.failLine = func(eventID, positionID string) error {
		if !failed {
			failed = true
			return errors.New("database unavailable")
		}
		return nil
	}
	evt := RevenueEvent{ID: "tip-7", AssetID: "track-1", TotalAmount: decimal.NewFromInt(100)}
	_, err := h.engine.RecordRevenue(ctx, evt)
	require.Error(t, err)

	_, err = h.engine.Unstake(ctx, "bob", b.ID)
	require.NoError(t, err)

	dist, err := h.engine.RecordRevenue(ctx, evt)
	require.NoError(t, err)
	require.True(t, dist.Completed)
	outcomes := map[string]DistributionOutcome{}
	for _, line := range dist.Lines {
		outcomes[line.PositionID] = line.Outcome
	}
	require.Equal(t, OutcomeCredited, outcomes[a.ID])
	require.Equal(t, OutcomeForfeited, outcomes[b.ID])
	require.Equal(t, "75", dist.Credited().String())
	require.Equal(t, "25", dist.Unallocated.String())

	posA, err := h.engine.Position(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "75", posA.AccruedRoyalties.String())

	stored, err := h.engine.Distribution(ctx, "tip-7")
	require.NoError(t, err)
	require.True(t, stored.Completed)
	_, err = h.engine.Distribution(ctx, "unknown")
	require.ErrorIs(t, err, ErrDistributionNotFound)
}

func TestRevenueSnapshotExcludesLaterStakes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 30, 1000, "0")

	occurred := h.clock.Now()
	h.clock.Advance(time.Hour)
	late := h.stake(t, "carol", "track-1", "100")

	dist, err := h.engine.RecordRevenue(ctx, RevenueEvent{ID: "early", AssetID: "track-1", TotalAmount: decimal.NewFromInt(50), OccurredAt: occurred})
	require.NoError(t, err)
	require.Empty(t, dist.Lines)
	require.Equal(t, "5", dist.Unallocated.String())

	stored, err := h.engine.Position(ctx, late.ID)
	require.NoError(t, err)
	require.True(t, stored.AccruedRoyalties.IsZero())

	_, err = h.engine.RecordRevenue(ctx, RevenueEvent{AssetID: "track-1", TotalAmount: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRevenueForUnconfiguredAssetIsUnallocated(t *testing.T) {
	h := newHarness(t)
	dist, err := h.engine.RecordRevenue(context.Background(), RevenueEvent{AssetID: "ghost", TotalAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.NotEmpty(t, dist.EventID)
	require.True(t, dist.StakerPool.IsZero())
	require.True(t, dist.Unallocated.IsZero())
}

func TestConfigureAssetOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg, err := h.engine.ConfigureAsset(ctx, "artist", AssetStakingConfig{AssetID: "album", StakingEnabled: true, RoyaltyShareBps: 1500})
	require.NoError(t, err)
	require.Equal(t, "artist", cfg.OwnerID)
	require.Equal(t, DefaultLockDays, cfg.LockDurationDays)

	_, err = h.engine.ConfigureAsset(ctx, "someone-else", AssetStakingConfig{AssetID: "album", StakingEnabled: false})
	require.ErrorIs(t, err, ErrForbidden)

	cfg, err = h.engine.ConfigureAsset(ctx, "artist", AssetStakingConfig{AssetID: "album", StakingEnabled: true, LockDurationDays: 7, RoyaltyShareBps: 2000})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.LockDurationDays)

	stored, err := h.engine.AssetConfig(ctx, "album")
	require.NoError(t, err)
	require.Equal(t, 2000, stored.RoyaltyShareBps)

	invalid := []AssetStakingConfig{
		{AssetID: "x", RoyaltyShareBps: 10_001},
		{AssetID: "x", RoyaltyShareBps: -1},
		{AssetID: "x", LockDurationDays: -3},
		{AssetID: "x", MinimumStake: decimal.NewFromInt(-1)},
		{AssetID: " "},
	}
	for i, candidate := range invalid {
		_, err := h.engine.ConfigureAsset(ctx, "artist", candidate)
		require.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}
	require.Contains(t, h.recorder.Types(), EventTypeAssetConfigured)
}

func TestStatsAndRewards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 10, 1000, "0")
	h.configure(t, "track-2", 10, 1000, "0")

	first := h.stake(t, "alice", "track-1", "100")
	h.clock.Advance(time.Minute)
	h.stake(t, "alice", "track-1", "50")
	h.clock.Advance(time.Minute)
	h.stake(t, "bob", "track-1", "25")
	h.clock.Advance(time.Minute)
	h.stake(t, "alice", "track-2", "5")

	h.clock.Advance(11 * day)
	_, err := h.engine.Unstake(ctx, "alice", first.ID)
	require.NoError(t, err)

	stats, err := h.engine.Stats(ctx, "track-1")
	require.NoError(t, err)
	require.Equal(t, "75", stats.TotalStaked.String())
	require.Equal(t, 2, stats.StakerCount)
	require.Equal(t, 2, stats.PositionCount)

	empty, err := h.engine.Stats(ctx, "nothing")
	require.NoError(t, err)
	require.True(t, empty.TotalStaked.IsZero())

	positions, err := h.engine.PositionsByStaker(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 3)
	require.Equal(t, "track-2", positions[0].AssetID)
	require.Equal(t, first.ID, positions[2].ID)

	summary, err := h.engine.Rewards(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, summary.OpenPositions)
	require.Equal(t, "55", summary.LockedTotal.String())
	require.Equal(t, "100", summary.ReleasedTotal.String())
}

func TestTouchPersistsUnlockOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 5, 0, "0")
	position := h.stake(t, "alice", "track-1", "5")

	touched, err := h.engine.Touch(ctx, position.ID)
	require.NoError(t, err)
	require.Equal(t, StatusLocked, touched.Status)

	h.clock.Advance(5 * day)
	touched, err = h.engine.Touch(ctx, position.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnlockable, touched.Status)
	raw, _, err := h.store.Position(ctx, position.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnlockable, raw.Status)

	_, err = h.engine.Touch(ctx, position.ID)
	require.NoError(t, err)
	unlocked := 0
	for _, typ := range h.recorder.Types() {
		if typ == EventTypePositionUnlocked {
			unlocked++
		}
	}
	require.Equal(t, 1, unlocked)

	movements, err := h.engine.Movements(ctx, "alice", position.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestAuditDetectsTamperedMovement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 5, 10_000, "0")
	position := h.stake(t, "alice", "track-1", "5")
	_, err := h.engine.RecordRevenue(ctx, RevenueEvent{ID: "r1", AssetID: "track-1", TotalAmount: decimal.NewFromInt(3)})
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.movements[position.ID][1].Amount = decimal.NewFromInt(30)
	h.store.mu.Unlock()

	report, err := h.engine.Audit(ctx, "alice", position.ID)
	require.NoError(t, err)
	require.False(t, report.Balanced)
	require.False(t, report.ChainValid)
	require.Contains(t, report.ChainError, "sequence 2")
}

func TestRandomOperationsConserveBalances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "track-1", 3, 3333, "0")
	rng := rand.New(rand.NewSource(7))
	stakers := []string{"a", "b", "c", "d"}
	var positions []*StakePosition
	lastStatus := map[string]Status{}

	for step := 0; step < 300; step++ {
		switch rng.Intn(5) {
		case 0:
			staker := stakers[rng.Intn(len(stakers))]
			amount := decimal.New(int64(1+rng.Intn(100_000)), -2)
			position, err := h.engine.Stake(ctx, staker, "track-1", amount)
			require.NoError(t, err)
			positions = append(positions, position)
		case 1:
			amount := decimal.New(int64(rng.Intn(50_000)), -2)
			dist, err := h.engine.RecordRevenue(ctx, RevenueEvent{ID: fmt.Sprintf("evt-%d", step), AssetID: "track-1", TotalAmount: amount})
			require.NoError(t, err)
			require.True(t, dist.Credited().Add(dist.Unallocated).Equal(dist.StakerPool))
		case 2:
			h.clock.Advance(time.Duration(rng.Intn(36)) * time.Hour)
		case 3:
			if len(positions) == 0 {
				continue
			}
			position := positions[rng.Intn(len(positions))]
			_, err := h.engine.Unstake(ctx, position.StakerID, position.ID)
			if err != nil {
				require.True(t, errors.Is(err, ErrNotWithdrawable) || errors.Is(err, ErrAlreadyWithdrawn), "unexpected %v", err)
			}
		case 4:
			if len(positions) == 0 {
				continue
			}
			_, err := h.engine.Touch(ctx, positions[rng.Intn(len(positions))].ID)
			require.NoError(t, err)
		}
		for _, position := range positions {
			raw, _, err := h.store.Position(ctx, position.ID)
			require.NoError(t, err)
			if prev, ok := lastStatus[position.ID]; ok {
				require.True(t, prev.CanTransition(raw.Status), "%s went %s -> %s", position.ID, prev, raw.Status)
			}
			lastStatus[position.ID] = raw.Status
		}
	}

	for _, position := range positions {
		report, err := h.engine.Audit(ctx, position.StakerID, position.ID)
		require.NoError(t, err)
		require.True(t, report.Balanced, "position %s: sum %s expected %s", position.ID, report.MovementSum, report.Expected)
		require.True(t, report.ChainValid, report.ChainError)
	}
}
