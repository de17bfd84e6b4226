package staking

import (
	"testing"
	"time"
)

func TestEffectiveStatusFlipsAtUnlock(t *testing.T) {
	staked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	position := &StakePosition{
		ID:       "p1",
		StakedAt: staked,
		UnlockAt: staked.Add(90 * 24 * time.Hour),
		Status:   StatusLocked,
	}

	before := position.UnlockAt.Add(-time.Microsecond)
	if got := EffectiveStatus(position, before); got != StatusLocked {
		t.Fatalf("expected locked just before unlock, got %s", got)
	}
	if IsWithdrawable(position, before) {
		t.Fatalf("position must not be withdrawable before unlock")
	}
	if got := RemainingLock(position, before); got != time.Microsecond {
		t.Fatalf("unexpected remaining lock %s", got)
	}

	if got := EffectiveStatus(position, position.UnlockAt); got != StatusUnlockable {
		t.Fatalf("expected unlockable at unlock instant, got %s", got)
	}
	if !IsWithdrawable(position, position.UnlockAt) {
		t.Fatalf("position must be withdrawable at unlock instant")
	}
	if got := RemainingLock(position, position.UnlockAt); got != 0 {
		t.Fatalf("expected no remaining lock, got %s", got)
	}
	if position.Status != StatusLocked {
		t.Fatalf("projection must not mutate the stored status")
	}
}

func TestProjectLeavesWithdrawnAlone(t *testing.T) {
	now := time.Now().UTC()
	position := &StakePosition{ID: "p1", UnlockAt: now.Add(-time.Hour), Status: StatusWithdrawn}
	if IsWithdrawable(position, now) {
		t.Fatalf("withdrawn position must not be withdrawable")
	}
	projected := Project(position, now)
	if projected.Status != StatusWithdrawn {
		t.Fatalf("expected withdrawn, got %s", projected.Status)
	}
	if projected == position {
		t.Fatalf("projection must return a copy")
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusLocked, StatusLocked, true},
		{StatusLocked, StatusUnlockable, true},
		{StatusLocked, StatusWithdrawn, true},
		{StatusUnlockable, StatusWithdrawn, true},
		{StatusUnlockable, StatusLocked, false},
		{StatusWithdrawn, StatusUnlockable, false},
		{StatusWithdrawn, StatusLocked, false},
		{Status("bogus"), StatusLocked, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}
