package staking

import "time"

// IsWithdrawable reports whether the lock on position has elapsed and the
// position has not been withdrawn.
func IsWithdrawable(position *StakePosition, now time.Time) bool {
	if position == nil || position.Status == StatusWithdrawn {
		return false
	}
	return !now.Before(position.UnlockAt)
}

// EffectiveStatus projects the stored status onto now. It never mutates the
// position; the ledger persists the Locked to Unlockable flip on its next write.
func EffectiveStatus(position *StakePosition, now time.Time) Status {
	if position == nil {
		return ""
	}
	if position.Status == StatusLocked && IsWithdrawable(position, now) {
		return StatusUnlockable
	}
	return position.Status
}

// RemainingLock returns how long position stays locked after now. Zero once
// the position is withdrawable or withdrawn.
func RemainingLock(position *StakePosition, now time.Time) time.Duration {
	if position == nil || position.Status == StatusWithdrawn || !now.Before(position.UnlockAt) {
		return 0
	}
	return position.UnlockAt.Sub(now)
}

// Project returns a copy of position with its effective status applied.
func Project(position *StakePosition, now time.Time) *StakePosition {
	if position == nil {
		return nil
	}
	clone := position.Clone()
	clone.Status = EffectiveStatus(position, now)
	return clone
}
