package staking

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAmount    = errors.New("staking: invalid amount")
	ErrStakingDisabled  = errors.New("staking: staking disabled for asset")
	ErrPositionNotFound = errors.New("staking: position not found")
	ErrForbidden        = errors.New("staking: caller does not own the position")
	ErrNotWithdrawable  = errors.New("staking: position not withdrawable")
	ErrAlreadyWithdrawn = errors.New("staking: position already withdrawn")
	// ErrContention is transient; callers may retry.
	ErrContention = errors.New("staking: position busy, retry")

	ErrInvalidConfig        = errors.New("staking: invalid asset config")
	ErrDistributionExists   = errors.New("staking: distribution already recorded")
	ErrDistributionNotFound = errors.New("staking: distribution not found")
	ErrNilStore             = errors.New("staking: store not configured")
)

// NotWithdrawableError carries the remaining lock time of a position that
// cannot be withdrawn yet.
type NotWithdrawableError struct {
	PositionID string
	UnlockAt   time.Time
	Remaining  time.Duration
}

func (e *NotWithdrawableError) Error() string {
	return fmt.Sprintf("staking: position %s locked until %s (%s remaining)",
		e.PositionID, e.UnlockAt.UTC().Format(time.RFC3339), e.Remaining.Round(time.Second))
}

// Is lets errors.Is match the sentinel.
func (e *NotWithdrawableError) Is(target error) bool { return target == ErrNotWithdrawable }

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool { return errors.Is(err, ErrContention) }

// Code returns a stable machine-readable code for err, or "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrStakingDisabled):
		return "staking_disabled"
	case errors.Is(err, ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotWithdrawable):
		return "not_withdrawable"
	case errors.Is(err, ErrAlreadyWithdrawn):
		return "already_withdrawn"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrDistributionExists):
		return "distribution_exists"
	case errors.Is(err, ErrDistributionNotFound):
		return "distribution_not_found"
	default:
		return "internal"
	}
}
