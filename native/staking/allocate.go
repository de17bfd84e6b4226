package staking

import (
	"sort"

	"github.com/shopspring/decimal"
)

const (
	bpsDenominator = 10_000
	// guardDigits keeps intermediate quotients well below the currency unit
	// before banker's rounding.
	guardDigits = 12
)

// StakerPool returns the part of total reserved for stakers, rounded with
// banker's rounding to scale decimal places.
func StakerPool(total decimal.Decimal, bps int, scale int32) decimal.Decimal {
	if total.Sign() <= 0 || bps <= 0 {
		return decimal.Zero
	}
	if bps > bpsDenominator {
		bps = bpsDenominator
	}
	pool := total.Mul(decimal.NewFromInt(int64(bps))).Div(decimal.NewFromInt(bpsDenominator))
	return pool.RoundBank(scale)
}

// Allocate splits pool across positions in proportion to their principal.
// Every share is rounded half-to-even at scale and the rounding remainder is
// settled against the largest principal (earliest stakedAt on ties), so the
// returned shares plus unallocated always equal pool. With no eligible
// principal the whole pool is returned as unallocated.
func Allocate(pool decimal.Decimal, positions []*StakePosition, scale int32) ([]DistributionLine, decimal.Decimal) {
	if pool.Sign() <= 0 {
		return nil, decimal.Zero
	}
	eligible := make([]*StakePosition, 0, len(positions))
	total := decimal.Zero
	for _, position := range positions {
		if position == nil || position.Principal.Sign() <= 0 {
			continue
		}
		eligible = append(eligible, position)
		total = total.Add(position.Principal)
	}
	if len(eligible) == 0 {
		return nil, pool
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return remainderPriority(eligible[i], eligible[j])
	})

	lines := make([]DistributionLine, len(eligible))
	allocated := decimal.Zero
	for i, position := range eligible {
		share := pool.Mul(position.Principal).DivRound(total, scale+guardDigits).RoundBank(scale)
		lines[i] = DistributionLine{
			PositionID: position.ID,
			StakerID:   position.StakerID,
			Principal:  position.Principal,
			Share:      share,
			Outcome:    OutcomePending,
		}
		allocated = allocated.Add(share)
	}

	remainder := pool.Sub(allocated)
	switch remainder.Sign() {
	case 1:
		lines[0].Share = lines[0].Share.Add(remainder)
	case -1:
		// Rounding overshot the pool; claw back in priority order without
		// pushing any share below zero.
		excess := remainder.Neg()
		for i := range lines {
			if excess.Sign() == 0 {
				break
			}
			take := decimal.Min(lines[i].Share, excess)
			lines[i].Share = lines[i].Share.Sub(take)
			excess = excess.Sub(take)
		}
	}
	return lines, decimal.Zero
}

// remainderPriority orders positions by descending principal, then earliest
// stakedAt, then id so allocation is deterministic.
func remainderPriority(a, b *StakePosition) bool {
	if cmp := a.Principal.Cmp(b.Principal); cmp != 0 {
		return cmp > 0
	}
	if !a.StakedAt.Equal(b.StakedAt) {
		return a.StakedAt.Before(b.StakedAt)
	}
	return a.ID < b.ID
}
