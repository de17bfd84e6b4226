package staking

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

type memStore struct {
	mu            sync.Mutex
	configs       map[string]*AssetStakingConfig
	positions     map[string]*StakePosition
	movements     map[string][]*LedgerMovement
	distributions map[string]*Distribution

	// failCommit, when set, is consulted before every commit.
	failCommit func(change *Changeset) error
	// failLine, when set, is consulted before every distribution line update.
	failLine func(eventID, positionID string) error
}

func newMemStore() *memStore {
	return &memStore{
		configs:       make(map[string]*AssetStakingConfig),
		positions:     make(map[string]*StakePosition),
		movements:     make(map[string][]*LedgerMovement),
		distributions: make(map[string]*Distribution),
	}
}

func (m *memStore) AssetConfig(_ context.Context, assetID string) (*AssetStakingConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[assetID]
	return cfg.Clone(), ok, nil
}

func (m *memStore) PutAssetConfig(_ context.Context, cfg *AssetStakingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.AssetID] = cfg.Clone()
	return nil
}

func (m *memStore) Position(_ context.Context, id string) (*StakePosition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	position, ok := m.positions[id]
	return position.Clone(), ok, nil
}

func (m *memStore) ListPositions(_ context.Context, filter PositionFilter) ([]*StakePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*StakePosition, 0)
	for _, position := range m.positions {
		if filter.Matches(position) {
			out = append(out, position.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Movements(_ context.Context, positionID string) ([]*LedgerMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*LedgerMovement, 0, len(m.movements[positionID]))
	for _, movement := range m.movements[positionID] {
		clone := *movement
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) HasMovementRef(_ context.Context, positionID, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, movement := range m.movements[positionID] {
		if movement.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Commit(_ context.Context, change *Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		if err := m.failCommit(change); err != nil {
			return err
		}
	}
	switch {
	case change.Create != nil:
		if _, exists := m.positions[change.Create.ID]; exists {
			return errors.New("duplicate position")
		}
		m.positions[change.Create.ID] = change.Create.Clone()
	case change.Update != nil:
		stored, ok := m.positions[change.Update.ID]
		if !ok {
			return ErrPositionNotFound
		}
		if stored.Version != change.Update.Version {
			return ErrContention
		}
		next := change.Update.Clone()
		next.Version++
		m.positions[next.ID] = next
	}
	for _, movement := range change.Movements {
		clone := *movement
		m.movements[movement.StakePositionID] = append(m.movements[movement.StakePositionID], &clone)
	}
	return nil
}

func (m *memStore) CreateDistribution(_ context.Context, dist *Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.distributions[dist.EventID]; exists {
		return ErrDistributionExists
	}
	m.distributions[dist.EventID] = dist.Clone()
	return nil
}

func (m *memStore) Distribution(_ context.Context, eventID string) (*Distribution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist, ok := m.distributions[eventID]
	return dist.Clone(), ok, nil
}

func (m *memStore) UpdateDistributionLine(_ context.Context, eventID, positionID string, outcome DistributionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLine != nil {
		if err := m.failLine(eventID, positionID); err != nil {
			return err
		}
	}
	dist, ok := m.distributions[eventID]
	if !ok {
		return ErrDistributionNotFound
	}
	for i := range dist.Lines {
		if dist.Lines[i].PositionID == positionID {
			dist.Lines[i].Outcome = outcome
			return nil
		}
	}
	return ErrPositionNotFound
}

func (m *memStore) CompleteDistribution(_ context.Context, eventID string, unallocated decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist, ok := m.distributions[eventID]
	if !ok {
		return ErrDistributionNotFound
	}
	dist.Unallocated = unallocated
	dist.Completed = true
	return nil
}
