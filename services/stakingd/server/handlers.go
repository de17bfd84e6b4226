package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"riffstake/integrations/exports"
	"riffstake/native/staking"
	"riffstake/services/stakingd/auth"
)

const maxBodyBytes = 1 << 20

// ChecksumHeader carries the SHA-256 of an export payload.
const ChecksumHeader = "X-Checksum-SHA256"

// positionResponse adds the remaining lock time to a position.
type positionResponse struct {
	*staking.StakePosition
	RemainingSeconds int64 `json:"remainingSeconds"`
}

func (s *Server) positionView(position *staking.StakePosition) positionResponse {
	remaining := staking.RemainingLock(position, s.now())
	return positionResponse{
		StakePosition:    position,
		RemainingSeconds: int64(math.Ceil(remaining.Seconds())),
	}
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// parseAmount accepts a JSON string or number and keeps it exact.
func parseAmount(raw json.RawMessage, field string) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s required", staking.ErrInvalidAmount, field)
	}
	text = strings.Trim(text, `"`)
	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is not a decimal", staking.ErrInvalidAmount, field)
	}
	return amount, nil
}

type stakeRequest struct {
	AssetID string          `json:"asset_id"`
	Amount  json.RawMessage `json:"amount"`
}

// Stake opens a position for the caller.
func (s *Server) Stake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.AssetID) == "" {
		badRequest(w, "asset_id required")
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	position, err := s.engine.Stake(r.Context(), auth.Subject(r.Context()), strings.TrimSpace(req.AssetID), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, s.positionView(position))
}

// Unstake withdraws an unlocked position of the caller.
func (s *Server) Unstake(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.Unstake(r.Context(), auth.Subject(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, receipt)
}

// Touch persists a due unlock.
func (s *Server) Touch(w http.ResponseWriter, r *http.Request) {
	position, err := s.engine.Touch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.positionView(position))
}

// GetPosition returns one of the caller's positions.
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	position, err := s.engine.Position(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if position.StakerID != auth.Subject(r.Context()) {
		s.writeError(w, r, staking.ErrForbidden)
		return
	}
	writeJSON(w, s.positionView(position))
}

// MyPositions lists the caller's positions, newest first.
func (s *Server) MyPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.PositionsByStaker(r.Context(), auth.Subject(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]positionResponse, 0, len(positions))
	for _, position := range positions {
		views = append(views, s.positionView(position))
	}
	writeJSON(w, map[string]any{"positions": views})
}

// Rewards summarises the caller's positions.
func (s *Server) Rewards(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Rewards(r.Context(), auth.Subject(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, summary)
}

// Movements lists the movement log of one of the caller's positions.
func (s *Server) Movements(w http.ResponseWriter, r *http.Request) {
	movements, err := s.engine.Movements(r.Context(), auth.Subject(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"movements": movements})
}

// ExportMovements streams the movement log as csv, jsonl or parquet.
func (s *Server) ExportMovements(w http.ResponseWriter, r *http.Request) {
	format, err := exports.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	positionID := chi.URLParam(r, "id")
	movements, err := s.engine.Movements(r.Context(), auth.Subject(r.Context()), positionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, sum, err := exports.Movements(format, movements)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set(ChecksumHeader, sum)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-movements.%s"`, positionID, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Audit verifies one of the caller's positions against its movement log.
func (s *Server) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Audit(r.Context(), auth.Subject(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, report)
}

// Stats aggregates an asset's open positions.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, stats)
}

// GetAssetConfig returns an asset's staking config.
func (s *Server) GetAssetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.AssetConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cfg)
}

type assetConfigRequest struct {
	StakingEnabled   *bool           `json:"staking_enabled"`
	LockDurationDays int             `json:"lock_duration_days"`
	MinimumStake     json.RawMessage `json:"minimum_stake"`
	RoyaltyShareBps  int             `json:"royalty_share_bps"`
}

// PutAssetConfig creates or updates an asset's staking config.
func (s *Server) PutAssetConfig(w http.ResponseWriter, r *http.Request) {
	var req assetConfigRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	minimum := decimal.Zero
	if len(req.MinimumStake) > 0 && string(req.MinimumStake) != "null" {
		parsed, err := parseAmount(req.MinimumStake, "minimum_stake")
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", staking.ErrInvalidConfig, err))
			return
		}
		minimum = parsed
	}
	enabled := true
	if req.StakingEnabled != nil {
		enabled = *req.StakingEnabled
	}
	cfg, err := s.engine.ConfigureAsset(r.Context(), auth.Subject(r.Context()), staking.AssetStakingConfig{
		AssetID:          chi.URLParam(r, "id"),
		StakingEnabled:   enabled,
		LockDurationDays: req.LockDurationDays,
		MinimumStake:     minimum,
		RoyaltyShareBps:  req.RoyaltyShareBps,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cfg)
}

type revenueRequest struct {
	ID          string          `json:"id"`
	AssetID     string          `json:"asset_id"`
	TotalAmount json.RawMessage `json:"total_amount"`
	OccurredAt  *time.Time      `json:"occurred_at"`
	Source      string          `json:"source"`
}

// RecordRevenue distributes a revenue event. Redelivery of the same id
// returns the stored distribution.
func (s *Server) RecordRevenue(w http.ResponseWriter, r *http.Request) {
	var req revenueRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	total, err := parseAmount(req.TotalAmount, "total_amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	evt := staking.RevenueEvent{
		ID:          strings.TrimSpace(req.ID),
		AssetID:     strings.TrimSpace(req.AssetID),
		TotalAmount: total,
		Source:      req.Source,
	}
	if req.OccurredAt != nil {
		evt.OccurredAt = *req.OccurredAt
	}
	dist, err := s.engine.RecordRevenue(r.Context(), evt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, dist)
}

// GetDistribution returns the stored distribution of a revenue event.
func (s *Server) GetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.engine.Distribution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, dist)
}
