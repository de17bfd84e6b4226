package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"riffstake/native/staking"
	"riffstake/observability/logging"
	"riffstake/services/stakingd/auth"
)

// retryAfterSeconds is advertised on contention responses.
const retryAfterSeconds = 1

type errorBody struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
	UnlockAt         string `json:"unlock_at,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

// statusFor maps an engine error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_amount", "invalid_config", "bad_request":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "position_not_found", "distribution_not_found":
		return http.StatusNotFound
	case "not_withdrawable", "already_withdrawn", "distribution_exists":
		return http.StatusConflict
	case "staking_disabled":
		return http.StatusUnprocessableEntity
	case "contention":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := staking.Code(err)
	status := statusFor(code)
	body := errorBody{Error: code, Message: err.Error(), RequestID: chimw.GetReqID(r.Context())}

	var locked *staking.NotWithdrawableError
	if errors.As(err, &locked) {
		remaining := int64(math.Ceil(locked.Remaining.Seconds()))
		body.RemainingSeconds = &remaining
		body.UnlockAt = locked.UnlockAt.UTC().Format(time.RFC3339)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logging.MaskIdentity("caller", auth.Subject(r.Context())),
			slog.String("error", err.Error()))
		body.Message = http.StatusText(status)
	}
	writeJSONStatus(w, status, body)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: message})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response failed", slog.String("error", err.Error()))
	}
}
