package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"riffstake/services/stakingd/auth"
	"riffstake/storage/stakingdb"
)

// IdempotencyHeader names the request header carrying the client key.
const IdempotencyHeader = "Idempotency-Key"

// pendingStatus marks a key whose first request is still running.
const pendingStatus = 0

// WithIdempotency replays the first stored response for a repeated
// Idempotency-Key. Keys are scoped to the caller and reserved before the
// request runs, so a concurrent duplicate is turned away with 409 instead of
// executing twice. Only successful or client-error responses are stored;
// contention and server faults release the key so the request stays
// retryable.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" || r.Method == http.MethodGet || db == nil {
				next.ServeHTTP(w, r)
				return
			}
			caller := auth.Subject(r.Context())
			storageKey := caller + ":" + key
			requestID := chimw.GetReqID(r.Context())
			if requestID == "" {
				requestID = uuid.NewString()
			}

			reservation := &stakingdb.IdempotencyKey{
				Key:       storageKey,
				CallerID:  caller,
				RequestID: requestID,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    pendingStatus,
				CreatedAt: time.Now().UTC(),
			}
			if err := db.WithContext(r.Context()).Create(reservation).Error; err != nil {
				var record stakingdb.IdempotencyKey
				if lookupErr := db.WithContext(r.Context()).First(&record, "key = ?", storageKey).Error; lookupErr != nil {
					slog.Default().Error("idempotency reservation failed",
						slog.String("error", err.Error()),
						slog.String("lookup_error", lookupErr.Error()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				replay(w, r, &record)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			// The request context may already be cancelled once the response is written.
			store := db.WithContext(context.WithoutCancel(r.Context()))
			if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
				if err := store.Delete(&stakingdb.IdempotencyKey{}, "key = ?", storageKey).Error; err != nil {
					slog.Default().Warn("idempotency release failed",
						slog.String("request_id", requestID),
						slog.String("error", err.Error()))
				}
				return
			}
			err := store.Model(&stakingdb.IdempotencyKey{}).
				Where("key = ?", storageKey).
				Updates(map[string]any{"status": status, "response": recorder.buf.String()}).Error
			if err != nil {
				slog.Default().Warn("idempotency store failed",
					slog.String("request_id", requestID),
					slog.String("error", err.Error()))
			}
		})
	}
}

func replay(w http.ResponseWriter, r *http.Request, record *stakingdb.IdempotencyKey) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case record.Method != r.Method || record.Path != r.URL.Path:
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"idempotency_conflict","message":"key reused for a different request"}`))
	case record.Status == pendingStatus:
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"idempotency_in_progress","message":"a request with this key is still running"}`))
	default:
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(record.Status)
		_, _ = w.Write([]byte(record.Response))
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
