package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"riffstake/services/stakingd/auth"
)

func TestRateLimiterPerCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	call := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if subject != "" {
			req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: subject}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call("alice"); code != http.StatusOK {
		t.Fatalf("first call: %d", code)
	}
	if code := call("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("second call: %d", code)
	}
	if code := call("bob"); code != http.StatusOK {
		t.Fatalf("other caller: %d", code)
	}
	if code := call(""); code != http.StatusOK {
		t.Fatalf("anonymous caller: %d", code)
	}
	now = now.Add(time.Second)
	if code := call("alice"); code != http.StatusOK {
		t.Fatalf("after refill: %d", code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	limiter.allow("alice")
	now = now.Add(2 * visitorIdle)
	limiter.allow("bob")
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.visitors["alice"]; ok {
		t.Fatalf("idle visitor not evicted")
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := clientID(req); got != "10.0.0.1" {
		t.Fatalf("remote addr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Fatalf("forwarded: %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientID(req); got != "198.51.100.2" {
		t.Fatalf("real ip: %q", got)
	}
}
