package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"riffstake/core/types"
	"riffstake/native/staking"
)

func TestDispatcherSignsEvents(t *testing.T) {
	secret := []byte("secret")
	var (
		mu        sync.Mutex
		signature string
		eventType string
		payload   Payload
		body      []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		defer mu.Unlock()
		body = raw
		signature = r.Header.Get(SignatureHeader)
		eventType = r.Header.Get(EventHeader)
		_ = json.Unmarshal(raw, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, secret)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	dispatcher.Emit(staking.WrapEvent(&types.Event{
		Type:       staking.EventTypePositionOpened,
		Attributes: map[string]string{"positionId": "p1"},
	}))

	waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return signature != ""
	}, time.Second)
	mu.Lock()
	defer mu.Unlock()
	if !Verify(secret, body, signature) {
		t.Fatalf("signature %q does not verify", signature)
	}
	if eventType != staking.EventTypePositionOpened || payload.Attributes["positionId"] != "p1" {
		t.Fatalf("unexpected delivery %s %+v", eventType, payload)
	}
	if payload.DeliveryID == "" {
		t.Fatalf("expected delivery id")
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) RecordDelivery(_, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

func (c *countingRecorder) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	recorder := &countingRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond), WithDeliveryRecorder(recorder))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	dispatcher.Emit(staking.WrapEvent(&types.Event{Type: staking.EventTypeRevenueDistributed}))
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, 2*time.Second)
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected retries, got %d", got)
	}
	waitFor(func() bool { return recorder.count("delivered") == 1 }, time.Second)
	if recorder.count("delivered") != 1 || recorder.count("failed") != 0 {
		t.Fatalf("unexpected outcomes %+v", recorder.outcomes)
	}
}

func TestDispatcherClientWithoutTimeout(t *testing.T) {
	hits := int32(0)
	recorder := &countingRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithHTTPClient(&http.Client{}), WithDeliveryRecorder(recorder))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	dispatcher.Emit(staking.WrapEvent(&types.Event{Type: staking.EventTypePositionWithdrawn}))
	waitFor(func() bool { return recorder.count("delivered") == 1 }, 2*time.Second)
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
	if recorder.count("delivered") != 1 || recorder.count("failed") != 0 {
		t.Fatalf("unexpected outcomes %+v", recorder.outcomes)
	}
}

func TestDispatcherCloseDeliversQueuedEvents(t *testing.T) {
	hits := int32(0)
	recorder := &countingRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithDeliveryRecorder(recorder))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	for i := 0; i < 3; i++ {
		dispatcher.Emit(staking.WrapEvent(&types.Event{Type: staking.EventTypeRoyaltyCredited}))
	}
	dispatcher.Close()
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected queued events delivered before close returned, got %d", got)
	}
	if recorder.count("delivered") != 3 || recorder.count("dropped") != 0 {
		t.Fatalf("unexpected outcomes %+v", recorder.outcomes)
	}
	dispatcher.Close()
}

func TestDispatcherCloseCountsAbandonedEvents(t *testing.T) {
	recorder := &countingRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"),
		WithRetryPolicy(5, time.Second, time.Second),
		WithDrainTimeout(50*time.Millisecond),
		WithDeliveryRecorder(recorder))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Emit(staking.WrapEvent(&types.Event{Type: staking.EventTypeRoyaltyCredited}))
	dispatcher.Emit(staking.WrapEvent(&types.Event{Type: staking.EventTypeRevenueDistributed}))
	started := time.Now()
	dispatcher.Close()
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("close took %s", elapsed)
	}
	if recorder.count("dropped") != 2 || recorder.count("failed") != 0 || recorder.count("delivered") != 0 {
		t.Fatalf("unexpected outcomes %+v", recorder.outcomes)
	}
	dispatcher.Emit(staking.WrapEvent(&types.Event{Type: staking.EventTypePositionOpened}))
	if recorder.count("dropped") != 3 {
		t.Fatalf("expected emit after close to be dropped, got %+v", recorder.outcomes)
	}
}

func TestNewDispatcherValidates(t *testing.T) {
	if _, err := NewDispatcher(" ", []byte("s")); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewDispatcher("http://localhost", nil); err == nil {
		t.Fatalf("expected secret error")
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
