package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"riffstake/core/events"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
	defaultDrainWait   = 5 * time.Second

	// SignatureHeader carries "sha256=<hex hmac of body>".
	SignatureHeader = "X-Riffstake-Signature"
	// EventHeader carries the event type.
	EventHeader = "X-Riffstake-Event"
)

// Payload is the JSON body of one delivery.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	DeliveryID string            `json:"deliveryId"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// DeliveryRecorder receives the outcome of each delivery.
// observability.EventMetrics satisfies it.
type DeliveryRecorder interface {
	RecordDelivery(eventType, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordDelivery(string, string) {}

// Dispatcher posts ledger events to a webhook endpoint. It implements
// events.Emitter; deliveries run on a background worker with exponential
// backoff and never block the emitting operation.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	recorder    DeliveryRecorder
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	drainWait   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type delivery struct {
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries. The client's
// Timeout bounds each attempt; zero leaves attempts unbounded.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithDrainTimeout bounds how long Close keeps delivering queued events.
func WithDrainTimeout(wait time.Duration) Option {
	return func(d *Dispatcher) {
		if wait > 0 {
			d.drainWait = wait
		}
	}
}

// WithLogger sets the logger used for dropped deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDeliveryRecorder reports delivery outcomes to recorder.
func WithDeliveryRecorder(recorder DeliveryRecorder) Option {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.recorder = recorder
		}
	}
}

// NewDispatcher constructs a dispatcher and starts its worker.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		recorder:    noopRecorder{},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		drainWait:   defaultDrainWait,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops accepting events and keeps delivering the queued ones for up to
// the drain timeout. Whatever is still pending after that is abandoned and
// counted as dropped.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d.drainWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.cancel()
		<-done
	}
	d.cancel()
}

// Emit implements events.Emitter. Events are dropped with a warning when the
// queue is full or the dispatcher is closed.
func (d *Dispatcher) Emit(evt events.Event) {
	if d == nil || evt == nil {
		return
	}
	payload := Payload{
		Type:       evt.EventType(),
		DeliveryID: uuid.NewString(),
		EmittedAt:  time.Now().UTC(),
	}
	if p, ok := evt.(events.Payload); ok && p.Event() != nil {
		payload.Attributes = p.Event().Attributes
	}
	if err := d.enqueue(payload); err != nil {
		d.recorder.RecordDelivery(payload.Type, "dropped")
		d.logger.Warn("webhook delivery dropped",
			slog.String("event", payload.Type),
			slog.String("reason", err.Error()))
	}
}

func (d *Dispatcher) enqueue(payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("webhook: dispatcher closed")
	}
	select {
	case d.queue <- delivery{eventType: payload.Type, body: data}:
		return nil
	default:
		return errors.New("webhook: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	dropped := 0
	for job := range d.queue {
		if d.ctx.Err() != nil {
			d.recorder.RecordDelivery(job.eventType, "dropped")
			dropped++
			continue
		}
		if !d.process(job) {
			dropped++
		}
	}
	if dropped > 0 {
		d.logger.Warn("webhook deliveries abandoned at shutdown", slog.Int("count", dropped))
	}
}

// process delivers job and reports false when shutdown abandoned it.
func (d *Dispatcher) process(job delivery) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.minBackoff
	policy.MaxInterval = d.maxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), d.ctx)
	err := backoff.Retry(func() error {
		ctx := d.ctx
		if d.client.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(d.ctx, d.client.Timeout)
			defer cancel()
		}
		return d.send(ctx, job)
	}, retry)
	switch {
	case err == nil:
		d.recorder.RecordDelivery(job.eventType, "delivered")
	case d.ctx.Err() != nil:
		d.recorder.RecordDelivery(job.eventType, "dropped")
		return false
	default:
		d.recorder.RecordDelivery(job.eventType, "failed")
		d.logger.Warn("webhook delivery failed",
			slog.String("event", job.eventType),
			slog.String("error", err.Error()))
	}
	return true
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, job.eventType)
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}
