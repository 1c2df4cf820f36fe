package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/funagig/gigrelay/internal/apperr"
	"github.com/funagig/gigrelay/internal/telemetry"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = time.Second
	// DefaultQueueSize is the bounded buffer between Publish and the worker.
	DefaultQueueSize = 1024

	maxAttempts = 2
	retryDelay  = 100 * time.Millisecond
)

// Publisher hands events to the relay. Publish never blocks on delivery and
// never reports failure to the caller.
type Publisher interface {
	Publish(ctx context.Context, t EventType, payload any)
}

// Sink receives decoded events on the relay side.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, EventType, any) {}

type metrics struct {
	published metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter
}

func newMetrics() metrics {
	m := telemetry.Meter("bridge")
	return metrics{
		published: telemetry.Counter(m, "gigrelay.bridge.published", "Events accepted for delivery"),
		dropped:   telemetry.Counter(m, "gigrelay.bridge.dropped", "Events rejected or dropped before delivery"),
		failed:    telemetry.Counter(m, "gigrelay.bridge.failed", "Events that could not be delivered"),
	}
}

// queue is the bounded channel and single worker shared by both publishers.
// Enqueue never blocks: when the buffer is full the event is dropped.
type queue struct {
	mu      sync.RWMutex
	closed  bool
	events  chan Event
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics metrics
	deliver func(Event)
}

func newQueue(size int, logger *slog.Logger, deliver func(Event)) *queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &queue{
		events:  make(chan Event, size),
		logger:  logger,
		metrics: newMetrics(),
		deliver: deliver,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *queue) publish(ctx context.Context, t EventType, payload any) {
	attrs := metric.WithAttributes(attribute.String("event", string(t)))
	ev, err := NewEvent(t, payload)
	if err != nil {
		q.metrics.dropped.Add(ctx, 1, attrs)
		q.logger.WarnContext(ctx, "bridge: rejected event", "event", t, "error", err)
		return
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.dropped.Add(ctx, 1, attrs)
		q.logger.WarnContext(ctx, "bridge: publisher closed, dropping event", "event", t)
		return
	}
	select {
	case q.events <- ev:
		q.metrics.published.Add(ctx, 1, attrs)
	default:
		q.metrics.dropped.Add(ctx, 1, attrs)
		q.logger.WarnContext(ctx, "bridge: queue full, dropping event", "event", t)
	}
}

func (q *queue) loop() {
	defer q.wg.Done()
	for ev := range q.events {
		q.deliver(ev)
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()
	q.wg.Wait()
}

// HTTPPublisher POSTs events to the relay's /emit endpoint from a background
// worker.
type HTTPPublisher struct {
	url       string
	client    *http.Client
	timeout   time.Duration
	queueSize int
	signer    *Signer
	logger    *slog.Logger
	q         *queue
}

// HTTPOption configures an HTTPPublisher.
type HTTPOption func(*HTTPPublisher)

// WithTimeout sets the per-attempt delivery timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(p *HTTPPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithSigner attaches a bearer token to every delivery.
func WithSigner(s *Signer) HTTPOption {
	return func(p *HTTPPublisher) { p.signer = s }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPublisher) { p.client = c }
}

// WithQueueSize sets the buffer between Publish and the worker.
func WithQueueSize(n int) HTTPOption {
	return func(p *HTTPPublisher) { p.queueSize = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(p *HTTPPublisher) { p.logger = l }
}

// NewHTTPPublisher starts a publisher delivering to url.
func NewHTTPPublisher(url string, opts ...HTTPOption) *HTTPPublisher {
	p := &HTTPPublisher{
		url:       url,
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "bridge")
	p.q = newQueue(p.queueSize, p.logger, p.send)
	return p
}

// Publish validates and enqueues the event.
func (p *HTTPPublisher) Publish(ctx context.Context, t EventType, payload any) {
	p.q.publish(ctx, t, payload)
}

// Close drains queued events and stops the worker.
func (p *HTTPPublisher) Close() {
	p.q.close()
}

// send delivers one event with one retry on transport errors and 5xx.
func (p *HTTPPublisher) send(ev Event) {
	env, err := ev.Encode()
	if err != nil {
		p.logger.Warn("bridge: encode failed", "event", ev.Type, "error", err)
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Warn("bridge: marshal failed", "event", ev.Type, "error", err)
		return
	}
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		retry, err := p.attempt(body, requestID)
		if err == nil {
			return
		}
		lastErr = err
		p.logger.Warn("bridge: delivery attempt failed",
			"event", ev.Type, "request_id", requestID, "attempt", attempt+1, "error", err)
		if !retry {
			break
		}
	}
	p.q.metrics.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(ev.Type))))
	p.logger.Error("bridge: event not delivered", "event", ev.Type, "request_id", requestID, "error", lastErr)
}

func (p *HTTPPublisher) attempt(body []byte, requestID string) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: building request: %w", apperr.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gigrelay-bridge/1.0")
	req.Header.Set("X-Request-ID", requestID)
	if p.signer != nil {
		token, err := p.signer.Sign()
		if err != nil {
			return false, fmt.Errorf("%w: signing: %w", apperr.ErrTransport, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("%w: %w", apperr.ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("%w: relay answered %d", apperr.ErrTransport, resp.StatusCode)
	default:
		return false, fmt.Errorf("%w: relay answered %d", apperr.ErrTransport, resp.StatusCode)
	}
}

// LocalPublisher hands events to an in-process Sink. It is used when the
// gateway and the relay share a process.
type LocalPublisher struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	q       *queue
}

// NewLocalPublisher starts a publisher delivering to sink.
func NewLocalPublisher(sink Sink, opts ...HTTPOption) *LocalPublisher {
	cfg := &HTTPPublisher{
		timeout:   DefaultTimeout,
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	p := &LocalPublisher{
		sink:    sink,
		timeout: cfg.timeout,
		logger:  cfg.logger.With("component", "bridge"),
	}
	p.q = newQueue(cfg.queueSize, p.logger, p.send)
	return p
}

// Publish validates and enqueues the event.
func (p *LocalPublisher) Publish(ctx context.Context, t EventType, payload any) {
	p.q.publish(ctx, t, payload)
}

// Close drains queued events and stops the worker.
func (p *LocalPublisher) Close() {
	p.q.close()
}

func (p *LocalPublisher) send(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.sink.Publish(ctx, ev); err != nil {
		p.q.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(ev.Type))))
		p.logger.Error("bridge: event not delivered", "event", ev.Type, "error", err)
	}
}
