package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// WebhookEvent is one engagement notification awaiting delivery.
type WebhookEvent struct {
	Sequence   int64
	Type       string
	LedgerID   uint64
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask pairs an event with a delivery target. A task without a
// subscription fans out to every configured subscription on dequeue.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// WebhookQueue is a bounded in-memory buffer between the watcher and the
// dispatcher. On overflow the oldest task is dropped and counted; delivery is
// best effort by design and never blocks event ingestion.
type WebhookQueue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	ttl     time.Duration
	nowFn   func() time.Time
	metrics *webhookQueueMetrics
}

func NewWebhookQueue(capacity int, ttl time.Duration) *WebhookQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return &WebhookQueue{
		tasks:   newRing[queuedTask](capacity),
		ttl:     ttl,
		nowFn:   time.Now,
		metrics: queueMetrics(),
	}
}

// SetNowFunc overrides the TTL clock (test only).
func (q *WebhookQueue) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	q.mu.Lock()
	q.nowFn = now
	q.mu.Unlock()
}

// Enqueue adds an event for delivery to all subscriptions.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.EnqueueTask(WebhookTask{Event: evt})
}

// EnqueueTask adds a task, evicting expired entries first.
func (q *WebhookQueue) EnqueueTask(task WebhookTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	q.evictExpiredLocked(now)
	if dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of queued tasks.
func (q *WebhookQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue blocks until a task is ready or the context ends. Tasks honour
// their NotBefore delay; tasks past the TTL are discarded.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.nowFn())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}
		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}
		if q.ttl > 0 && q.nowFn().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		return queued.task, true
	}
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (dropped bool) {
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

var (
	queueMetricsOnce   sync.Once
	sharedQueueMetrics *webhookQueueMetrics
)

type webhookQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *webhookQueueMetrics {
	queueMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("nichenode/engagement-gateway")
		counter, err := meter.Int64Counter("nichenode.engagement.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("nichenode/engagement-gateway")
			counter, _ = fallback.Int64Counter("nichenode.engagement.webhooks.dropped")
		}
		sharedQueueMetrics = &webhookQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *webhookQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
