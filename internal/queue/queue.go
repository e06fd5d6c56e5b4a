// Package queue implements the priority task queue: four FIFOs keyed by
// priority, reservation with a visibility timeout, and at-least-once
// redelivery. SweepExpired returns expired reservations to their buckets;
// the engine calls it periodically from its sweep loop.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

type reservation struct {
	taskID    string
	expiresAt time.Time
}

// Stats is a point-in-time snapshot returned by Queue.Stats.
type Stats struct {
	PerPriorityDepth map[task.Priority]int
	ReservedCount    int
	TotalEnqueued    int64
	TotalAcked       int64
}

// Queue is the engine's priority work queue. All operations are safe for
// concurrent use.
type Queue struct {
	mu sync.Mutex

	buckets  map[task.Priority]*list.List // FIFO of task ids per priority
	queued   map[string]bool              // task id -> present in a bucket
	reserved map[string]*reservation

	limiter *resilience.Limiter

	totalEnqueued int64
	totalAcked    int64

	depthGauge metric.Int64UpDownCounter
}

// priorityOrder lists priorities from highest to lowest, the order buckets
// are drained in.
var priorityOrder = []task.Priority{task.PriorityUrgent, task.PriorityHigh, task.PriorityNormal, task.PriorityLow}

// New constructs a Queue whose enqueue path is gated by limiter —
// nil disables backpressure (unit tests, mostly).
func New(limiter *resilience.Limiter, meter metric.Meter) *Queue {
	buckets := make(map[task.Priority]*list.List, len(priorityOrder))
	for _, p := range priorityOrder {
		buckets[p] = list.New()
	}
	depthGauge, _ := meter.Int64UpDownCounter("gleitzeit_queue_depth")
	return &Queue{
		buckets:    buckets,
		queued:     make(map[string]bool),
		reserved:   make(map[string]*reservation),
		limiter:    limiter,
		depthGauge: depthGauge,
	}
}

// Enqueue inserts a task at the tail of its priority bucket. It is
// idempotent: re-enqueueing a task id already queued or reserved is a
// no-op. Returns a KindBackpressure error when the limiter denies
// admission; the caller is expected to retry later.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	q.mu.Lock()
	if q.queued[t.ID] {
		q.mu.Unlock()
		return nil
	}
	if _, reserved := q.reserved[t.ID]; reserved {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	if q.limiter != nil && !q.limiter.Allow(ctx) {
		return errkind.New(errkind.KindBackpressure, "queue at capacity")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[t.Priority].PushBack(t.ID)
	q.queued[t.ID] = true
	q.totalEnqueued++
	if q.depthGauge != nil {
		q.depthGauge.Add(ctx, 1)
	}
	return nil
}

// Reserve atomically removes up to maxItems task ids from the head of the
// highest non-empty priority bucket and marks them reserved with an expiry
// of now+visibilityTimeout.
func (q *Queue) Reserve(ctx context.Context, maxItems int, visibilityTimeout time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	expiresAt := time.Now().Add(visibilityTimeout)
	for _, p := range priorityOrder {
		bucket := q.buckets[p]
		for len(out) < maxItems {
			front := bucket.Front()
			if front == nil {
				break
			}
			id := front.Value.(string)
			bucket.Remove(front)
			delete(q.queued, id)
			q.reserved[id] = &reservation{taskID: id, expiresAt: expiresAt}
			out = append(out, id)
			if q.depthGauge != nil {
				q.depthGauge.Add(ctx, -1)
			}
		}
		if len(out) >= maxItems {
			break
		}
	}
	return out
}

// Ack removes a task from the reserved set on a successful handoff.
func (q *Queue) Ack(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.reserved[taskID]; ok {
		delete(q.reserved, taskID)
		q.totalAcked++
	}
}

// Nack releases a reservation. With requeueDelay zero the task reappears at
// the head of its bucket immediately; a nonzero delay is the caller's cue
// to schedule a delayed re-enqueue via the retry scheduler instead (Nack
// itself only drops the reservation).
func (q *Queue) Nack(t *task.Task, requeueDelay time.Duration) {
	q.mu.Lock()
	delete(q.reserved, t.ID)
	q.mu.Unlock()

	if requeueDelay == 0 {
		q.mu.Lock()
		q.buckets[t.Priority].PushFront(t.ID)
		q.queued[t.ID] = true
		q.mu.Unlock()
	}
}

// SweepExpired scans reservations past their visibility timeout and returns
// them to the head of their priority bucket, implementing at-least-once
// redelivery. Called periodically by the engine's background loop.
func (q *Queue) SweepExpired(priorities map[string]task.Priority) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, r := range q.reserved {
		if now.After(r.expiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(q.reserved, id)
		p := priorities[id]
		q.buckets[p].PushFront(id)
		q.queued[id] = true
	}
	return expired
}

// Stats reports queue depth and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := make(map[task.Priority]int, len(priorityOrder))
	for _, p := range priorityOrder {
		depth[p] = q.buckets[p].Len()
	}
	return Stats{
		PerPriorityDepth: depth,
		ReservedCount:    len(q.reserved),
		TotalEnqueued:    q.totalEnqueued,
		TotalAcked:       q.totalAcked,
	}
}
