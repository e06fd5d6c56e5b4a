// Package retrysched holds deferred, due-at-time events in a monotonic
// min-heap. It defines event types for retry backoff, per-attempt timeouts,
// queue visibility expiry, and provider health probes; the engine schedules
// only retry events through it. Run polls the heap on a fixed ticker, so an
// event fires on the first tick at or after its due time, grounded on the
// orchestrator's periodic-sweep pattern (cancellation.go's StartCleanupLoop).
package retrysched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

// EventType distinguishes what a due entry represents.
type EventType int

const (
	EventTaskRetryDue EventType = iota
	EventTaskTimeout
	EventVisibilityExpired
	EventProviderHealthProbe
)

func (t EventType) String() string {
	switch t {
	case EventTaskRetryDue:
		return "task_retry_due"
	case EventTaskTimeout:
		return "task_timeout"
	case EventVisibilityExpired:
		return "visibility_expired"
	case EventProviderHealthProbe:
		return "provider_health_probe"
	default:
		return "unknown"
	}
}

// Event is a scheduled occurrence delivered to the engine's dispatch loop
// once its DueAt has passed. Payload carries whatever id the event type
// needs (task id, provider id); the scheduler itself never interprets it.
type Event struct {
	ID      uint64
	Type    EventType
	DueAt   time.Time
	Payload string

	index int // heap bookkeeping, unused by callers
}

// entryHeap implements container/heap.Interface ordered by DueAt.
type entryHeap []*Event

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].DueAt.Before(h[j].DueAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is a monotonic min-heap of due-at events, safe for concurrent
// use. Callers poll DueNow (the engine's dispatch loop runs it on a ticker)
// rather than receiving a push callback, keeping the scheduler free of any
// dependency on what an event ultimately triggers.
type Scheduler struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[uint64]*Event
	nextID  uint64

	scheduled metric.Int64Counter
	fired     metric.Int64Counter
	cancelled metric.Int64Counter
	depth     metric.Int64UpDownCounter
}

// New constructs an empty Scheduler.
func New(meter metric.Meter) *Scheduler {
	scheduled, _ := meter.Int64Counter("gleitzeit_sched_events_scheduled_total")
	fired, _ := meter.Int64Counter("gleitzeit_sched_events_fired_total")
	cancelled, _ := meter.Int64Counter("gleitzeit_sched_events_cancelled_total")
	depth, _ := meter.Int64UpDownCounter("gleitzeit_sched_depth")
	return &Scheduler{
		byID:      make(map[uint64]*Event),
		scheduled: scheduled,
		fired:     fired,
		cancelled: cancelled,
		depth:     depth,
	}
}

// Schedule enqueues an event of the given type due after the given delay,
// carrying payload (usually a task or provider id). It returns the event id,
// which Cancel accepts.
func (s *Scheduler) Schedule(ctx context.Context, after time.Duration, eventType EventType, payload string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &Event{
		ID:      s.nextID,
		Type:    eventType,
		DueAt:   time.Now().Add(after),
		Payload: payload,
	}
	heap.Push(&s.heap, e)
	s.byID[e.ID] = e
	if s.scheduled != nil {
		s.scheduled.Add(ctx, 1)
	}
	if s.depth != nil {
		s.depth.Add(ctx, 1)
	}
	return e.ID
}

// Cancel removes a not-yet-fired event. It is a no-op if the event already
// fired or never existed.
func (s *Scheduler) Cancel(ctx context.Context, eventID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[eventID]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byID, eventID)
	if s.cancelled != nil {
		s.cancelled.Add(ctx, 1)
	}
	if s.depth != nil {
		s.depth.Add(ctx, -1)
	}
	return true
}

// DueNow pops and returns every event whose DueAt has passed, in ascending
// due-time order.
func (s *Scheduler) DueNow(ctx context.Context) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var due []*Event
	for s.heap.Len() > 0 && !s.heap[0].DueAt.After(now) {
		e := heap.Pop(&s.heap).(*Event)
		delete(s.byID, e.ID)
		due = append(due, e)
	}
	if len(due) > 0 {
		if s.fired != nil {
			s.fired.Add(ctx, int64(len(due)))
		}
		if s.depth != nil {
			s.depth.Add(ctx, -int64(len(due)))
		}
	}
	return due
}

// Len reports the number of outstanding (not yet fired or cancelled) events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Run drives DueNow on a ticker until ctx is cancelled, invoking handle for
// every event that comes due. It blocks; callers run it in its own
// goroutine, mirroring the orchestrator's StartCleanupLoop shape.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration, handle func(*Event)) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.DueNow(ctx) {
				handle(e)
			}
		}
	}
}

// NextDelay computes the retry backoff for a task about to make attempt
// (1-indexed) under cfg, using an exponential backoff with optional jitter.
// It is built on cenkalti/backoff/v4's ExponentialBackOff so the shape
// (base * multiplier^(attempt-1), capped at MaxDelay) matches the library's
// own growth curve; RandomizationFactor supplies the jitter.
func NextDelay(cfg task.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = cfg.BackoffMultiplier
	eb.MaxElapsedTime = 0 // this scheduler caps per-attempt, not cumulative
	if cfg.Jitter {
		eb.RandomizationFactor = 0.25
	} else {
		eb.RandomizationFactor = 0
	}
	eb.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = eb.NextBackOff()
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
