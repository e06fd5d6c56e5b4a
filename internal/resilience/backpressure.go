package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrLimitExceeded is returned by Wait when the overflow queue is full.
var ErrLimitExceeded = context.DeadlineExceeded

// Limiter combines a token bucket (burst tolerance for workflow submission
// spikes) with a leaky-bucket overflow queue (steady drain rate). Allow uses
// only the token bucket and rejects when no token is left; this is the path
// the task queue's Enqueue and the API's submit handler take. Wait and
// AllowOrWait park the caller in the overflow queue instead.
type Limiter struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	tokenMu    sync.Mutex

	overflow  chan *waiter
	leakRate  time.Duration
	stopCh    chan struct{}
	workerWg  sync.WaitGroup
	closeOnce sync.Once

	allowedCounter metric.Int64Counter
	deniedCounter  metric.Int64Counter
	queuedCounter  metric.Int64Counter
	tokensGauge    metric.Float64Gauge
	overflowGauge  metric.Int64Gauge
}

type waiter struct {
	done chan struct{}
}

// NewLimiter builds a Limiter allowing bursts up to burstCapacity, refilling
// at refillRate tokens/second, with an overflow queue of the given size
// drained every leakRate.
func NewLimiter(burstCapacity int, refillRate float64, overflowSize int, leakRate time.Duration) *Limiter {
	meter := otel.GetMeterProvider().Meter(meterName)
	l := &Limiter{
		tokens:     float64(burstCapacity),
		capacity:   float64(burstCapacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		overflow:   make(chan *waiter, overflowSize),
		leakRate:   leakRate,
		stopCh:     make(chan struct{}),
	}
	l.allowedCounter, _ = meter.Int64Counter("gleitzeit_queue_admit_total")
	l.deniedCounter, _ = meter.Int64Counter("gleitzeit_queue_reject_total")
	l.queuedCounter, _ = meter.Int64Counter("gleitzeit_queue_overflow_total")
	l.tokensGauge, _ = meter.Float64Gauge("gleitzeit_queue_tokens_available")
	l.overflowGauge, _ = meter.Int64Gauge("gleitzeit_queue_overflow_length")

	l.workerWg.Add(1)
	go l.drain()
	go l.reportMetrics()
	return l
}

// Allow reports whether the caller may enqueue immediately without waiting.
func (l *Limiter) Allow(ctx context.Context) bool {
	l.refill()
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	if l.tokens >= 1 {
		l.tokens--
		l.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "immediate")))
		return true
	}
	return false
}

// Wait blocks until a drain tick admits the caller, the overflow queue is
// full (ErrLimitExceeded), or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	w := &waiter{done: make(chan struct{})}
	select {
	case l.overflow <- w:
		l.queuedCounter.Add(ctx, 1)
		select {
		case <-w.done:
			l.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "queued")))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return context.Canceled
		}
	default:
		l.deniedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "overflow_full")))
		return ErrLimitExceeded
	}
}

// AllowOrWait is the common entry point: take the fast path if tokens are
// available, otherwise queue.
func (l *Limiter) AllowOrWait(ctx context.Context) error {
	if l.Allow(ctx) {
		return nil
	}
	return l.Wait(ctx)
}

func (l *Limiter) refill() {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(l.lastRefill).Seconds(); elapsed > 0 {
		l.tokens = minFloat(l.capacity, l.tokens+elapsed*l.refillRate)
		l.lastRefill = now
	}
}

func (l *Limiter) drain() {
	defer l.workerWg.Done()
	ticker := time.NewTicker(l.leakRate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case w := <-l.overflow:
				close(w.done)
			default:
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) reportMetrics() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			l.tokenMu.Lock()
			tokens := l.tokens
			l.tokenMu.Unlock()
			l.tokensGauge.Record(ctx, tokens)
			l.overflowGauge.Record(ctx, int64(len(l.overflow)))
		case <-l.stopCh:
			return
		}
	}
}

// Stop halts the background workers. Safe to call more than once.
func (l *Limiter) Stop() {
	l.closeOnce.Do(func() { close(l.stopCh) })
	l.workerWg.Wait()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
