package retrysched

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

func newTestScheduler() *Scheduler {
	return New(noopmetric.MeterProvider{}.Meter("test"))
}

func TestSchedulerDueNowOrdersByDueTime(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	s.Schedule(ctx, 20*time.Millisecond, EventTaskRetryDue, "second")
	s.Schedule(ctx, 5*time.Millisecond, EventTaskRetryDue, "first")

	time.Sleep(30 * time.Millisecond)
	due := s.DueNow(ctx)
	if len(due) != 2 {
		t.Fatalf("expected 2 due events, got %d", len(due))
	}
	if due[0].Payload != "first" || due[1].Payload != "second" {
		t.Fatalf("due order = [%s %s], want [first second]", due[0].Payload, due[1].Payload)
	}
}

func TestSchedulerDueNowOnlyReturnsExpired(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()
	s.Schedule(ctx, time.Hour, EventTaskTimeout, "future")

	due := s.DueNow(ctx)
	if len(due) != 0 {
		t.Fatalf("expected no due events yet, got %d", len(due))
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 outstanding event, got %d", s.Len())
	}
}

func TestSchedulerCancelRemovesEvent(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()
	id := s.Schedule(ctx, time.Millisecond, EventTaskRetryDue, "x")

	if !s.Cancel(ctx, id) {
		t.Fatalf("expected Cancel to succeed on a pending event")
	}
	time.Sleep(5 * time.Millisecond)
	if due := s.DueNow(ctx); len(due) != 0 {
		t.Fatalf("expected cancelled event to never fire, got %v", due)
	}
	if s.Cancel(ctx, id) {
		t.Fatalf("expected second Cancel on the same id to report false")
	}
}

func TestSchedulerRunDispatchesHandler(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Schedule(ctx, time.Millisecond, EventTaskRetryDue, "x")

	fired := make(chan *Event, 1)
	go s.Run(ctx, 5*time.Millisecond, func(e *Event) { fired <- e })

	select {
	case e := <-fired:
		if e.Payload != "x" {
			t.Fatalf("fired event payload = %q, want x", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for scheduled event to fire")
	}
}

func TestNextDelayGrowsWithAttemptAndCapsAtMaxDelay(t *testing.T) {
	cfg := task.RetryConfig{
		MaxAttempts:       5,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		Jitter:            false,
	}

	first := NextDelay(cfg, 1)
	if first < cfg.BaseDelay/2 || first > cfg.BaseDelay*2 {
		t.Fatalf("first attempt delay = %v, expected roughly base delay %v", first, cfg.BaseDelay)
	}

	if second := NextDelay(cfg, 2); second <= first {
		t.Fatalf("second attempt delay = %v, want greater than first %v", second, first)
	}

	late := NextDelay(cfg, 10)
	if late > cfg.MaxDelay {
		t.Fatalf("delay at high attempt count = %v, want capped at %v", late, cfg.MaxDelay)
	}
}

func TestNextDelayTreatsSubOneAttemptAsFirst(t *testing.T) {
	cfg := task.DefaultRetryConfig()
	cfg.Jitter = false
	if NextDelay(cfg, 0) != NextDelay(cfg, 1) {
		t.Fatalf("NextDelay(0) should behave like NextDelay(1)")
	}
}
