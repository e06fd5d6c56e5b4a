package trigger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(discard{}, nil)) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func recordingSubmitter() (Submitter, func() []*task.Workflow) {
	var mu sync.Mutex
	var submitted []*task.Workflow
	fn := func(ctx context.Context, w *task.Workflow) (string, error) {
		mu.Lock()
		submitted = append(submitted, w)
		mu.Unlock()
		return w.ID, nil
	}
	get := func() []*task.Workflow {
		mu.Lock()
		defer mu.Unlock()
		return append([]*task.Workflow(nil), submitted...)
	}
	return fn, get
}

func template(name string) *task.Workflow {
	return &task.Workflow{
		Name: name,
		Tasks: []*task.Task{
			{ID: "t1", Name: "t1", Protocol: "test", Method: "echo", Params: task.NewOrderedMap()},
		},
	}
}

func TestAddScheduleRejectsNeitherCronNorEvent(t *testing.T) {
	f := New(func(ctx context.Context, w *task.Workflow) (string, error) { return "", nil }, testLogger(), noopmetric.MeterProvider{}.Meter("test"))
	err := f.AddSchedule(&Config{Name: "bad", Template: template("bad")})
	if err == nil {
		t.Fatalf("expected error when neither cron_expr nor event_type is set")
	}
}

func TestAddScheduleRejectsBothCronAndEvent(t *testing.T) {
	f := New(func(ctx context.Context, w *task.Workflow) (string, error) { return "", nil }, testLogger(), noopmetric.MeterProvider{}.Meter("test"))
	err := f.AddSchedule(&Config{Name: "bad", Template: template("bad"), CronExpr: "* * * * * *", EventType: "x"})
	if err == nil {
		t.Fatalf("expected error when both cron_expr and event_type are set")
	}
}

func TestTriggerEventFiresMatchingEnabledSchedule(t *testing.T) {
	submit, submitted := recordingSubmitter()
	f := New(submit, testLogger(), noopmetric.MeterProvider{}.Meter("test"))

	if err := f.AddSchedule(&Config{
		Name: "on-deploy", Template: template("deploy-workflow"), EventType: "deploy", Enabled: true,
		EventFilter: map[string]interface{}{"env": "prod"},
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	f.TriggerEvent(context.Background(), "deploy", map[string]interface{}{"env": "staging"})
	f.TriggerEvent(context.Background(), "deploy", map[string]interface{}{"env": "prod"})

	deadline := time.After(time.Second)
	for {
		if len(submitted()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected exactly one submission (env=prod), got %d", len(submitted()))
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	got := submitted()[0]
	if got.Name != "deploy-workflow" {
		t.Fatalf("submitted workflow name = %q, want deploy-workflow", got.Name)
	}
	if got.Tasks[0].ID == "t1" {
		t.Fatalf("instantiate should assign a fresh task id, not reuse the template's")
	}
}

func TestTriggerEventSkipsDisabledSchedule(t *testing.T) {
	submit, submitted := recordingSubmitter()
	f := New(submit, testLogger(), noopmetric.MeterProvider{}.Meter("test"))
	f.AddSchedule(&Config{Name: "off", Template: template("t"), EventType: "evt", Enabled: false})

	f.TriggerEvent(context.Background(), "evt", nil)
	time.Sleep(20 * time.Millisecond)
	if len(submitted()) != 0 {
		t.Fatalf("expected a disabled schedule to never fire, got %d submissions", len(submitted()))
	}
}

func TestTriggerEventRespectsMaxConcurrent(t *testing.T) {
	release := make(chan struct{})
	var started int32
	var mu sync.Mutex
	submit := func(ctx context.Context, w *task.Workflow) (string, error) {
		mu.Lock()
		started++
		mu.Unlock()
		<-release
		return w.ID, nil
	}
	f := New(submit, testLogger(), noopmetric.MeterProvider{}.Meter("test"))
	f.AddSchedule(&Config{Name: "capped", Template: template("t"), EventType: "evt", Enabled: true, MaxConcurrent: 1})

	f.TriggerEvent(context.Background(), "evt", nil)
	time.Sleep(20 * time.Millisecond) // let the first firing enter submit and block
	f.TriggerEvent(context.Background(), "evt", nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	got := started
	mu.Unlock()
	if got != 1 {
		t.Fatalf("started = %d while first firing is in flight, want 1 (max_concurrent=1)", got)
	}
	close(release)
}

func TestRemoveScheduleStopsFutureEvents(t *testing.T) {
	submit, submitted := recordingSubmitter()
	f := New(submit, testLogger(), noopmetric.MeterProvider{}.Meter("test"))
	f.AddSchedule(&Config{Name: "once", Template: template("t"), EventType: "evt", Enabled: true})
	f.RemoveSchedule("once")

	f.TriggerEvent(context.Background(), "evt", nil)
	time.Sleep(20 * time.Millisecond)
	if len(submitted()) != 0 {
		t.Fatalf("expected no submissions after RemoveSchedule, got %d", len(submitted()))
	}
	if len(f.ListSchedules()) != 0 {
		t.Fatalf("expected ListSchedules to be empty after removal")
	}
}

func TestCronScheduleFires(t *testing.T) {
	submit, submitted := recordingSubmitter()
	f := New(submit, testLogger(), noopmetric.MeterProvider{}.Meter("test"))
	if err := f.AddSchedule(&Config{Name: "every-second", Template: template("ticked"), CronExpr: "* * * * * *", Enabled: true}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	f.Start()
	defer f.Stop(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		if len(submitted()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected the cron schedule to fire at least once within 2s")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}
