// Package trigger is the scheduled/event-driven submission facade: it holds
// named workflow templates and fires them either on a cron schedule or when
// a matching external event arrives, handing the resulting workflow to a
// submit function supplied by the engine. Grounded on the orchestrator's
// scheduler.go, generalized from its single cron.Cron wrapped around a
// fixed dagEngine.Execute call into one that submits through whatever
// Submitter the caller wires in.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

// Submitter accepts a workflow for execution. The engine implements this.
type Submitter func(ctx context.Context, w *task.Workflow) (string, error)

// Config describes when and how a template fires.
type Config struct {
	Name          string
	Template      *task.Workflow
	CronExpr      string                 // e.g. "0 */5 * * * *" (seconds precision)
	EventType     string                 // mutually exclusive with CronExpr
	EventFilter   map[string]interface{}
	Enabled       bool
	MaxConcurrent int // 0 = unlimited
	Timeout       time.Duration
}

type eventRoute struct {
	mu        sync.Mutex
	configs   []*Config
	running   map[string]int // config name -> in-flight count
}

// Facade owns cron-driven and event-driven workflow submission.
type Facade struct {
	cron      *cron.Cron
	submit    Submitter
	logger    *slog.Logger

	mu        sync.RWMutex
	byName    map[string]*Config
	cronIDs   map[string]cron.EntryID
	routes    map[string]*eventRoute // event type -> route

	runsTotal metric.Int64Counter
	failTotal metric.Int64Counter
	evtTotal  metric.Int64Counter
	tracer    trace.Tracer
}

// New constructs a Facade whose cron scheduler runs with seconds precision,
// matching robfig/cron's documented "0 */5 * * * *" style expressions.
func New(submit Submitter, logger *slog.Logger, meter metric.Meter) *Facade {
	runsTotal, _ := meter.Int64Counter("gleitzeit_trigger_runs_total")
	failTotal, _ := meter.Int64Counter("gleitzeit_trigger_failures_total")
	evtTotal, _ := meter.Int64Counter("gleitzeit_trigger_events_total")
	return &Facade{
		cron:      cron.New(cron.WithSeconds()),
		submit:    submit,
		logger:    logger,
		byName:    make(map[string]*Config),
		cronIDs:   make(map[string]cron.EntryID),
		routes:    make(map[string]*eventRoute),
		runsTotal: runsTotal,
		failTotal: failTotal,
		evtTotal:  evtTotal,
		tracer:    otel.Tracer("gleitzeit-trigger"),
	}
}

// Start begins firing cron schedules already registered.
func (f *Facade) Start() { f.cron.Start() }

// Stop waits, up to ctx's deadline, for in-flight cron jobs to finish.
func (f *Facade) Stop(ctx context.Context) error {
	done := f.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers a template to fire on a cron expression or an event
// type; exactly one of CronExpr/EventType must be set.
func (f *Facade) AddSchedule(cfg *Config) error {
	if cfg.CronExpr == "" && cfg.EventType == "" {
		return fmt.Errorf("trigger %q: either cron_expr or event_type must be set", cfg.Name)
	}
	if cfg.CronExpr != "" && cfg.EventType != "" {
		return fmt.Errorf("trigger %q: cron_expr and event_type are mutually exclusive", cfg.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[cfg.Name] = cfg

	if cfg.CronExpr != "" {
		entryID, err := f.cron.AddFunc(cfg.CronExpr, func() {
			f.fire(context.Background(), cfg)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule %q: %w", cfg.Name, err)
		}
		f.cronIDs[cfg.Name] = entryID
		return nil
	}

	route, ok := f.routes[cfg.EventType]
	if !ok {
		route = &eventRoute{running: make(map[string]int)}
		f.routes[cfg.EventType] = route
	}
	route.mu.Lock()
	route.configs = append(route.configs, cfg)
	route.mu.Unlock()
	return nil
}

// RemoveSchedule unregisters a named template from both cron and event
// routing.
func (f *Facade) RemoveSchedule(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byName, name)
	if id, ok := f.cronIDs[name]; ok {
		f.cron.Remove(id)
		delete(f.cronIDs, name)
	}
	for _, route := range f.routes {
		route.mu.Lock()
		kept := route.configs[:0]
		for _, c := range route.configs {
			if c.Name != name {
				kept = append(kept, c)
			}
		}
		route.configs = kept
		route.mu.Unlock()
	}
}

// ListSchedules returns a snapshot of every registered template config.
func (f *Facade) ListSchedules() []*Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Config, 0, len(f.byName))
	for _, c := range f.byName {
		out = append(out, c)
	}
	return out
}

// TriggerEvent delivers an external event to every enabled template
// registered against eventType whose EventFilter matches eventData.
func (f *Facade) TriggerEvent(ctx context.Context, eventType string, eventData map[string]interface{}) {
	ctx, span := f.tracer.Start(ctx, "trigger.event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	f.mu.RLock()
	route, ok := f.routes[eventType]
	f.mu.RUnlock()
	if !ok {
		return
	}
	f.evtTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	route.mu.Lock()
	configs := append([]*Config(nil), route.configs...)
	route.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}
		route.mu.Lock()
		if cfg.MaxConcurrent > 0 && route.running[cfg.Name] >= cfg.MaxConcurrent {
			route.mu.Unlock()
			f.logger.Warn("trigger max concurrent reached", "trigger", cfg.Name, "max", cfg.MaxConcurrent)
			continue
		}
		route.running[cfg.Name]++
		route.mu.Unlock()

		go func(cfg *Config) {
			defer func() {
				route.mu.Lock()
				route.running[cfg.Name]--
				route.mu.Unlock()
			}()
			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			f.fire(execCtx, cfg)
		}(cfg)
	}
}

// fire clones the template's task list into a fresh Workflow (new ids, since
// each firing is an independent submission) and hands it to the Submitter.
func (f *Facade) fire(ctx context.Context, cfg *Config) {
	ctx, span := f.tracer.Start(ctx, "trigger.fire", trace.WithAttributes(attribute.String("trigger", cfg.Name)))
	defer span.End()

	start := time.Now()
	w := instantiate(cfg.Template)

	id, err := f.submit(ctx, w)
	if err != nil {
		f.failTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", cfg.Name)))
		f.logger.Error("triggered submission failed", "trigger", cfg.Name, "error", err)
		return
	}
	f.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", cfg.Name)))
	f.logger.Info("triggered workflow submitted",
		"trigger", cfg.Name, "workflow_id", id, "duration_ms", time.Since(start).Milliseconds())
}

// instantiate produces a fresh Workflow from a template: new workflow and
// task ids, pending status, nothing else changed.
func instantiate(tmpl *task.Workflow) *task.Workflow {
	w := &task.Workflow{
		ID:          task.NewWorkflowID(),
		Name:        tmpl.Name,
		Description: tmpl.Description,
		Priority:    tmpl.Priority,
		Status:      task.WorkflowPending,
		Metadata:    tmpl.Metadata,
	}
	idMap := make(map[string]string, len(tmpl.Tasks))
	for _, t := range tmpl.Tasks {
		idMap[t.ID] = task.NewTaskID()
	}
	for _, t := range tmpl.Tasks {
		deps := make([]string, len(t.Dependencies))
		for i, d := range t.Dependencies {
			deps[i] = idMap[d]
		}
		w.Tasks = append(w.Tasks, &task.Task{
			ID:             idMap[t.ID],
			WorkflowID:     w.ID,
			Name:           t.Name,
			Protocol:       t.Protocol,
			Method:         t.Method,
			Params:         t.Params.Clone(),
			Dependencies:   deps,
			Priority:       t.Priority,
			TimeoutSeconds: t.TimeoutSeconds,
			Retry:          t.Retry,
			Status:         task.StatusPending,
			Metadata:       t.Metadata,
		})
	}
	return w
}

func matchesFilter(eventData, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, ok := eventData[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}
