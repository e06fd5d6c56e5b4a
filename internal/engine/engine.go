// Package engine is the central orchestrator: it owns the worker pool that
// drains the task queue, drives the dependency resolver and retry scheduler
// off each dispatch outcome, and is the one place that advances a task or
// workflow's state machine. Grounded on the orchestrator's dag_engine.go
// (worker/coordinator shape, per-attempt timeout, retry loop) generalized
// from "one goroutine pool per Execute call" to a pool that lives for the
// process and drains Queue.Reserve continuously.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/leifmarkthaler/gleitzeit/internal/dag"
	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/policy"
	"github.com/leifmarkthaler/gleitzeit/internal/queue"
	"github.com/leifmarkthaler/gleitzeit/internal/registry"
	"github.com/leifmarkthaler/gleitzeit/internal/retrysched"
	"github.com/leifmarkthaler/gleitzeit/internal/store"
	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

// Config tunes the worker pool and timing defaults.
type Config struct {
	Workers           int
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
	SchedTick         time.Duration
	DefaultTimeout    time.Duration
}

// DefaultConfig returns 8 workers, a 30s visibility timeout, a 5s sweep
// interval, a 500ms scheduler tick and a 30s default task timeout. Retry
// policy is not part of Config; it comes from each task's RetryConfig.
func DefaultConfig() Config {
	return Config{
		Workers:           8,
		VisibilityTimeout: 30 * time.Second,
		SweepInterval:     5 * time.Second,
		SchedTick:         500 * time.Millisecond,
		DefaultTimeout:    30 * time.Second,
	}
}

// Engine ties the queue, resolver, registry, store, and retry scheduler
// into the submit/execute/complete lifecycle.
type Engine struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	queue    *queue.Queue
	resolver *dag.Resolver
	sched    *retrysched.Scheduler
	logger   *slog.Logger
	tracer   trace.Tracer

	mu         sync.RWMutex
	priorities map[string]task.Priority // task id -> priority, for SweepExpired
	cancelled  map[string]bool          // workflow ids cancelled with force=true
	seq        int64                    // monotonic enqueue counter, for QueueStateEntry.EnqueuedSeq

	taskDuration   metric.Float64Histogram
	taskRetries    metric.Int64Counter
	taskFailures   metric.Int64Counter
	wfCompleted    metric.Int64Counter
	wfFailed       metric.Int64Counter
	wfCancelled    metric.Int64Counter
	parallelism    metric.Int64UpDownCounter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires an Engine from its already-constructed dependencies; main.go is
// responsible for opening the store, loading protocols/providers, and
// building the queue/resolver/scheduler before calling this.
func New(cfg Config, st store.Store, reg *registry.Registry, q *queue.Queue, resolver *dag.Resolver, sched *retrysched.Scheduler, pol *policy.Engine, logger *slog.Logger, meter metric.Meter) *Engine {
	// Provider-selection requirement policies live on the registry itself,
	// since SelectProvider is where candidates are filtered; New stays the
	// single place that threads a loaded policy.Engine into the running system.
	reg.SetPolicy(pol)
	taskDuration, _ := meter.Float64Histogram("gleitzeit_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("gleitzeit_task_retries_total")
	taskFailures, _ := meter.Int64Counter("gleitzeit_task_failures_total")
	wfCompleted, _ := meter.Int64Counter("gleitzeit_workflows_completed_total")
	wfFailed, _ := meter.Int64Counter("gleitzeit_workflows_failed_total")
	wfCancelled, _ := meter.Int64Counter("gleitzeit_workflows_cancelled_total")
	parallelism, _ := meter.Int64UpDownCounter("gleitzeit_parallelism")
	return &Engine{
		cfg:          cfg,
		store:        st,
		registry:     reg,
		queue:        q,
		resolver:     resolver,
		sched:        sched,
		logger:       logger,
		tracer:       otel.Tracer("gleitzeit/engine"),
		priorities:   make(map[string]task.Priority),
		cancelled:    make(map[string]bool),
		taskDuration: taskDuration,
		taskRetries:  taskRetries,
		taskFailures: taskFailures,
		wfCompleted:  wfCompleted,
		wfFailed:     wfFailed,
		wfCancelled:  wfCancelled,
		parallelism:  parallelism,
	}
}

// Start launches the worker pool, the retry-scheduler tick loop, and the
// visibility-timeout sweep, and restores queue/resolver state from the
// store so a restart resumes in-flight workflows.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx, i)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.Run(runCtx, e.cfg.SchedTick, e.handleScheduledEvent)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(runCtx)
	}()

	e.logger.Info("engine started", "workers", e.cfg.Workers)
	return nil
}

// Stop cancels the worker pool and blocks until every goroutine exits.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// restore reconstructs resolver graphs for non-terminal workflows and
// re-enqueues queue state recorded before a crash.
func (e *Engine) restore(ctx context.Context) error {
	workflows, _, err := e.store.ListWorkflows(ctx, 0, "")
	if err != nil {
		return err
	}
	for _, w := range workflows {
		if w.Status == task.WorkflowCompleted || w.Status == task.WorkflowFailed || w.Status == task.WorkflowCancelled {
			continue
		}
		if err := e.resolver.AddWorkflow(w); err != nil {
			e.logger.Error("restore: rebuild graph failed", "workflow_id", w.ID, "error", err)
			continue
		}
		for _, t := range w.Tasks {
			e.mu.Lock()
			e.priorities[t.ID] = t.Priority
			e.mu.Unlock()
			e.resolver.MarkStatus(w.ID, t.ID, t.Status)
		}
	}

	entries, err := e.store.ListQueueState(ctx)
	if err != nil {
		return err
	}
	for _, qe := range entries {
		t, found, err := e.store.GetTask(ctx, qe.TaskID)
		if err != nil || !found {
			continue
		}
		// A reservation recorded before the crash is always treated as
		// expired on restart: nothing is actually holding it anymore.
		if err := e.queue.Enqueue(ctx, t); err != nil {
			e.logger.Warn("restore: re-enqueue failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// SubmitWorkflow persists w and its tasks, registers the DAG, and enqueues
// the initial ready set. Returns the workflow id.
func (e *Engine) SubmitWorkflow(ctx context.Context, w *task.Workflow) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.submit_workflow", trace.WithAttributes(attribute.String("workflow", w.Name)))
	defer span.End()

	w.Status = task.WorkflowPending
	now := time.Now()
	w.CreatedAt = now
	for _, t := range w.Tasks {
		t.Status = task.StatusPending
		t.CreatedAt = now
		if t.Retry.MaxAttempts == 0 {
			t.Retry = task.DefaultRetryConfig()
		}
	}

	if err := e.resolver.AddWorkflow(w); err != nil {
		return "", err
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		e.resolver.RemoveWorkflow(w.ID)
		return "", errkind.Wrap(errkind.KindStoreUnavailable, "save workflow", err)
	}
	for _, t := range w.Tasks {
		if err := e.store.SaveTask(ctx, t); err != nil {
			return "", errkind.Wrap(errkind.KindStoreUnavailable, "save task", err)
		}
		e.mu.Lock()
		e.priorities[t.ID] = t.Priority
		e.mu.Unlock()
	}

	started := time.Now()
	w.StartedAt = &started
	w.Status = task.WorkflowRunning
	_ = e.store.SaveWorkflow(ctx, w)

	for _, id := range e.resolver.ReadyTasks(w.ID) {
		t := w.TaskByID(id)
		if t == nil {
			continue
		}
		if err := e.enqueueTask(ctx, t); err != nil {
			e.logger.Warn("submit: enqueue ready task failed", "task_id", id, "error", err)
		}
	}
	e.logger.Info("workflow submitted", "workflow_id", w.ID, "tasks", len(w.Tasks))
	return w.ID, nil
}

func (e *Engine) enqueueTask(ctx context.Context, t *task.Task) error {
	t.Status = task.StatusQueued
	if err := e.store.UpdateTaskStatus(ctx, t.ID, task.StatusQueued, t.Attempt); err != nil {
		return err
	}
	e.resolver.MarkStatus(t.WorkflowID, t.ID, task.StatusQueued)
	if err := e.queue.Enqueue(ctx, t); err != nil {
		return err
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	entry := store.QueueStateEntry{
		TaskID:      t.ID,
		WorkflowID:  t.WorkflowID,
		Priority:    int(t.Priority),
		EnqueuedSeq: seq,
	}
	if err := e.store.SaveQueueState(ctx, entry); err != nil {
		e.logger.Warn("enqueueTask: persist queue state failed", "task_id", t.ID, "error", err)
	}
	return nil
}

// ackTask removes taskID's reservation from both the in-memory queue and its
// durable queue-state record, so a later restore doesn't re-enqueue work
// that already left the queue.
func (e *Engine) ackTask(ctx context.Context, taskID string) {
	e.queue.Ack(taskID)
	if err := e.store.DeleteQueueState(ctx, taskID); err != nil {
		e.logger.Warn("ackTask: delete queue state failed", "task_id", taskID, "error", err)
	}
}

// worker continuously reserves one task at a time and dispatches it.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ids := e.queue.Reserve(ctx, 1, e.cfg.VisibilityTimeout)
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		e.dispatch(ctx, ids[0])
	}
}

// dispatch loads a reserved task, resolves its parameters, selects and
// invokes a provider, and feeds the outcome back into the resolver, queue,
// and retry scheduler.
func (e *Engine) dispatch(ctx context.Context, taskID string) {
	t, found, err := e.store.GetTask(ctx, taskID)
	if err != nil || !found {
		e.logger.Error("dispatch: task not found", "task_id", taskID, "error", err)
		return
	}

	e.mu.RLock()
	isCancelled := e.cancelled[t.WorkflowID]
	e.mu.RUnlock()
	if isCancelled {
		e.ackTask(ctx, taskID)
		e.finishTask(ctx, t, nil, errkind.New(errkind.KindCancelled, "workflow cancelled"))
		return
	}

	ctx, span := e.tracer.Start(ctx, "engine.task_execute", trace.WithAttributes(
		attribute.String("task_id", t.ID), attribute.String("protocol", t.Protocol), attribute.String("method", t.Method)))
	defer span.End()

	e.parallelism.Add(ctx, 1)
	defer e.parallelism.Add(ctx, -1)

	results, err := e.store.GetWorkflowResults(ctx, t.WorkflowID)
	if err != nil {
		e.logger.Error("dispatch: load results failed", "task_id", t.ID, "error", err)
		results = map[string]*task.TaskResult{}
	}
	resolvedParams, err := dag.ResolveParams(t, results)
	if err != nil {
		e.ackTask(ctx, taskID)
		e.finishTask(ctx, t, nil, err)
		return
	}

	t.Attempt++
	t.Status = task.StatusExecuting
	started := time.Now()
	t.StartedAt = &started
	_ = e.store.UpdateTaskStatus(ctx, t.ID, task.StatusExecuting, t.Attempt)
	e.resolver.MarkStatus(t.WorkflowID, t.ID, task.StatusExecuting)

	timeout := e.cfg.DefaultTimeout
	if t.TimeoutSeconds > 0 {
		timeout = time.Duration(t.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	providerID, handle, selErr := e.registry.SelectProvider(ctx, t.Protocol, t.Method, registry.Requirements{Tags: tagsFromMetadata(t.Metadata)})
	if selErr != nil {
		e.ackTask(ctx, taskID)
		e.finishTask(ctx, t, nil, selErr)
		return
	}

	output, invokeErr := e.registry.Invoke(callCtx, handle, t.Method, paramsToMap(resolvedParams))
	latency := time.Since(started)
	e.taskDuration.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("protocol", t.Protocol), attribute.String("method", t.Method)))

	e.ackTask(ctx, taskID)

	if invokeErr != nil {
		e.registry.RecordFailure(providerID, invokeErr)
		if callCtx.Err() != nil {
			invokeErr = errkind.Wrap(errkind.KindTimeout, "task exceeded timeout", invokeErr)
		}
		e.handleFailure(ctx, t, invokeErr)
		return
	}
	e.registry.RecordSuccess(providerID, latency)
	e.finishTask(ctx, t, output, nil)
}

func tagsFromMetadata(md map[string]interface{}) []string {
	if md == nil {
		return nil
	}
	raw, ok := md["required_tags"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

func paramsToMap(p *task.OrderedMap) map[string]interface{} {
	out := make(map[string]interface{}, p.Len())
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		out[k] = v
	}
	return out
}

// handleFailure classifies an invocation error: retryable errors with
// attempts remaining are scheduled for a backoff retry; everything else
// becomes a terminal failure with fail-fast cascade.
func (e *Engine) handleFailure(ctx context.Context, t *task.Task, cause error) {
	retryable := true
	if ke, ok := cause.(*errkind.Error); ok {
		retryable = ke.Retryable()
	}
	if retryable && t.Attempt < t.Retry.MaxAttempts {
		delay := retrysched.NextDelay(t.Retry, t.Attempt)
		t.Status = task.StatusRetrying
		_ = e.store.UpdateTaskStatus(ctx, t.ID, task.StatusRetrying, t.Attempt)
		e.resolver.MarkStatus(t.WorkflowID, t.ID, task.StatusRetrying)
		e.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))
		e.sched.Schedule(ctx, delay, retrysched.EventTaskRetryDue, t.ID)
		e.logger.Warn("task failed, retry scheduled", "task_id", t.ID, "attempt", t.Attempt, "delay", delay, "error", cause)
		return
	}
	e.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))
	e.finishTask(ctx, t, nil, cause)
}

// finishTask records the terminal result of one attempt — success, or
// exhausted/non-retryable failure — and propagates the consequence through
// the resolver: newly-ready dependents on success, fail-fast cascade on
// failure, plus workflow completion/failure detection either way.
func (e *Engine) finishTask(ctx context.Context, t *task.Task, output map[string]interface{}, cause error) {
	isCancellation := false
	if ke, ok := cause.(*errkind.Error); ok {
		isCancellation = ke.Kind == errkind.KindCancelled
	}
	e.mu.RLock()
	forceCancelled := e.cancelled[t.WorkflowID]
	e.mu.RUnlock()
	if forceCancelled && !isCancellation {
		e.logger.Info("finishTask: discarding late result for force-cancelled workflow", "task_id", t.ID, "workflow_id", t.WorkflowID)
		return
	}

	completedAt := time.Now()
	result := &task.TaskResult{
		TaskID:      t.ID,
		WorkflowID:  t.WorkflowID,
		StartedAt:   derefOrZero(t.StartedAt),
		CompletedAt: completedAt,
		Attempt:     t.Attempt,
	}

	if cause != nil {
		t.Status = task.StatusFailed
		result.Status = task.StatusFailed
		result.Error = cause.Error()
	} else {
		t.Status = task.StatusCompleted
		result.Status = task.StatusCompleted
		result.Result = output
	}
	t.CompletedAt = &completedAt

	if err := e.store.SaveTaskResult(ctx, result); err != nil {
		e.logger.Error("finishTask: save result failed", "task_id", t.ID, "error", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, t.ID, t.Status, t.Attempt); err != nil {
		e.logger.Error("finishTask: update status failed", "task_id", t.ID, "error", err)
	}

	if cause != nil {
		cancelledIDs := e.resolver.OnTaskFailed(t.WorkflowID, t.ID)
		for _, id := range cancelledIDs {
			e.ackTask(ctx, id)
			_ = e.store.UpdateTaskStatus(ctx, id, task.StatusCancelled, 0)
		}
		e.failWorkflow(ctx, t.WorkflowID, fmt.Sprintf("task %s failed: %v", t.ID, cause))
		return
	}

	ready := e.resolver.OnTaskCompleted(t.WorkflowID, t.ID)
	for _, id := range ready {
		w, found, err := e.store.GetWorkflow(ctx, t.WorkflowID)
		if err != nil || !found {
			continue
		}
		nt := w.TaskByID(id)
		if nt == nil {
			continue
		}
		if err := e.enqueueTask(ctx, nt); err != nil {
			e.logger.Warn("finishTask: enqueue dependent failed", "task_id", id, "error", err)
		}
	}
	e.maybeCompleteWorkflow(ctx, t.WorkflowID)
}

func (e *Engine) maybeCompleteWorkflow(ctx context.Context, workflowID string) {
	w, found, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil || !found {
		return
	}
	if w.Status.Terminal() {
		return
	}
	// Task statuses live in the task records; the workflow record's copies
	// are not updated as tasks run.
	tasks, err := e.store.GetTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return
		}
	}
	for _, t := range tasks {
		if t.Status == task.StatusFailed {
			e.failWorkflow(ctx, workflowID, "one or more tasks failed")
			return
		}
	}
	completedAt := time.Now()
	w.CompletedAt = &completedAt
	w.Status = task.WorkflowCompleted
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		e.logger.Error("complete workflow: save failed", "workflow_id", workflowID, "error", err)
	}
	e.wfCompleted.Add(ctx, 1)
	e.resolver.RemoveWorkflow(workflowID)
	e.logger.Info("workflow completed", "workflow_id", workflowID)
}

func (e *Engine) failWorkflow(ctx context.Context, workflowID, reason string) {
	w, found, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil || !found {
		return
	}
	if w.Status == task.WorkflowFailed || w.Status == task.WorkflowCancelled {
		return
	}
	completedAt := time.Now()
	w.CompletedAt = &completedAt
	w.Status = task.WorkflowFailed
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		e.logger.Error("fail workflow: save failed", "workflow_id", workflowID, "error", err)
	}
	e.wfFailed.Add(ctx, 1)
	e.resolver.RemoveWorkflow(workflowID)
	e.logger.Warn("workflow failed", "workflow_id", workflowID, "reason", reason)
}

// CancelWorkflow marks workflowID cancelled. With force=false, tasks already
// executing are allowed to finish (finishTask still records their outcome,
// but the workflow stays cancelled); with force=true, in-flight attempts are
// abandoned immediately via the cancelled set checked on next dispatch.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string, force bool) error {
	w, found, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return errkind.Wrap(errkind.KindStoreUnavailable, "get workflow", err)
	}
	if !found {
		return errkind.New(errkind.KindValidation, "workflow not found: "+workflowID)
	}
	if w.Status.Terminal() {
		return errkind.New(errkind.KindValidation, "workflow already terminal: "+string(w.Status))
	}

	if force {
		e.mu.Lock()
		e.cancelled[workflowID] = true
		e.mu.Unlock()
	}

	tasks, err := e.store.GetTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return errkind.Wrap(errkind.KindStoreUnavailable, "get tasks", err)
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Status == task.StatusExecuting && !force {
			// Let the in-flight attempt run to completion; finishTask will
			// persist its real outcome against an already-cancelled workflow.
			continue
		}
		t.Status = task.StatusCancelled
		if wt := w.TaskByID(t.ID); wt != nil {
			wt.Status = task.StatusCancelled
		}
		_ = e.store.UpdateTaskStatus(ctx, t.ID, task.StatusCancelled, t.Attempt)
		e.resolver.MarkStatus(workflowID, t.ID, task.StatusCancelled)
		if err := e.store.DeleteQueueState(ctx, t.ID); err != nil {
			e.logger.Warn("cancel: delete queue state failed", "task_id", t.ID, "error", err)
		}
	}
	completedAt := time.Now()
	w.CompletedAt = &completedAt
	w.Status = task.WorkflowCancelled
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return errkind.Wrap(errkind.KindStoreUnavailable, "save workflow", err)
	}
	e.wfCancelled.Add(ctx, 1)
	e.resolver.RemoveWorkflow(workflowID)
	e.logger.Info("workflow cancelled", "workflow_id", workflowID, "force", force)
	return nil
}

// GetWorkflowStatus returns the current workflow record.
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowID string) (*task.Workflow, error) {
	w, found, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStoreUnavailable, "get workflow", err)
	}
	if !found {
		return nil, errkind.New(errkind.KindValidation, "workflow not found: "+workflowID)
	}
	return w, nil
}

// GetWorkflowResults returns every completed/failed task result recorded
// for workflowID so far.
func (e *Engine) GetWorkflowResults(ctx context.Context, workflowID string) (map[string]*task.TaskResult, error) {
	results, err := e.store.GetWorkflowResults(ctx, workflowID)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStoreUnavailable, "get workflow results", err)
	}
	return results, nil
}

// ListWorkflows paginates the full workflow set.
func (e *Engine) ListWorkflows(ctx context.Context, limit int, cursor string) ([]*task.Workflow, string, error) {
	return e.store.ListWorkflows(ctx, limit, cursor)
}

// ListProviders returns the provider registry's current snapshot.
func (e *Engine) ListProviders() []registry.Record {
	return e.registry.ListProviders()
}

// handleScheduledEvent is the retry scheduler's callback: a due retry
// re-enqueues its task, a timeout or visibility-expired event is otherwise
// handled by the queue's own sweep (visibility) or the worker's per-attempt
// context (timeout), so only retries need action here.
func (e *Engine) handleScheduledEvent(ev *retrysched.Event) {
	ctx := context.Background()
	switch ev.Type {
	case retrysched.EventTaskRetryDue:
		t, found, err := e.store.GetTask(ctx, ev.Payload)
		if err != nil || !found {
			return
		}
		if t.Status.Terminal() {
			return
		}
		if err := e.enqueueTask(ctx, t); err != nil {
			e.logger.Warn("scheduled retry: enqueue failed", "task_id", t.ID, "error", err)
		}
	case retrysched.EventProviderHealthProbe:
		// Providers currently self-report through RecordSuccess/RecordFailure
		// on every invocation; no separate active probe is dispatched yet.
	}
}

// sweepLoop periodically returns expired reservations to their queue
// buckets, implementing at-least-once redelivery.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			priorities := make(map[string]task.Priority, len(e.priorities))
			for k, v := range e.priorities {
				priorities[k] = v
			}
			e.mu.RUnlock()
			expired := e.queue.SweepExpired(priorities)
			if len(expired) > 0 {
				e.logger.Warn("swept expired reservations", "count", len(expired))
			}
		}
	}
}

func derefOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
