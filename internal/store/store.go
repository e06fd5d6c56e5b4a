// Package store implements the engine's persistence port: the durable
// record of workflows, tasks, results, and queue state consumed by the
// execution engine, backed by an embedded BoltDB file.
package store

import (
	"context"

	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

// Store is the persistence contract the execution engine depends on. Any
// backing implementation (embedded file store, external KV) must satisfy it
// with: atomicity per operation within one process, durable writes before
// acknowledgment, and read-your-writes consistency from the same process.
type Store interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	SaveWorkflow(ctx context.Context, w *task.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*task.Workflow, bool, error)
	ListWorkflows(ctx context.Context, limit int, cursor string) ([]*task.Workflow, string, error)

	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, bool, error)
	GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	GetTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, attempt int) error

	SaveTaskResult(ctx context.Context, r *task.TaskResult) error
	GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, bool, error)
	GetWorkflowResults(ctx context.Context, workflowID string) (map[string]*task.TaskResult, error)

	SaveQueueState(ctx context.Context, entry QueueStateEntry) error
	DeleteQueueState(ctx context.Context, taskID string) error
	ListQueueState(ctx context.Context) ([]QueueStateEntry, error)

	Stats(ctx context.Context) (map[string]interface{}, error)
}

// QueueStateEntry is enough of the task queue's reservation bookkeeping to
// reconstruct queued/reserved state after a restart: a reserved task whose
// visibility deadline has already passed is queued again.
type QueueStateEntry struct {
	TaskID      string `json:"task_id"`
	WorkflowID  string `json:"workflow_id"`
	Priority    int    `json:"priority"`
	Reserved    bool   `json:"reserved"`
	VisibleAt   int64  `json:"visible_at_unix_nano"`
	EnqueuedSeq int64  `json:"enqueued_seq"`
}
