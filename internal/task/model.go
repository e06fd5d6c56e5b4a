// Package task defines the core data model shared by every other engine
// component: tasks, workflows, results, and the retry/priority types that
// decorate them.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within the queue. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority maps a workflow document's priority string onto a Priority,
// defaulting to PriorityNormal for an empty or unrecognized value.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Status is a task's position in the state machine described by the engine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusReserved  Status = "reserved"
	StatusExecuting Status = "executing"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStatus mirrors Status at the workflow level.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// RetryConfig controls re-dispatch of a task after a retryable failure. The
// backoff formula is delay = min(max_delay, base_delay * multiplier^(attempt-1)),
// optionally scaled by a uniform [0.75, 1.25] jitter factor — matched to
// cenkalti/backoff/v4's ExponentialBackOff so the retry scheduler can reuse
// that package's RandomizationFactor machinery directly.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig matches the workflow document schema's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Task is one unit of work inside a Workflow's DAG.
type Task struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	Name           string                 `json:"name"`
	Protocol       string                 `json:"protocol"`
	Method         string                 `json:"method"`
	Params         *OrderedMap            `json:"params"`
	Dependencies   []string               `json:"dependencies"`
	Priority       Priority               `json:"priority"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Retry          RetryConfig            `json:"retry"`
	Status         Status                 `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Attempt        int                    `json:"attempt"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewTaskID generates an opaque task identifier.
func NewTaskID() string { return uuid.NewString() }

// Workflow is an ordered collection of tasks submitted and tracked as a
// single unit.
type Workflow struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Priority    Priority               `json:"priority"`
	Status      WorkflowStatus         `json:"status"`
	Tasks       []*Task                `json:"tasks"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewWorkflowID generates an opaque workflow identifier.
func NewWorkflowID() string { return uuid.NewString() }

// TaskByID returns the task with the given id, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskResult is the outcome of one task attempt. Result is the value other
// tasks may substitute from via parameter substitution; it must stay
// JSON-serializable since it round-trips through the persistence port.
type TaskResult struct {
	TaskID      string                 `json:"task_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      Status                 `json:"status"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Attempt     int                    `json:"attempt"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
