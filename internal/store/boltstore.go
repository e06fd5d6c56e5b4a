package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

var (
	bucketWorkflows   = []byte("workflows")
	bucketTasks       = []byte("tasks")
	bucketTaskResults = []byte("task_results")
	bucketQueueState  = []byte("queue_state")
	bucketStatusIndex = []byte("status_index")
)

// BoltStore is the default Store implementation: an embedded, pure-Go
// BoltDB file with an in-memory hot cache for workflows, mirroring the
// cache-then-db read path the engine's original persistence layer used.
type BoltStore struct {
	db      *bbolt.DB
	wfMu    sync.RWMutex
	wfCache map[string]*task.Workflow

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or reopens a BoltStore at dbPath/gleitzeit.db.
func Open(dbPath string, meter metric.Meter) (*BoltStore, error) {
	opts := &bbolt.Options{Timeout: time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath+"/gleitzeit.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketTasks, bucketTaskResults, bucketQueueState, bucketStatusIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("gleitzeit_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("gleitzeit_store_write_ms")
	cacheHits, _ := meter.Int64Counter("gleitzeit_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("gleitzeit_cache_misses_total")

	s := &BoltStore{
		db:           db,
		wfCache:      make(map[string]*task.Workflow),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	return s, nil
}

// Initialize warms the workflow cache from disk.
func (s *BoltStore) Initialize(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var w task.Workflow
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			s.wfCache[w.ID] = &w
			return nil
		})
	})
}

// Shutdown closes the underlying database file.
func (s *BoltStore) Shutdown(ctx context.Context) error {
	return s.db.Close()
}

func (s *BoltStore) observe(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	h.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attribute.String("operation", op)))
}

// SaveWorkflow upserts a workflow and refreshes the hot cache.
func (s *BoltStore) SaveWorkflow(ctx context.Context, w *task.Workflow) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, start, "save_workflow")

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(w.ID), data)
	}); err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	s.wfMu.Lock()
	s.wfCache[w.ID] = w
	s.wfMu.Unlock()
	return nil
}

// GetWorkflow looks up a workflow by id, preferring the hot cache.
func (s *BoltStore) GetWorkflow(ctx context.Context, id string) (*task.Workflow, bool, error) {
	start := time.Now()
	defer s.observe(ctx, s.readLatency, start, "get_workflow")

	s.wfMu.RLock()
	if w, ok := s.wfCache[id]; ok {
		s.wfMu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return w, true, nil
	}
	s.wfMu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var w task.Workflow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &w)
	})
	if err != nil || !found {
		return nil, false, err
	}
	s.wfMu.Lock()
	s.wfCache[id] = &w
	s.wfMu.Unlock()
	return &w, true, nil
}

// ListWorkflows returns a cursor-paginated page ordered by id. cursor is the
// last id seen by the previous page, or "" for the first page. A limit of 0
// or less returns every remaining workflow in one page.
func (s *BoltStore) ListWorkflows(ctx context.Context, limit int, cursor string) ([]*task.Workflow, string, error) {
	var out []*task.Workflow
	nextCursor := ""
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketWorkflows).Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, v = c.Next()
			}
		}
		for ; k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var w task.Workflow
			if err := json.Unmarshal(v, &w); err != nil {
				continue
			}
			out = append(out, &w)
			nextCursor = string(k)
		}
		if limit <= 0 || len(out) < limit {
			// fewer results than requested means the cursor walked off the
			// end of the bucket; there is no next page.
			nextCursor = ""
		}
		return nil
	})
	return out, nextCursor, err
}

// SaveTask upserts a task and refreshes its status index entry.
func (s *BoltStore) SaveTask(ctx context.Context, t *task.Task) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, start, "save_task")

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
			return err
		}
		return indexTaskStatus(tx, t.ID, t.Status)
	})
}

func indexTaskStatus(tx *bbolt.Tx, taskID string, status task.Status) error {
	idx := tx.Bucket(bucketStatusIndex)
	// remove any prior status entry for this task by scanning known statuses;
	// the index is small so a linear remove is cheap relative to the write it follows.
	for _, st := range []task.Status{
		task.StatusPending, task.StatusQueued, task.StatusReserved, task.StatusExecuting,
		task.StatusRetrying, task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	} {
		_ = idx.Delete([]byte(fmt.Sprintf("%s:%s", st, taskID)))
	}
	return idx.Put([]byte(fmt.Sprintf("%s:%s", status, taskID)), []byte{1})
}

// GetTask fetches a task by id.
func (s *BoltStore) GetTask(ctx context.Context, id string) (*task.Task, bool, error) {
	start := time.Now()
	defer s.observe(ctx, s.readLatency, start, "get_task")

	var t task.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &t, true, nil
}

// GetTasksByStatus returns every task currently indexed under status.
func (s *BoltStore) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	var ids []string
	prefix := []byte(string(status) + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketStatusIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, found, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTasksByWorkflow returns every task belonging to a workflow, in the
// order they appear on the workflow record.
func (s *BoltStore) GetTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	w, found, err := s.GetWorkflow(ctx, workflowID)
	if err != nil || !found {
		return nil, err
	}
	out := make([]*task.Task, 0, len(w.Tasks))
	for _, wt := range w.Tasks {
		t, found, err := s.GetTask(ctx, wt.ID)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, t)
		} else {
			out = append(out, wt)
		}
	}
	return out, nil
}

// UpdateTaskStatus atomically updates a single task's status, attempt, and
// timestamp fields without requiring the caller to round-trip the full task.
func (s *BoltStore) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, attempt int) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, start, "update_task_status")

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		data := bucket.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("update_task_status: task %q not found", taskID)
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.Status = status
		t.Attempt = attempt
		now := time.Now()
		switch status {
		case task.StatusExecuting:
			t.StartedAt = &now
		case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
			t.CompletedAt = &now
		}
		out, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(taskID), out); err != nil {
			return err
		}
		return indexTaskStatus(tx, taskID, status)
	})
}

// SaveTaskResult persists the outcome of one task attempt.
func (s *BoltStore) SaveTaskResult(ctx context.Context, r *task.TaskResult) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, start, "save_task_result")

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskResults).Put([]byte(r.TaskID), data)
	})
}

// GetTaskResult fetches the most recently persisted result for a task.
func (s *BoltStore) GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, bool, error) {
	var r task.TaskResult
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTaskResults).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &r)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &r, true, nil
}

// GetWorkflowResults returns every persisted result belonging to a workflow.
func (s *BoltStore) GetWorkflowResults(ctx context.Context, workflowID string) (map[string]*task.TaskResult, error) {
	tasks, err := s.GetTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*task.TaskResult, len(tasks))
	for _, t := range tasks {
		r, found, err := s.GetTaskResult(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if found {
			out[t.ID] = r
		}
	}
	return out, nil
}

// SaveQueueState persists one reservation/visibility record so the queue can
// be reconstructed after a restart.
func (s *BoltStore) SaveQueueState(ctx context.Context, entry QueueStateEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueueState).Put([]byte(entry.TaskID), data)
	})
}

// DeleteQueueState removes a task's queue-state record, called on ack.
func (s *BoltStore) DeleteQueueState(ctx context.Context, taskID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueueState).Delete([]byte(taskID))
	})
}

// ListQueueState returns every persisted queue-state record, ordered by
// enqueue sequence, for queue reconstruction on startup.
func (s *BoltStore) ListQueueState(ctx context.Context) ([]QueueStateEntry, error) {
	var out []QueueStateEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueueState).ForEach(func(k, v []byte) error {
			var e QueueStateEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedSeq < out[j].EnqueuedSeq })
	return out, nil
}

// Stats reports bucket sizes and cache occupancy for operator visibility.
func (s *BoltStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketWorkflows, bucketTasks, bucketTaskResults, bucketQueueState} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	s.wfMu.RLock()
	stats["workflow_cache_size"] = len(s.wfCache)
	s.wfMu.RUnlock()
	return stats, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
