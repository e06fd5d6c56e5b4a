package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// document mirrors the bit-exact workflow submission schema: name,
// description, priority, and a non-empty task list, each task carrying its
// own protocol/method/params/dependencies/priority/timeout/retry.
type document struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Priority    string        `json:"priority" yaml:"priority"`
	Tasks       []taskDoc     `json:"tasks" yaml:"tasks"`
}

type taskDoc struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Protocol     string      `json:"protocol" yaml:"protocol"`
	Method       string      `json:"method" yaml:"method"`
	Params       *OrderedMap `json:"params" yaml:"params"`
	Dependencies []string    `json:"dependencies" yaml:"dependencies"`
	Priority     string      `json:"priority" yaml:"priority"`
	Timeout      int         `json:"timeout" yaml:"timeout"`
	RetryDoc     *retryDoc   `json:"retry" yaml:"retry"`
}

type retryDoc struct {
	MaxAttempts       *int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay         *float64 `json:"base_delay" yaml:"base_delay"`
	MaxDelay          *float64 `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier *float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            *bool    `json:"jitter" yaml:"jitter"`
}

// ParseDocument decodes a workflow submission document, auto-detecting YAML
// vs. JSON by content sniffing (a leading '{' or '[' after whitespace is
// treated as JSON, matching how the teacher's gateway content-sniffs request
// bodies), and converts it into a Workflow ready for dependency validation.
func ParseDocument(data []byte) (*Workflow, error) {
	var doc document
	trimmed := bytes.TrimSpace(data)
	isJSON := len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse workflow document: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse workflow document: %w", err)
		}
	}
	return doc.toWorkflow()
}

func (d *document) toWorkflow() (*Workflow, error) {
	if len(d.Tasks) == 0 {
		return nil, fmt.Errorf("workflow document has no tasks")
	}
	w := &Workflow{
		ID:          NewWorkflowID(),
		Name:        d.Name,
		Description: d.Description,
		Priority:    ParsePriority(d.Priority),
		Status:      WorkflowPending,
		CreatedAt:   time.Now(),
	}
	seen := make(map[string]bool, len(d.Tasks))
	for _, td := range d.Tasks {
		if td.Name == "" {
			return nil, fmt.Errorf("task missing required field name")
		}
		if td.Protocol == "" || td.Method == "" {
			return nil, fmt.Errorf("task %q missing required protocol/method", td.Name)
		}
		id := td.ID
		if id == "" {
			id = NewTaskID()
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate task id %q", id)
		}
		seen[id] = true

		params := td.Params
		if params == nil {
			params = NewOrderedMap()
		}
		t := &Task{
			ID:             id,
			WorkflowID:     w.ID,
			Name:           td.Name,
			Protocol:       td.Protocol,
			Method:         td.Method,
			Params:         params,
			Dependencies:   td.Dependencies,
			Priority:       ParsePriority(td.Priority),
			TimeoutSeconds: td.Timeout,
			Retry:          td.RetryDoc.toRetryConfig(),
			Status:         StatusPending,
			CreatedAt:      w.CreatedAt,
		}
		w.Tasks = append(w.Tasks, t)
	}
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return w, nil
}

func (r *retryDoc) toRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	if r == nil {
		return cfg
	}
	if r.MaxAttempts != nil {
		cfg.MaxAttempts = *r.MaxAttempts
	}
	if r.BaseDelay != nil {
		cfg.BaseDelay = time.Duration(*r.BaseDelay * float64(time.Second))
	}
	if r.MaxDelay != nil {
		cfg.MaxDelay = time.Duration(*r.MaxDelay * float64(time.Second))
	}
	if r.BackoffMultiplier != nil {
		cfg.BackoffMultiplier = *r.BackoffMultiplier
	}
	if r.Jitter != nil {
		cfg.Jitter = *r.Jitter
	}
	return cfg
}
