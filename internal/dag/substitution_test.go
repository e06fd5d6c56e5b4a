package dag

import (
	"errors"
	"testing"
	"time"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

func completedResult(taskID string, result interface{}) *task.TaskResult {
	return &task.TaskResult{
		TaskID:      taskID,
		Status:      task.StatusCompleted,
		Result:      result,
		CompletedAt: time.Now(),
	}
}

func TestResolveParamsSingleTokenPreservesType(t *testing.T) {
	nested := map[string]interface{}{"count": 42}
	results := map[string]*task.TaskResult{"a": completedResult("a", nested)}

	params := task.NewOrderedMap()
	params.Set("value", "${a.count}")

	tk := &task.Task{Params: params}
	resolved, err := ResolveParams(tk, results)
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	v, _ := resolved.Get("value")
	if v != 42 {
		t.Fatalf("value = %v (%T), want 42", v, v)
	}
}

func TestResolveParamsSpliceIntoText(t *testing.T) {
	results := map[string]*task.TaskResult{
		"a": completedResult("a", map[string]interface{}{"name": "alice"}),
	}
	params := task.NewOrderedMap()
	params.Set("greeting", "hello ${a.name}!")

	tk := &task.Task{Params: params}
	resolved, err := ResolveParams(tk, results)
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	v, _ := resolved.Get("greeting")
	if v != "hello alice!" {
		t.Fatalf("greeting = %q, want %q", v, "hello alice!")
	}
}

func TestResolveParamsIndexIntoArray(t *testing.T) {
	results := map[string]*task.TaskResult{
		"a": completedResult("a", map[string]interface{}{"items": []interface{}{"x", "y", "z"}}),
	}
	params := task.NewOrderedMap()
	params.Set("second", "${a.items[1]}")

	tk := &task.Task{Params: params}
	resolved, err := ResolveParams(tk, results)
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	v, _ := resolved.Get("second")
	if v != "y" {
		t.Fatalf("second = %v, want y", v)
	}
}

func TestResolveParamsErrorsOnIncompleteTask(t *testing.T) {
	results := map[string]*task.TaskResult{
		"a": {TaskID: "a", Status: task.StatusFailed},
	}
	params := task.NewOrderedMap()
	params.Set("value", "${a.count}")

	tk := &task.Task{Params: params}
	_, err := ResolveParams(tk, results)
	if err == nil {
		t.Fatalf("expected error referencing a non-completed task")
	}
	var ke *errkind.Error
	if !errors.As(err, &ke) || ke.Kind != errkind.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestResolveParamsErrorsOnUnknownTask(t *testing.T) {
	params := task.NewOrderedMap()
	params.Set("value", "${missing.field}")
	tk := &task.Task{Params: params}

	_, err := ResolveParams(tk, map[string]*task.TaskResult{})
	if err == nil {
		t.Fatalf("expected error referencing an unknown task")
	}
}

func TestResolveParamsLeavesPlainStringsAlone(t *testing.T) {
	params := task.NewOrderedMap()
	params.Set("literal", "no tokens here")
	tk := &task.Task{Params: params}

	resolved, err := ResolveParams(tk, map[string]*task.TaskResult{})
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	v, _ := resolved.Get("literal")
	if v != "no tokens here" {
		t.Fatalf("literal = %v, want unchanged", v)
	}
}
