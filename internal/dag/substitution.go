package dag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

// tokenPattern matches one ${<ref>} substitution token. ref has the grammar
// task_id(.field)* where a field is an identifier or a bracketed [n]/[key]
// index; nested/overlapping tokens are not supported, so the match is
// non-greedy up to the first closing brace.
var tokenPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// ResolveParams performs parameter substitution on t.Params using the
// task results in results (keyed by task id), returning a fresh
// OrderedMap (the input is never mutated, per the immutable-after-submission
// invariant).
func ResolveParams(t *task.Task, results map[string]*task.TaskResult) (*task.OrderedMap, error) {
	resolved := task.NewOrderedMap()
	for _, k := range t.Params.Keys() {
		v, _ := t.Params.Get(k)
		rv, err := substituteValue(v, results)
		if err != nil {
			return nil, err
		}
		resolved.Set(k, rv)
	}
	return resolved, nil
}

func substituteValue(v interface{}, results map[string]*task.TaskResult) (interface{}, error) {
	switch vv := v.(type) {
	case string:
		return substituteString(vv, results)
	case *task.OrderedMap:
		out := task.NewOrderedMap()
		for _, k := range vv.Keys() {
			cv, _ := vv.Get(k)
			rv, err := substituteValue(cv, results)
			if err != nil {
				return nil, err
			}
			out.Set(k, rv)
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			rv, err := substituteValue(e, results)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// substituteString applies the single-token and splice rules: if the whole
// string is exactly one token, the referenced value replaces it preserving
// native type; otherwise every token is canonically serialized and spliced
// into the surrounding text.
func substituteString(s string, results map[string]*task.TaskResult) (interface{}, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		return lookupRef(ref, results)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		refStart, refEnd := m[2], m[3]
		b.WriteString(s[last:start])
		ref := s[refStart:refEnd]
		val, err := lookupRef(ref, results)
		if err != nil {
			return nil, err
		}
		canon, err := canonicalString(val)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindValidation, fmt.Sprintf("cannot splice value of ${%s}", ref), err)
		}
		b.WriteString(canon)
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// canonicalString renders a value for splicing: strings pass through
// unquoted, everything else is its canonical JSON form.
func canonicalString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(normalizeForJSON(v))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func normalizeForJSON(v interface{}) interface{} {
	switch vv := v.(type) {
	case *task.OrderedMap:
		m := make(map[string]interface{}, vv.Len())
		for _, k := range vv.Keys() {
			cv, _ := vv.Get(k)
			m[k] = normalizeForJSON(cv)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = normalizeForJSON(e)
		}
		return out
	default:
		return v
	}
}

// refFieldPattern splits a path segment into either a bare identifier or a
// bracketed [n]/[key] index.
var refFieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var refIndexPattern = regexp.MustCompile(`^\[([^\[\]]+)\]$`)

// lookupRef resolves task_id(.field)* against the completed result of
// task_id, walking the path through maps/slices one segment at a time.
func lookupRef(ref string, results map[string]*task.TaskResult) (interface{}, error) {
	segments := splitRef(ref)
	if len(segments) == 0 {
		return nil, errkind.New(errkind.KindValidation, "empty substitution reference")
	}
	taskID := segments[0]
	result, ok := results[taskID]
	if !ok {
		return nil, errkind.New(errkind.KindValidation, fmt.Sprintf("substitution references unknown or incomplete task %q", taskID))
	}
	if result.Status != task.StatusCompleted {
		return nil, errkind.New(errkind.KindValidation, fmt.Sprintf("substitution references task %q which is not completed", taskID))
	}

	current := result.Result
	for _, field := range segments[1:] {
		next, err := descend(current, field)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindValidation, fmt.Sprintf("substitution path %q", ref), err)
		}
		current = next
	}
	return current, nil
}

// splitRef tokenizes "task_id.field[0].other" into
// ["task_id", "field", "[0]", "other"].
func splitRef(ref string) []string {
	var segments []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}
	i := 0
	for i < len(ref) {
		c := ref[i]
		switch {
		case c == '.':
			flush()
			i++
		case c == '[':
			flush()
			j := strings.IndexByte(ref[i:], ']')
			if j < 0 {
				cur.WriteString(ref[i:])
				i = len(ref)
				break
			}
			segments = append(segments, ref[i:i+j+1])
			i += j + 1
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return segments
}

func descend(current interface{}, field string) (interface{}, error) {
	if m := refIndexPattern.FindStringSubmatch(field); m != nil {
		key := m[1]
		switch v := current.(type) {
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("index %q out of range", key)
			}
			return v[idx], nil
		case *task.OrderedMap:
			val, ok := v.Get(strings.Trim(key, `"'`))
			if !ok {
				return nil, fmt.Errorf("key %q not found", key)
			}
			return val, nil
		case map[string]interface{}:
			val, ok := v[strings.Trim(key, `"'`)]
			if !ok {
				return nil, fmt.Errorf("key %q not found", key)
			}
			return val, nil
		default:
			return nil, fmt.Errorf("cannot index into non-collection value with %q", field)
		}
	}
	if !refFieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid path segment %q", field)
	}
	switch v := current.(type) {
	case *task.OrderedMap:
		val, ok := v.Get(field)
		if !ok {
			return nil, fmt.Errorf("field %q not found", field)
		}
		return val, nil
	case map[string]interface{}:
		val, ok := v[field]
		if !ok {
			return nil, fmt.Errorf("field %q not found", field)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("cannot access field %q on non-object value", field)
	}
}
