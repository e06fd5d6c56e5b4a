package task

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// OrderedMap preserves the declaration order of a task's params, so key
// order survives substitution and persistence. encoding/json's
// map[string]interface{} does not preserve key order, so OrderedMap carries
// two decoders: UnmarshalJSON reads the JSON token stream and UnmarshalYAML
// walks the yaml.Node tree.
type OrderedMap struct {
	keys   []string
	values map[string]interface{}
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]interface{})}
}

// Set inserts or updates a key, appending it to the key order on first use.
func (m *OrderedMap) Set(key string, value interface{}) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get looks up a key.
func (m *OrderedMap) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in declaration order.
func (m *OrderedMap) Keys() []string { return m.keys }

// Len reports the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// Clone returns a deep-enough copy sufficient for per-task param
// substitution: nested maps/slices are walked and copied recursively.
func (m *OrderedMap) Clone() *OrderedMap {
	out := NewOrderedMap()
	for _, k := range m.keys {
		out.Set(k, cloneValue(m.values[k]))
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case *OrderedMap:
		return vv.Clone()
	case []interface{}:
		cp := make([]interface{}, len(vv))
		for i, e := range vv {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// MarshalJSON emits the map in key order.
func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, recording key order as seen by
// json.Decoder's token stream.
func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("orderedmap: expected object, got %v", tok)
	}
	*m = *NewOrderedMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("orderedmap: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		val, err := decodeJSONValue(raw)
		if err != nil {
			return err
		}
		m.Set(key, val)
	}
	return nil
}

func decodeJSONValue(raw json.RawMessage) (interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		nested := NewOrderedMap()
		if err := nested.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		return nested, nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			v, err := decodeJSONValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalYAML builds the map from a yaml.Node, preserving mapping key
// order the same way UnmarshalJSON does for JSON documents.
func (m *OrderedMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("orderedmap: expected mapping node, got kind %d", node.Kind)
	}
	*m = *NewOrderedMap()
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val, err := decodeYAMLValue(node.Content[i+1])
		if err != nil {
			return err
		}
		m.Set(key, val)
	}
	return nil
}

func decodeYAMLValue(node *yaml.Node) (interface{}, error) {
	switch node.Kind {
	case yaml.MappingNode:
		nested := NewOrderedMap()
		if err := nested.UnmarshalYAML(node); err != nil {
			return nil, err
		}
		return nested, nil
	case yaml.SequenceNode:
		out := make([]interface{}, len(node.Content))
		for i, c := range node.Content {
			v, err := decodeYAMLValue(c)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		var v interface{}
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
