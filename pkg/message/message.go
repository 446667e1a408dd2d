// Package message defines the record type that flows through a pipeline.
//
// A Message is an ordered mapping from string keys to dynamically-typed
// values. Key order is insertion order and is preserved by every operation
// (copies, JSON encoding, iteration), which keeps pipeline output
// reproducible.
package message

import (
	"bytes"
	"encoding/json"
	"iter"
	"slices"
	"sort"
)

// Message represents one logical record.
//
// Values are expected to be one of: string, bool, a number type, nil,
// map[string]any, *Message or []any. Other values are stored as given but
// are treated as opaque scalars by the copy helpers.
type Message struct {
	keys   []string
	values map[string]any
}

// New creates an empty message.
func New() *Message {
	return &Message{values: make(map[string]any)}
}

// FromMap creates a message from a plain map. Keys are sorted so the
// resulting order is deterministic.
func FromMap(src map[string]any) *Message {
	m := &Message{
		keys:   make([]string, 0, len(src)),
		values: make(map[string]any, len(src)),
	}
	for k := range src {
		m.keys = append(m.keys, k)
	}
	sort.Strings(m.keys)
	for _, k := range m.keys {
		m.values[k] = src[k]
	}
	return m
}

// FromPairs creates a message from alternating key/value arguments.
// A trailing key without a value is set to nil.
func FromPairs(kv ...any) *Message {
	m := New()
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		var value any
		if i+1 < len(kv) {
			value = kv[i+1]
		}
		m.Set(key, value)
	}
	return m
}

// Get returns the value stored under key.
func (m *Message) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores value under key. New keys are appended; existing keys keep
// their position.
func (m *Message) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Message) Delete(key string) {
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	if i := slices.Index(m.keys, key); i >= 0 {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
}

// Len returns the number of keys.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (m *Message) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keys)
}

// All iterates over key/value pairs in insertion order.
func (m *Message) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		if m == nil {
			return
		}
		for _, k := range m.keys {
			if !yield(k, m.values[k]) {
				return
			}
		}
	}
}

// Extend sets every key of other on m, in other's order.
func (m *Message) Extend(other *Message) {
	for k, v := range other.All() {
		m.Set(k, v)
	}
}

// Copy returns a shallow copy: the key table is new, nested values are
// shared with the original.
func (m *Message) Copy() *Message {
	if m == nil {
		return New()
	}
	c := &Message{
		keys:   slices.Clone(m.keys),
		values: make(map[string]any, len(m.values)),
	}
	for k, v := range m.values {
		c.values[k] = v
	}
	return c
}

// DeepCopy returns a copy that shares no mutable state with m.
func (m *Message) DeepCopy() *Message {
	if m == nil {
		return New()
	}
	c := &Message{
		keys:   slices.Clone(m.keys),
		values: make(map[string]any, len(m.values)),
	}
	for k, v := range m.values {
		c.values[k] = DeepCopyValue(v)
	}
	return c
}

// ToMap converts the message into a plain map. Nested messages are
// converted as well.
func (m *Message) ToMap() map[string]any {
	out := make(map[string]any, m.Len())
	for k, v := range m.All() {
		if nested, ok := v.(*Message); ok {
			out[k] = nested.ToMap()
			continue
		}
		out[k] = v
	}
	return out
}

// Equal reports whether both messages hold the same keys in the same order
// with deeply equal values.
func (m *Message) Equal(other *Message) bool {
	if m.Len() != other.Len() {
		return false
	}
	if !slices.Equal(m.keys, other.keys) {
		return false
	}
	for _, k := range m.keys {
		if !valuesEqual(m.values[k], other.values[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the message as a JSON object, preserving key order.
func (m *Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String returns the JSON representation of the message.
func (m *Message) String() string {
	data, err := m.MarshalJSON()
	if err != nil {
		return "{<unencodable>}"
	}
	return string(data)
}
