package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetKeepsInsertionOrder(t *testing.T) {
	m := New()
	m.Set("b", 1)
	m.Set("a", 2)
	m.Set("b", 3)

	assert.Equal(t, []string{"b", "a"}, m.Keys())
	v, ok := m.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestDeleteRemovesKey(t *testing.T) {
	m := FromPairs("a", 1, "b", 2, "c", 3)
	m.Delete("b")
	m.Delete("missing")

	assert.Equal(t, []string{"a", "c"}, m.Keys())
	assert.False(t, m.Has("b"))
	assert.Equal(t, 2, m.Len())
}

func TestFromMapSortsKeys(t *testing.T) {
	m := FromMap(map[string]any{"z": 1, "a": 2, "m": 3})
	assert.Equal(t, []string{"a", "m", "z"}, m.Keys())
}

func TestCopyIsShallow(t *testing.T) {
	nested := map[string]any{"x": 1}
	m := FromPairs("n", 1, "nested", nested)

	c := m.Copy()
	c.Set("n", 2)
	c.Set("extra", true)
	nested["x"] = 99

	v, _ := m.Get("n")
	assert.Equal(t, 1, v)
	assert.False(t, m.Has("extra"))

	shared, _ := c.Get("nested")
	assert.Equal(t, 99, shared.(map[string]any)["x"])
}

func TestDeepCopyIsolatesNestedValues(t *testing.T) {
	m := FromPairs("list", []any{1, map[string]any{"k": "v"}}, "child", FromPairs("a", 1))

	c := m.DeepCopy()
	list, _ := c.Get("list")
	list.([]any)[1].(map[string]any)["k"] = "changed"
	child, _ := c.Get("child")
	child.(*Message).Set("a", 2)

	orig, _ := m.Get("list")
	assert.Equal(t, "v", orig.([]any)[1].(map[string]any)["k"])
	origChild, _ := m.Get("child")
	a, _ := origChild.(*Message).Get("a")
	assert.Equal(t, 1, a)
}

func TestMarshalJSONPreservesOrder(t *testing.T) {
	m := FromPairs("z", 1, "a", "x", "nested", FromPairs("q", true, "b", nil))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":"x","nested":{"q":true,"b":null}}`, string(data))
}

func TestExtendOverridesAndAppends(t *testing.T) {
	m := FromPairs("a", 1, "b", 2)
	m.Extend(FromPairs("b", 20, "c", 30))

	assert.Equal(t, []string{"a", "b", "c"}, m.Keys())
	b, _ := m.Get("b")
	assert.Equal(t, 20, b)
}

func TestEqual(t *testing.T) {
	a := FromPairs("n", 1, "part", 2)
	assert.True(t, a.Equal(FromPairs("n", 1, "part", 2)))
	assert.False(t, a.Equal(FromPairs("part", 2, "n", 1)))
	assert.False(t, a.Equal(FromPairs("n", 1)))
}

func TestAllStopsEarly(t *testing.T) {
	m := FromPairs("a", 1, "b", 2, "c", 3)
	var seen []string
	for k := range m.All() {
		seen = append(seen, k)
		if k == "b" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}
