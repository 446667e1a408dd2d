package expr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

type testEnv struct {
	props      map[string]any
	runID      string
	components map[string]any
}

func (e *testEnv) Props() map[string]any { return e.props }
func (e *testEnv) RunID() string         { return e.runID }
func (e *testEnv) Describe(urn string) (any, bool) {
	v, ok := e.components[urn]
	return v, ok
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	env := &testEnv{
		props:      map[string]any{"base": "/tmp", "limit": 10},
		runID:      "run-1",
		components: map[string]any{"reader": map[string]any{"path": "/data/in.csv"}},
	}
	e, err := NewEngine(cfg, env, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestInterpolateWholeTemplateReturnsNativeValue(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("x", 5, "name", "abc", "list", []any{1, 2})

	tests := []struct {
		name     string
		template string
		expected any
	}{
		{"arithmetic", "${ 1 + 1 }", int64(2)},
		{"string key", "${ m['name'] }", "abc"},
		{"boolean", "${ m.x > 3 }", true},
		{"array literal", "${ [1, 2] }", []any{int64(1), int64(2)}},
		{"object literal", "${ {a: 'b'} }", map[string]any{"a": "b"}},
		{"null", "${ null }", nil},
		{"has key", "${ 'x' in m }", true},
		{"missing key check", "${ 'nope' in m }", false},
		{"props", "${ props.base + '/out' }", "/tmp/out"},
		{"ctx props", "${ ctx.props['base'] }", "/tmp"},
		{"run id", "${ ctx.runId }", "run-1"},
		{"component lookup", "${ ctx.get('reader').path }", "/data/in.csv"},
		{"statements", "${ var y = m.x * 2; y + 1 }", int64(11)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Interpolate("node", tt.template, m)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestInterpolateWholeTemplateReturnsSameMessage(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("a", 1)

	got, err := e.Interpolate("node", "${ m }", m)
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestInterpolateMixedTemplateReturnsString(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("x", 5, "b", 1, "flag", true)

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"number", "x=${ m['x'] }", "x=5"},
		{"two regions", "${ m.x }-${ m.b }", "5-1"},
		{"surrounding space", " ${ m.x } ", " 5 "},
		{"boolean", "flag:${ m.flag }", "flag:true"},
		{"null", "v=${ null }", "v=null"},
		{"object as json", "v=${ {a: 1} }", `v={"a":1}`},
		{"array as json", "v=${ [1, 'two'] }", `v=[1,"two"]`},
		{"brace in string", "v=${ '}' }", "v=}"},
		{"path", "${ props.base }/file-${ m.x }.csv", "/tmp/file-5.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Interpolate("node", tt.template, m)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestInterpolateMessageRendersOrderedJSON(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("z", 1, "a", "x")

	got, err := e.Interpolate("node", "msg ${ m }", m)
	require.NoError(t, err)
	assert.Equal(t, `msg {"z":1,"a":"x"}`, got)

	got, err = e.Interpolate("node", "${ JSON.stringify(m) }", m)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":"x"}`, got)
}

func TestInterpolatePlainStringUnchanged(t *testing.T) {
	e := newTestEngine(t, Config{})
	got, err := e.Interpolate("node", "no expressions here $ {}", nil)
	require.NoError(t, err)
	assert.Equal(t, "no expressions here $ {}", got)
}

func TestInterpolateMissingKey(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("nested", map[string]any{"a": 1}, "list", []any{1, 2})

	tests := []struct {
		name     string
		template string
		key      string
	}{
		{"message key", "${ m['missing'] }", "missing"},
		{"nested key", "${ m.nested.deep }", "deep"},
		{"mixed template", "x=${ m.other }", "other"},
		{"property", "${ props.unknown }", "unknown"},
		{"component", "${ ctx.get('nope') }", "nope"},
		{"list index", "${ m.list[5] }", "5"},
		{"nested list index", "${ m['list'][2] }", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Interpolate("owner", tt.template, m)
			require.Error(t, err)

			var knf *cerrors.KeyNotFoundError
			require.True(t, errors.As(err, &knf), "got %v", err)
			assert.Equal(t, tt.key, knf.Key)
			assert.Equal(t, "owner", knf.URN)
			assert.Equal(t, tt.template, knf.Template)
			assert.True(t, cerrors.IsEvaluation(err))
		})
	}
}

func TestInterpolateListInRange(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("list", []any{1, 2})

	v, err := e.Interpolate("owner", "${ m.list.length }", m)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	v, err = e.Interpolate("owner", "${ m.list[1] }", m)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	v, err = e.Interpolate("owner", "${ 5 in m.list }", m)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestInterpolateRuntimeErrorIsEvaluationError(t *testing.T) {
	e := newTestEngine(t, Config{})

	_, err := e.Interpolate("owner", "${ undefinedName + 1 }", message.New())
	require.Error(t, err)

	var evalErr *cerrors.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "owner", evalErr.URN)
	assert.False(t, cerrors.IsKeyNotFound(err))
	assert.Contains(t, err.Error(), "undefinedName")
}

func TestInterpolateMalformedTemplates(t *testing.T) {
	e := newTestEngine(t, Config{})

	t.Run("unterminated", func(t *testing.T) {
		_, err := e.Interpolate("owner", "x=${ 1 + 1", nil)
		require.Error(t, err)
		assert.True(t, cerrors.IsConfiguration(err))
		assert.ErrorIs(t, err, cerrors.ErrMalformedTemplate)
	})

	t.Run("empty region", func(t *testing.T) {
		_, err := e.Interpolate("owner", "${ }", nil)
		require.Error(t, err)
		assert.True(t, cerrors.IsConfiguration(err))
	})

	t.Run("syntax error", func(t *testing.T) {
		err := e.Compile("owner", "${ 1 + }")
		require.Error(t, err)
		var cfgErr *cerrors.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "owner", cfgErr.URN)
		var se *ScriptError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, ErrorTypeSyntax, se.Type)
	})
}

func TestInterpolateWritesReachMessage(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := message.FromPairs("a", 1, "list", []any{"x", "y"})

	_, err := e.Interpolate("node", "${ m.b = 'new'; m.list[1] = 'z'; delete m.a }", m)
	require.NoError(t, err)

	assert.Equal(t, []string{"list", "b"}, m.Keys())
	b, _ := m.Get("b")
	assert.Equal(t, "new", b)
	list, _ := m.Get("list")
	assert.Equal(t, []any{"x", "z"}, list)
}

func TestInterpolateTimeout(t *testing.T) {
	e := newTestEngine(t, Config{Timeout: 50 * time.Millisecond})

	_, err := e.Interpolate("node", "${ while (true) {} }", nil)
	require.Error(t, err)
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrorTypeTimeout, se.Type)

	got, err := e.Interpolate("node", "${ 2 * 3 }", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)
}

func TestStrictSecurityRestrictsFunctionConstructor(t *testing.T) {
	e := newTestEngine(t, Config{SecurityLevel: SecurityLevelStrict})

	_, err := e.Interpolate("node", "${ Function('return 1')() }", nil)
	require.Error(t, err)
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrorTypeSecurity, se.Type)
}

func TestUtilities(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e, err := NewEngine(Config{}, nil, zap.New(core))
	require.NoError(t, err)

	got, err := e.Interpolate("node", "${ btoa('hi') }", nil)
	require.NoError(t, err)
	assert.Equal(t, "aGk=", got)

	got, err = e.Interpolate("node", "${ atob('aGk=') }", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	got, err = e.Interpolate("node", "${ text.title('hello world') }", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", got)

	got, err = e.Interpolate("node", "${ text.slug(m.title) }", message.FromPairs("title", "Crème Brûlée, 2 Portions!"))
	require.NoError(t, err)
	assert.Equal(t, "creme-brulee-2-portions", got)

	_, err = e.Interpolate("node", "${ console.warn('careful', 1) }", nil)
	require.NoError(t, err)
	entries := logs.FilterMessage("careful 1").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestStrictLevelHidesConsole(t *testing.T) {
	e := newTestEngine(t, Config{SecurityLevel: SecurityLevelStrict})
	got, err := e.Interpolate("node", "${ typeof console }", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := NewEngine(Config{SecurityLevel: "lax"}, nil, nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsConfiguration(err))

	_, err = NewEngine(Config{EnabledUtilities: []string{"timers"}}, nil, nil)
	require.Error(t, err)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "null", Stringify(nil))
	assert.Equal(t, "abc", Stringify("abc"))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, `{"a":1}`, Stringify(message.FromPairs("a", 1)))
	assert.Equal(t, `[1,"x"]`, Stringify([]any{1, "x"}))
}
