package csv_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/csv"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

func newContext(t *testing.T) *runtime.Context {
	t.Helper()
	ctx, err := runtime.NewContext(t.Context(), runtime.DefaultConfig().WithRunID("csv-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func get(t *testing.T, m *message.Message, key string) any {
	t.Helper()
	v, ok := m.Get(key)
	require.True(t, ok, "missing key %s", key)
	return v
}

func TestCsvReaderHeaderRow(t *testing.T) {
	ctx := newContext(t)
	r := &csv.CsvReader{Comment: "#"}
	require.NoError(t, ctx.Initialize(r))

	data := "id,name\n\n# a comment\n1,alice\n2,\"bob, jr\"\n"
	out, err := runtime.Collect(ctx, r, message.FromPairs("data", data, "src", "inline"))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, []string{"data", "src", "id", "name", csv.CountKey, csv.LineNumberKey}, out[0].Keys())
	assert.Equal(t, "1", get(t, out[0], "id"))
	assert.Equal(t, "bob, jr", get(t, out[1], "name"))
	assert.Equal(t, 2, get(t, out[1], csv.CountKey))
	assert.Equal(t, 2, get(t, out[1], csv.LineNumberKey))
}

func TestCsvReaderConfiguredHeaders(t *testing.T) {
	ctx := newContext(t)
	r := &csv.CsvReader{
		Headers:   csv.ParseHeaders("a, b"),
		Delimiter: ";",
		Strip:     true,
	}
	require.NoError(t, ctx.Initialize(r))

	out, err := runtime.Collect(ctx, r, message.FromPairs("data", "1 ; x \n2;y"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "1", get(t, out[0], "a"))
	assert.Equal(t, "x", get(t, out[0], "b"))
	assert.Equal(t, "y", get(t, out[1], "b"))
}

func TestCsvReaderCountsAcrossMessages(t *testing.T) {
	ctx := newContext(t)
	r := &csv.CsvReader{}
	require.NoError(t, ctx.Initialize(r))

	out, err := runtime.Collect(ctx, r,
		message.FromPairs("data", "h\n1\n2"),
		message.FromPairs("data", "h\n3"))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 3, get(t, out[2], csv.CountKey))
	assert.Equal(t, 1, get(t, out[2], csv.LineNumberKey))
	assert.Equal(t, 3, r.Count())
}

func TestCsvReaderMissingColumns(t *testing.T) {
	ctx := newContext(t)
	r := &csv.CsvReader{}
	require.NoError(t, ctx.Initialize(r))

	out, err := runtime.Collect(ctx, r, message.FromPairs("data", "a,b\n1,2\n3\n"))
	require.Error(t, err)
	var perr *cerrors.ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Len(t, out, 1, "rows before the failure are delivered")
	assert.Equal(t, 1, r.Count(), "the failing row is not counted")

	lenient := &csv.CsvReader{IgnoreMissing: true}
	require.NoError(t, ctx.Initialize(lenient))
	out, err = runtime.Collect(ctx, lenient, message.FromPairs("data", "a,b\n3\n"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Has("b"))
}

func TestCsvReaderRowDelimiter(t *testing.T) {
	ctx := newContext(t)
	r := &csv.CsvReader{RowDelimiter: "|"}
	require.NoError(t, ctx.Initialize(r))

	out, err := runtime.Collect(ctx, r, message.FromPairs("data", "k|1|2"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "2", get(t, out[1], "k"))
}

func TestCsvReaderInvalidDelimiter(t *testing.T) {
	ctx := newContext(t)
	assert.True(t, cerrors.IsConfiguration(ctx.Initialize(&csv.CsvReader{Delimiter: "::"})))
}

func TestCsvReaderEarlyStop(t *testing.T) {
	ctx := newContext(t)
	r := &csv.CsvReader{}
	require.NoError(t, ctx.Initialize(r))

	n := 0
	for _, err := range ctx.Process(r, message.FromPairs("data", "h\n1\n2\n3")) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, r.Count())
}

func TestHeadersYAML(t *testing.T) {
	var v struct {
		A csv.Headers `yaml:"a"`
		B csv.Headers `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: id, name\nb: [x, y]\n"), &v))
	assert.Equal(t, csv.Headers{"id", "name"}, v.A)
	assert.Equal(t, csv.Headers{"x", "y"}, v.B)
}

func TestCsvFileReader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.csv"), []byte("n\na\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.csv"), []byte("n\nb\nc\n"), 0o644))

	ctx := newContext(t)
	r := &csv.CsvFileReader{Path: filepath.Join(dir, "*.csv")}
	require.NoError(t, ctx.Initialize(r))

	out, err := runtime.Collect(ctx, r, message.New())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "a", get(t, out[0], "n"))
	assert.Equal(t, filepath.Join(dir, "2.csv"), get(t, out[2], "_path"))
	assert.Equal(t, 2, get(t, out[2], csv.LineNumberKey))
	assert.Equal(t, 3, get(t, out[2], csv.CountKey))
}

func TestCsvFileReaderDetectsEncoding(t *testing.T) {
	dir := t.TempDir()
	bom := append([]byte{0xef, 0xbb, 0xbf}, "name\ncafé\n"...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bom.csv"), bom, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latin.csv"), []byte{'n', 'a', 'm', 'e', '\n', 'c', 'a', 'f', 0xe9, '\n'}, 0o644))

	ctx := newContext(t)
	r := &csv.CsvFileReader{Path: filepath.Join(dir, "*.csv")}
	require.NoError(t, ctx.Initialize(r))
	assert.Equal(t, "detect", r.Encoding)

	out, err := runtime.Collect(ctx, r, message.New())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "café", get(t, out[0], "name"))
	assert.Equal(t, "café", get(t, out[1], "name"))
}

func TestCsvFileWriterAutoColumns(t *testing.T) {
	ctx := newContext(t)
	var buf bytes.Buffer
	w := csv.NewCsvFileWriter()
	w.Stdout = &buf
	require.NoError(t, ctx.Initialize(w))

	out, err := runtime.Collect(ctx, w,
		message.FromPairs("name", "alice", "age", 30),
		message.FromPairs("name", "bob, jr", "age", nil))
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "age,name\n30,alice\n,\"bob, jr\"\n", buf.String())
}

func TestCsvFileWriterColumnsWithMappings(t *testing.T) {
	ctx := newContext(t)
	require.NoError(t, ctx.Add(runtime.NewMappings("common", map[string]any{"name": "id", "label": "ID"})))

	var buf bytes.Buffer
	w := csv.NewCsvFileWriter()
	w.Stdout = &buf
	w.Delimiter = ";"
	w.Columns = runtime.Entries{
		runtime.Ref{URN: "common"},
		map[string]any{"name": "total", "value": "${ m.a + m.b }"},
		"note",
	}
	require.NoError(t, ctx.Initialize(w))

	_, err := runtime.Collect(ctx, w, message.FromPairs("id", 7, "a", 1, "b", 2, "note", "x"))
	require.NoError(t, err)
	assert.Equal(t, "ID;total;note\n7;3;x\n", buf.String())
}

func TestCsvFileWriterNoHeaders(t *testing.T) {
	ctx := newContext(t)
	var buf bytes.Buffer
	w := csv.NewCsvFileWriter()
	w.Stdout = &buf
	w.WriteHeaders = false
	w.Columns = runtime.Entries{"v"}
	require.NoError(t, ctx.Initialize(w))

	_, err := runtime.Collect(ctx, w, message.FromPairs("v", "1"), message.FromPairs("v", "2"))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", buf.String())

	strict := &csv.CsvFileWriter{}
	assert.True(t, cerrors.IsConfiguration(ctx.Initialize(strict)))
}

func TestCsvFileWriterToFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.csv")
	ctx := newContext(t)
	w := csv.NewCsvFileWriter()
	w.Path = target
	require.NoError(t, ctx.Initialize(w))

	_, err := runtime.Collect(ctx, w, message.FromPairs("k", "v"))
	require.NoError(t, err)
	require.NoError(t, ctx.Close())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "k\nv\n", string(data))
}
