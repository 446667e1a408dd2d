// Package json reads and writes JSON documents. Objects are decoded into
// messages so key order survives the round trip.
package json

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/fs"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// ErrNotObject is returned when a non-object value would be merged into a
// message.
var ErrNotObject = errors.New("cannot merge a non-object value into the message (set name to assign it to a field)")

// JsonReader parses JSON. Arrays are iterated, producing one copy of the
// input per item; any other value produces a single output. Values are
// assigned to Name, or merged into the message when Name is empty.
type JsonReader struct {
	runtime.Base `yaml:",inline"`
	Data         string `yaml:"data"`
	Name         string `yaml:"name"`
	// Query selects a sub-document with gjson path syntax.
	Query   string `yaml:"query"`
	Iterate bool   `yaml:"iterate"`
}

// NewJsonReader returns a reader that iterates arrays.
func NewJsonReader() *JsonReader {
	return &JsonReader{Iterate: true}
}

// Initialize applies defaults.
func (r *JsonReader) Initialize(*runtime.Context) error {
	if r.Data == "" {
		r.Data = `${ m["data"] }`
	}
	return nil
}

// Describe returns the reader's configuration.
func (r *JsonReader) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "data", Value: r.Data},
		{Name: "name", Value: r.Name},
		{Name: "query", Value: r.Query},
		{Name: "iterate", Value: r.Iterate},
	}
}

// Process parses the interpolated data.
func (r *JsonReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		data, err := r.InterpolateString(r.Data, m)
		if err != nil {
			yield(nil, err)
			return
		}
		for out, err := range r.Documents(ctx, m, data) {
			if !yield(out, err) || err != nil {
				return
			}
		}
	}
}

// Documents parses data and yields the resulting messages based on m.
func (r *JsonReader) Documents(ctx *runtime.Context, m *message.Message, data string) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		if !gjson.Valid(data) {
			yield(nil, fmt.Errorf("invalid json data"))
			return
		}
		result := gjson.Parse(data)
		if r.Query != "" {
			result = result.Get(r.Query)
			if !result.Exists() {
				yield(nil, fmt.Errorf("json query %q matched nothing", r.Query))
				return
			}
		}

		if r.Iterate && result.IsArray() {
			for _, item := range result.Array() {
				out := ctx.CopyMessage(m)
				if err := r.assign(out, Value(item)); err != nil {
					yield(nil, err)
					return
				}
				if !yield(out, nil) {
					return
				}
			}
			return
		}

		out := ctx.CopyMessage(m)
		if err := r.assign(out, Value(result)); err != nil {
			yield(nil, err)
			return
		}
		yield(out, nil)
	}
}

func (r *JsonReader) assign(m *message.Message, v any) error {
	if r.Name != "" {
		m.Set(r.Name, v)
		return nil
	}
	obj, ok := v.(*message.Message)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotObject, message.FromPairs("value", v).String())
	}
	m.Extend(obj)
	return nil
}

// Value converts a gjson result to a native value. Objects become messages
// with the document's key order; integral numbers become int64.
func Value(r gjson.Result) any {
	switch {
	case r.IsObject():
		m := message.New()
		r.ForEach(func(k, v gjson.Result) bool {
			m.Set(k.String(), Value(v))
			return true
		})
		return m
	case r.IsArray():
		items := make([]any, 0)
		r.ForEach(func(_, v gjson.Result) bool {
			items = append(items, Value(v))
			return true
		})
		return items
	}
	switch r.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		if !strings.ContainsAny(r.Raw, ".eE") {
			return r.Int()
		}
		return r.Float()
	case gjson.String:
		return r.String()
	default:
		return nil
	}
}

// JsonFileReader reads JSON files through a FileReader. Outputs carry the
// file path under _path.
type JsonFileReader struct {
	JsonReader `yaml:",inline"`
	Path       string `yaml:"path"`
	Encoding   string `yaml:"encoding"`
	Storage    string `yaml:"storage"`

	files *fs.FileReader
}

// NewJsonFileReader returns a file reader that iterates arrays.
func NewJsonFileReader() *JsonFileReader {
	return &JsonFileReader{JsonReader: JsonReader{Iterate: true}}
}

// Initialize creates and initializes the file reader.
func (r *JsonFileReader) Initialize(ctx *runtime.Context) error {
	if err := r.JsonReader.Initialize(ctx); err != nil {
		return err
	}
	r.files = &fs.FileReader{Path: r.Path, Encoding: r.Encoding, Storage: r.Storage}
	r.files.SetURN(r.URN() + "/files")
	return ctx.Require(r.files)
}

// Describe returns the file and parsing options.
func (r *JsonFileReader) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "path", Value: r.Path},
		{Name: "encoding", Value: r.Encoding},
		{Name: "storage", Value: r.Storage},
		{Name: "name", Value: r.Name},
		{Name: "query", Value: r.Query},
		{Name: "iterate", Value: r.Iterate},
	}
}

// Process yields the documents of every file selected for m.
func (r *JsonFileReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for f, err := range r.files.Files(ctx, m) {
			if err != nil {
				yield(nil, err)
				return
			}
			data, err := io.ReadAll(f)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read %s: %w", f.Path, err))
				return
			}
			base := ctx.CopyMessage(m)
			base.Set(fs.PathKey, f.Path)
			for out, err := range r.Documents(ctx, base, string(data)) {
				if !yield(out, err) || err != nil {
					return
				}
			}
		}
	}
}
