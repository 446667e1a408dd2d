package json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/fs"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// JsonFileWriter writes the interpolated data of each message as JSON. With
// Multiple set, the documents written to a path form one JSON array;
// otherwise each document is written on its own line.
type JsonFileWriter struct {
	runtime.Base `yaml:",inline"`
	Path         string `yaml:"path"`
	Data         string `yaml:"data"`
	// Fields restricts the output to these gjson paths, in order.
	Fields    []string `yaml:"fields"`
	Multiple  bool     `yaml:"multiple"`
	SortKeys  bool     `yaml:"sortKeys"`
	Indent    int      `yaml:"indent"`
	Overwrite bool     `yaml:"overwrite"`
	Encoding  string   `yaml:"encoding"`
	Storage   string   `yaml:"storage"`

	// Stdout receives output for the "-" path.
	Stdout io.Writer `yaml:"-"`

	writer *fs.FileWriter
	counts map[string]int
}

// NewJsonFileWriter returns a writer of indented, key sorted JSON arrays to
// standard output.
func NewJsonFileWriter() *JsonFileWriter {
	return &JsonFileWriter{Path: fs.Stdout, Multiple: true, SortKeys: true, Indent: 4}
}

// Initialize sets up the file writer.
func (w *JsonFileWriter) Initialize(ctx *runtime.Context) error {
	if w.Data == "" {
		w.Data = "${ m }"
	}
	if w.Path == "" {
		w.Path = fs.Stdout
	}
	w.counts = make(map[string]int)
	w.writer = &fs.FileWriter{
		Path:      w.Path,
		Newline:   !w.Multiple,
		Overwrite: w.Overwrite,
		Encoding:  w.Encoding,
		Storage:   w.Storage,
		Stdout:    w.Stdout,
	}
	if w.Multiple {
		w.writer.OnOpen = func(out io.Writer) error {
			_, err := io.WriteString(out, "[")
			return err
		}
		w.writer.OnClose = func(out io.Writer) error {
			_, err := io.WriteString(out, "]\n")
			return err
		}
	}
	w.writer.SetURN(w.URN() + "/file")
	return ctx.Require(w.writer)
}

// Describe returns the writer's configuration.
func (w *JsonFileWriter) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "path", Value: w.Path},
		{Name: "data", Value: w.Data},
		{Name: "fields", Value: w.Fields},
		{Name: "multiple", Value: w.Multiple},
		{Name: "sortKeys", Value: w.SortKeys},
		{Name: "indent", Value: w.Indent},
	}
}

// Process writes the document for m and yields m.
func (w *JsonFileWriter) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		if err := w.write(ctx, m); err != nil {
			yield(nil, err)
			return
		}
		yield(m, nil)
	}
}

func (w *JsonFileWriter) write(ctx *runtime.Context, m *message.Message) error {
	v, err := w.Interpolate(w.Data, m)
	if err != nil {
		return err
	}
	doc, err := w.encode(v)
	if err != nil {
		return err
	}

	path, err := w.InterpolateString(w.Path, m)
	if err != nil {
		return err
	}
	if w.Multiple && w.counts[path] > 0 {
		doc = ", " + doc
	}
	if err := w.writer.Write(ctx, m, doc); err != nil {
		return err
	}
	w.counts[path]++
	return nil
}

// encode renders v with the configured projection, key order and indent.
func (w *JsonFileWriter) encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("could not encode json: %w", err)
	}

	if len(w.Fields) > 0 {
		projected := []byte("{}")
		for _, f := range w.Fields {
			field := gjson.GetBytes(raw, f)
			if !field.Exists() {
				return "", fmt.Errorf("field %q not found in data", f)
			}
			projected, err = sjson.SetRawBytes(projected, f, []byte(field.Raw))
			if err != nil {
				return "", fmt.Errorf("could not set field %q: %w", f, err)
			}
		}
		raw = projected
	}

	if w.SortKeys {
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return "", err
		}
		if raw, err = json.Marshal(generic); err != nil {
			return "", err
		}
	}

	if w.Indent <= 0 {
		return string(raw), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", strings.Repeat(" ", w.Indent)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
