package csv

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"slices"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/expr"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/fs"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// Column is an output column. Value is a template evaluated per message.
type Column struct {
	Name  string
	Label string
	Value any
}

// CsvFileWriter writes one CSV row per message. Columns come from the
// Columns entries, which may include mappings fragments, or from the keys
// of the first message sorted by name.
type CsvFileWriter struct {
	runtime.Base `yaml:",inline"`
	Path         string          `yaml:"path"`
	Columns      runtime.Entries `yaml:"columns"`
	AutoColumns  bool            `yaml:"autoColumns"`
	WriteHeaders bool            `yaml:"writeHeaders"`
	Delimiter    string          `yaml:"delimiter"`
	Overwrite    bool            `yaml:"overwrite"`
	Encoding     string          `yaml:"encoding"`
	Storage      string          `yaml:"storage"`

	// Stdout receives output for the "-" path.
	Stdout io.Writer `yaml:"-"`

	writer  *fs.FileWriter
	columns []Column
	rows    int
	buf     bytes.Buffer
	csv     *csv.Writer
}

// NewCsvFileWriter returns a writer to standard output with headers and
// automatic columns.
func NewCsvFileWriter() *CsvFileWriter {
	return &CsvFileWriter{Path: fs.Stdout, AutoColumns: true, WriteHeaders: true}
}

// Initialize expands the column entries and sets up the file writer.
func (w *CsvFileWriter) Initialize(ctx *runtime.Context) error {
	if w.Delimiter == "" {
		w.Delimiter = ","
	}
	comma := []rune(w.Delimiter)
	if len(comma) != 1 {
		return cerrors.Configurationf(w.URN(), "invalid delimiter %q", w.Delimiter)
	}
	w.csv = csv.NewWriter(&w.buf)
	w.csv.Comma = comma[0]

	if len(w.Columns) > 0 {
		entries, err := runtime.Expand(ctx, w.Columns)
		if err != nil {
			return err
		}
		columns, err := parseColumns(entries)
		if err != nil {
			return cerrors.NewConfigurationError(w.URN(), "invalid columns", err)
		}
		w.columns = columns
	} else if !w.AutoColumns {
		return cerrors.Configurationf(w.URN(), "columns are required when autoColumns is disabled")
	}

	w.writer = &fs.FileWriter{
		Path:      w.Path,
		Overwrite: w.Overwrite,
		Encoding:  w.Encoding,
		Storage:   w.Storage,
		Stdout:    w.Stdout,
	}
	w.writer.SetURN(w.URN() + "/file")
	return ctx.Require(w.writer)
}

// Describe returns the writer's configuration.
func (w *CsvFileWriter) Describe() []runtime.Property {
	names := make([]string, len(w.columns))
	for i, c := range w.columns {
		names[i] = c.Name
	}
	return []runtime.Property{
		{Name: "path", Value: w.Path},
		{Name: "columns", Value: names},
		{Name: "autoColumns", Value: w.AutoColumns},
		{Name: "writeHeaders", Value: w.WriteHeaders},
		{Name: "delimiter", Value: w.Delimiter},
		{Name: "overwrite", Value: w.Overwrite},
	}
}

// Process writes a row for m and yields m.
func (w *CsvFileWriter) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		if err := w.write(ctx, m); err != nil {
			yield(nil, err)
			return
		}
		yield(m, nil)
	}
}

func (w *CsvFileWriter) write(ctx *runtime.Context, m *message.Message) error {
	if w.rows == 0 {
		if w.columns == nil {
			w.columns = columnsFrom(m)
		}
		if w.WriteHeaders {
			labels := make([]string, len(w.columns))
			for i, c := range w.columns {
				labels[i] = c.Label
			}
			if err := w.writeRecord(ctx, m, labels); err != nil {
				return err
			}
		}
	}
	w.rows++

	record := make([]string, len(w.columns))
	for i, c := range w.columns {
		v, err := w.InterpolateValue(c.Value, m)
		if err != nil {
			return err
		}
		record[i] = cell(v)
	}
	return w.writeRecord(ctx, m, record)
}

func (w *CsvFileWriter) writeRecord(ctx *runtime.Context, m *message.Message, record []string) error {
	w.buf.Reset()
	if err := w.csv.Write(record); err != nil {
		return err
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	return w.writer.Write(ctx, m, w.buf.String())
}

// columnsFrom builds columns from the keys of m, sorted by name.
func columnsFrom(m *message.Message) []Column {
	keys := slices.Sorted(slices.Values(m.Keys()))
	columns := make([]Column, len(keys))
	for i, k := range keys {
		columns[i] = newColumn(k)
	}
	return columns
}

func newColumn(name string) Column {
	key, _ := json.Marshal(name)
	return Column{Name: name, Label: name, Value: "${ m[" + string(key) + "] }"}
}

// parseColumns accepts column names or {name, label, value} mappings.
func parseColumns(entries []any) ([]Column, error) {
	columns := make([]Column, 0, len(entries))
	for i, entry := range entries {
		switch e := entry.(type) {
		case string:
			columns = append(columns, newColumn(e))
		case map[string]any:
			name, _ := e["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("column %d has no name", i)
			}
			c := newColumn(name)
			if label, ok := e["label"].(string); ok {
				c.Label = label
			}
			if value, ok := e["value"]; ok {
				c.Value = value
			}
			columns = append(columns, c)
		case Column:
			columns = append(columns, e)
		default:
			return nil, fmt.Errorf("column %d: unsupported entry %T", i, entry)
		}
	}
	return columns, nil
}

// cell renders a value for CSV output. Null is written as an empty cell.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return expr.Stringify(t)
	}
}
