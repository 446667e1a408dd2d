// Package csv reads and writes delimited text.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/fs"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// Keys set on every row message.
const (
	CountKey      = "_csv_count"
	LineNumberKey = "_csv_linenumber"
)

// Headers is a list of column names. In YAML it may be written as a
// sequence or as a comma separated string.
type Headers []string

// UnmarshalYAML accepts a sequence or a comma separated scalar.
func (h *Headers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*h = ParseHeaders(node.Value)
		return nil
	}
	var names []string
	if err := node.Decode(&names); err != nil {
		return err
	}
	*h = names
	return nil
}

// ParseHeaders splits a comma separated header list, trimming each name.
func ParseHeaders(s string) Headers {
	parts := strings.Split(s, ",")
	out := make(Headers, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// CsvReader parses delimited text into one message per row. The first
// non-blank, non-comment row is the header unless Headers is set. Each row
// produces a copy of the input with a field per column.
type CsvReader struct {
	runtime.Base  `yaml:",inline"`
	Data          string  `yaml:"data"`
	Headers       Headers `yaml:"headers"`
	Comment       string  `yaml:"comment"`
	Delimiter     string  `yaml:"delimiter"`
	RowDelimiter  string  `yaml:"rowDelimiter"`
	IgnoreMissing bool    `yaml:"ignoreMissing"`
	Strip         bool    `yaml:"strip"`

	comma rune
	count int
}

// Initialize applies defaults and validates the delimiter.
func (r *CsvReader) Initialize(*runtime.Context) error {
	if r.Data == "" {
		r.Data = `${ m["data"] }`
	}
	if r.Delimiter == "" {
		r.Delimiter = ","
	}
	if r.RowDelimiter == "" {
		r.RowDelimiter = "\n"
	}
	comma, size := utf8.DecodeRuneInString(r.Delimiter)
	if size != len(r.Delimiter) || comma == '"' || comma == '\r' || comma == '\n' || comma == utf8.RuneError {
		return cerrors.Configurationf(r.URN(), "invalid delimiter %q", r.Delimiter)
	}
	r.comma = comma
	return nil
}

// Describe returns the parsing options.
func (r *CsvReader) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "data", Value: r.Data},
		{Name: "headers", Value: []string(r.Headers)},
		{Name: "comment", Value: r.Comment},
		{Name: "delimiter", Value: r.Delimiter},
		{Name: "ignoreMissing", Value: r.IgnoreMissing},
		{Name: "strip", Value: r.Strip},
	}
}

// Count returns the number of rows produced so far.
func (r *CsvReader) Count() int {
	return r.count
}

// Process parses the interpolated data.
func (r *CsvReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		data, err := r.InterpolateString(r.Data, m)
		if err != nil {
			yield(nil, err)
			return
		}
		for row, err := range r.Rows(ctx, m, strings.NewReader(data)) {
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// Rows parses text read from src into row messages based on m.
func (r *CsvReader) Rows(ctx *runtime.Context, m *message.Message, src io.Reader) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		if r.RowDelimiter != "\n" {
			data, err := io.ReadAll(src)
			if err != nil {
				yield(nil, fmt.Errorf("could not read csv data: %w", err))
				return
			}
			src = strings.NewReader(strings.ReplaceAll(string(data), r.RowDelimiter, "\n"))
		}
		reader := csv.NewReader(src)
		reader.Comma = r.comma
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = r.Strip
		reader.LazyQuotes = true
		reader.ReuseRecord = true

		header := r.Headers
		line := 0
		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("could not parse csv data: %w", err))
				return
			}
			if r.skip(record) {
				continue
			}
			if header == nil {
				header = append(Headers(nil), record...)
				ctx.Logger().Debug("csv header", zap.String("urn", r.URN()), zap.Strings("header", header))
				continue
			}

			line++
			row := ctx.CopyMessage(m)
			for i, name := range header {
				if i >= len(record) {
					if r.IgnoreMissing {
						continue
					}
					yield(nil, fmt.Errorf("could not process csv row %d: expected %d fields, got %d", line, len(header), len(record)))
					return
				}
				value := record[i]
				if r.Strip {
					value = strings.TrimSpace(value)
				}
				row.Set(name, value)
			}
			r.count++
			row.Set(CountKey, r.count)
			row.Set(LineNumberKey, line)
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (r *CsvReader) skip(record []string) bool {
	if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
		return true
	}
	return r.Comment != "" && strings.HasPrefix(record[0], r.Comment)
}

// CsvFileReader reads CSV files through a FileReader, streaming rows from
// each file in turn. Rows carry the file path under _path. The encoding is
// detected per file unless set.
type CsvFileReader struct {
	CsvReader `yaml:",inline"`
	Path      string `yaml:"path"`
	Encoding  string `yaml:"encoding"`
	Storage   string `yaml:"storage"`

	files *fs.FileReader
}

// Initialize creates and initializes the file reader.
func (r *CsvFileReader) Initialize(ctx *runtime.Context) error {
	if err := r.CsvReader.Initialize(ctx); err != nil {
		return err
	}
	if r.Encoding == "" {
		r.Encoding = fs.DetectEncoding
	}
	r.files = &fs.FileReader{Path: r.Path, Encoding: r.Encoding, Storage: r.Storage}
	r.files.SetURN(r.URN() + "/files")
	return ctx.Require(r.files)
}

// Describe returns the file and parsing options.
func (r *CsvFileReader) Describe() []runtime.Property {
	props := []runtime.Property{
		{Name: "path", Value: r.Path},
		{Name: "encoding", Value: r.Encoding},
		{Name: "storage", Value: r.Storage},
	}
	return append(props, r.CsvReader.Describe()[1:]...)
}

// Process yields the rows of every file selected for m.
func (r *CsvFileReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for f, err := range r.files.Files(ctx, m) {
			if err != nil {
				yield(nil, err)
				return
			}
			base := ctx.CopyMessage(m)
			base.Set(fs.PathKey, f.Path)
			for row, err := range r.Rows(ctx, base, f) {
				if !yield(row, err) || err != nil {
					return
				}
			}
		}
	}
}
