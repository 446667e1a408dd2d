// Package fs provides nodes that read and write files through a storage
// component.
package fs

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/runtime"
	"github.com/wehubfusion/cubetl/pkg/storage"
)

// Keys set on messages produced by the readers.
const (
	PathKey       = "_path"
	LineNumberKey = "_linenumber"
)

// DetectEncoding makes a reader guess each file's encoding from its first
// bytes: a byte order mark, an HTML meta charset, valid UTF-8, and
// windows-1252 otherwise.
const DetectEncoding = "detect"

const (
	maxLineSize = 16 << 20
	sniffSize   = 1024
)

// File is an input file opened by FileReader.Files. The reader yields
// decoded text and is only valid until the consumer pulls the next file.
type File struct {
	Path string
	io.Reader
}

// FileReader reads whole files. Path is a template and may be a glob, in
// which case every match is read in sorted order. Each file produces a copy
// of the input with the content stored under Name.
type FileReader struct {
	runtime.Base `yaml:",inline"`
	Path         string `yaml:"path"`
	Name         string `yaml:"name"`
	Encoding     string `yaml:"encoding"`
	Storage      string `yaml:"storage"`

	store  storage.Storage
	enc    encoding.Encoding
	detect bool
}

// Initialize resolves the storage and the text encoding.
func (r *FileReader) Initialize(ctx *runtime.Context) error {
	if r.Path == "" {
		return cerrors.Configurationf(r.URN(), "path is required")
	}
	if r.Name == "" {
		r.Name = "data"
	}
	if strings.EqualFold(r.Encoding, DetectEncoding) {
		r.detect = true
	} else {
		enc, err := lookupEncoding(r.Encoding)
		if err != nil {
			return cerrors.NewConfigurationError(r.URN(), "invalid encoding", err)
		}
		r.enc = enc
	}

	store, err := storage.Resolve(ctx, r.URN(), r.Storage)
	if err != nil {
		return err
	}
	r.store = store
	return nil
}

// Describe returns the reader's configuration.
func (r *FileReader) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "path", Value: r.Path},
		{Name: "name", Value: r.Name},
		{Name: "encoding", Value: r.Encoding},
		{Name: "storage", Value: r.Storage},
	}
}

// Files streams the files selected by Path for m. Each file is closed when
// the consumer moves on or stops.
func (r *FileReader) Files(ctx *runtime.Context, m *message.Message) iter.Seq2[*File, error] {
	return func(yield func(*File, error) bool) {
		pattern, err := r.InterpolateString(r.Path, m)
		if err != nil {
			yield(nil, err)
			return
		}

		paths := []string{pattern}
		if storage.HasMeta(pattern) {
			paths, err = r.store.List(ctx.Context(), pattern)
			if err != nil {
				yield(nil, fmt.Errorf("failed to list %s: %w", pattern, err))
				return
			}
			if len(paths) == 0 {
				ctx.Logger().Debug("no files matched", zap.String("urn", r.URN()), zap.String("pattern", pattern))
			}
		}

		for _, p := range paths {
			if !r.open(ctx, p, yield) {
				return
			}
		}
	}
}

func (r *FileReader) open(ctx *runtime.Context, path string, yield func(*File, error) bool) bool {
	rc, err := r.store.Open(ctx.Context(), path)
	if err != nil {
		yield(nil, fmt.Errorf("failed to open %s: %w", path, err))
		return false
	}
	defer rc.Close()

	ctx.Logger().Debug("reading file", zap.String("urn", r.URN()), zap.String("path", path))
	if r.detect {
		return yield(&File{Path: path, Reader: r.sniff(ctx, path, rc)}, nil)
	}
	return yield(&File{Path: path, Reader: decode(rc, r.enc)}, nil)
}

// sniff decodes rc with the encoding guessed from its head. A leading byte
// order mark is dropped.
func (r *FileReader) sniff(ctx *runtime.Context, path string, rc io.Reader) io.Reader {
	br := bufio.NewReaderSize(rc, sniffSize)
	head, _ := br.Peek(sniffSize)
	enc, name, certain := charset.DetermineEncoding(head, "")
	ctx.Logger().Debug("detected encoding",
		zap.String("urn", r.URN()),
		zap.String("path", path),
		zap.String("encoding", name),
		zap.Bool("certain", certain))
	return transform.NewReader(br, unicode.BOMOverride(enc.NewDecoder()))
}

// Process yields one message per file.
func (r *FileReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for f, err := range r.Files(ctx, m) {
			if err != nil {
				yield(nil, err)
				return
			}
			data, err := io.ReadAll(f)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read %s: %w", f.Path, err))
				return
			}
			out := ctx.CopyMessage(m)
			out.Set(r.Name, string(data))
			out.Set(PathKey, f.Path)
			if !yield(out, nil) {
				return
			}
		}
	}
}

// FileLineReader reads files line by line, producing one message per line
// with the line under Name and its 1-based number under _linenumber.
type FileLineReader struct {
	runtime.Base `yaml:",inline"`
	Path         string `yaml:"path"`
	Name         string `yaml:"name"`
	Encoding     string `yaml:"encoding"`
	Storage      string `yaml:"storage"`

	files *FileReader
}

// Initialize creates and initializes the underlying file reader.
func (r *FileLineReader) Initialize(ctx *runtime.Context) error {
	if r.Name == "" {
		r.Name = "line"
	}
	r.files = &FileReader{Path: r.Path, Encoding: r.Encoding, Storage: r.Storage}
	r.files.SetURN(r.URN() + "/files")
	return ctx.Require(r.files)
}

// Describe returns the reader's configuration.
func (r *FileLineReader) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "path", Value: r.Path},
		{Name: "name", Value: r.Name},
		{Name: "encoding", Value: r.Encoding},
		{Name: "storage", Value: r.Storage},
	}
}

// Process yields one message per line.
func (r *FileLineReader) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for f, err := range r.files.Files(ctx, m) {
			if err != nil {
				yield(nil, err)
				return
			}
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 64*1024), maxLineSize)
			n := 0
			for scanner.Scan() {
				n++
				out := ctx.CopyMessage(m)
				out.Set(r.Name, strings.TrimSuffix(scanner.Text(), "\r"))
				out.Set(LineNumberKey, n)
				out.Set(PathKey, f.Path)
				if !yield(out, nil) {
					return
				}
			}
			if err := scanner.Err(); err != nil {
				yield(nil, fmt.Errorf("failed to read %s: %w", f.Path, err))
				return
			}
		}
	}
}

// lookupEncoding resolves a WHATWG encoding label. Empty means UTF-8.
// DetectEncoding is not a label and is rejected here.
func lookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

func decode(r io.Reader, enc encoding.Encoding) io.Reader {
	if enc == unicode.UTF8 {
		return r
	}
	return transform.NewReader(r, enc.NewDecoder())
}

func encode(w io.Writer, enc encoding.Encoding) io.WriteCloser {
	return transform.NewWriter(w, enc.NewEncoder())
}
