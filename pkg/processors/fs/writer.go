package fs

import (
	"fmt"
	"io"
	"iter"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/runtime"
	"github.com/wehubfusion/cubetl/pkg/storage"
)

// Stdout is the path that selects the writer's standard output.
const Stdout = "-"

// FileWriter writes interpolated data to the interpolated path. Each
// distinct path is opened on first use and kept open until Finalize, which
// is also when remote storages upload.
type FileWriter struct {
	runtime.Base `yaml:",inline"`
	Path         string `yaml:"path"`
	Data         string `yaml:"data"`
	Newline      bool   `yaml:"newline"`
	Overwrite    bool   `yaml:"overwrite"`
	Append       bool   `yaml:"append"`
	Encoding     string `yaml:"encoding"`
	Storage      string `yaml:"storage"`

	// Stdout receives output for the "-" path. Defaults to os.Stdout.
	Stdout io.Writer `yaml:"-"`
	// OnOpen is called after a target is opened, before the first write.
	OnOpen func(w io.Writer) error `yaml:"-"`
	// OnClose is called before a target is closed.
	OnClose func(w io.Writer) error `yaml:"-"`

	store storage.Storage
	enc   encoding.Encoding
	open  map[string]*target
	order []string
}

type target struct {
	w      io.Writer
	closer []io.Closer
	writes int
}

// NewFileWriter returns a writer to standard output with newlines enabled.
func NewFileWriter() *FileWriter {
	return &FileWriter{Path: Stdout, Data: `${ m["data"] }`, Newline: true}
}

// Initialize resolves the storage and the text encoding.
func (w *FileWriter) Initialize(ctx *runtime.Context) error {
	if w.Path == "" {
		w.Path = Stdout
	}
	if w.Data == "" {
		w.Data = `${ m["data"] }`
	}
	if w.Overwrite && w.Append {
		return cerrors.Configurationf(w.URN(), "overwrite and append are mutually exclusive")
	}
	if w.Stdout == nil {
		w.Stdout = os.Stdout
	}
	enc, err := lookupEncoding(w.Encoding)
	if err != nil {
		return cerrors.NewConfigurationError(w.URN(), "invalid encoding", err)
	}
	w.enc = enc

	store, err := storage.Resolve(ctx, w.URN(), w.Storage)
	if err != nil {
		return err
	}
	w.store = store
	w.open = make(map[string]*target)
	return nil
}

// Finalize closes every open target in the order they were opened.
func (w *FileWriter) Finalize(ctx *runtime.Context) error {
	var errs error
	for _, path := range w.order {
		t := w.open[path]
		if w.OnClose != nil {
			errs = multierr.Append(errs, w.OnClose(t.w))
		}
		for _, c := range t.closer {
			errs = multierr.Append(errs, c.Close())
		}
		ctx.Logger().Debug("closed file",
			zap.String("urn", w.URN()),
			zap.String("path", path),
			zap.Int("writes", t.writes))
	}
	w.open = nil
	w.order = nil
	return errs
}

// Describe returns the writer's configuration.
func (w *FileWriter) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "path", Value: w.Path},
		{Name: "data", Value: w.Data},
		{Name: "newline", Value: w.Newline},
		{Name: "overwrite", Value: w.Overwrite},
		{Name: "append", Value: w.Append},
		{Name: "storage", Value: w.Storage},
	}
}

// Process writes the data for m and yields m.
func (w *FileWriter) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		data, err := w.InterpolateString(w.Data, m)
		if err != nil {
			yield(nil, err)
			return
		}
		if err := w.Write(ctx, m, data); err != nil {
			yield(nil, err)
			return
		}
		yield(m, nil)
	}
}

// Write writes data to the path selected by m, opening it if needed. A
// newline is appended when Newline is set.
func (w *FileWriter) Write(ctx *runtime.Context, m *message.Message, data string) error {
	path, err := w.InterpolateString(w.Path, m)
	if err != nil {
		return err
	}
	t, err := w.target(ctx, path)
	if err != nil {
		return err
	}
	if w.Newline {
		data += "\n"
	}
	if _, err := io.WriteString(t.w, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	t.writes++
	return nil
}

func (w *FileWriter) target(ctx *runtime.Context, path string) (*target, error) {
	if t, ok := w.open[path]; ok {
		return t, nil
	}

	t := &target{}
	if path == Stdout {
		t.w = w.Stdout
	} else {
		f, err := w.store.Create(ctx.Context(), path, storage.CreateOptions{Overwrite: w.Overwrite, Append: w.Append})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s for writing: %w", path, err)
		}
		t.w = f
		t.closer = append(t.closer, f)
	}
	if w.enc != unicode.UTF8 {
		enc := encode(t.w, w.enc)
		t.w = enc
		// the encoder flushes into the file, so it closes first
		t.closer = append([]io.Closer{enc}, t.closer...)
	}

	w.open[path] = t
	w.order = append(w.order, path)
	ctx.Logger().Debug("opened file", zap.String("urn", w.URN()), zap.String("path", path))

	if w.OnOpen != nil {
		if err := w.OnOpen(t.w); err != nil {
			return nil, err
		}
	}
	return t, nil
}
