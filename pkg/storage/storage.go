// Package storage provides the byte stores file nodes read from and write
// to. Every store is a runtime component, declared once and referenced by
// urn from the nodes that use it.
package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// CreateOptions control how Create opens its target.
type CreateOptions struct {
	// Overwrite replaces an existing object. Without it Create fails when
	// the target exists.
	Overwrite bool
	// Append adds to an existing object. Only local storage supports it.
	Append bool
}

// Storage is a named byte store.
type Storage interface {
	runtime.Component

	// Open opens an object for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Create opens an object for writing. Remote stores upload on Close.
	Create(ctx context.Context, name string, opts CreateOptions) (io.WriteCloser, error)

	// List returns the names matching a path.Match pattern, sorted.
	List(ctx context.Context, pattern string) ([]string, error)
}

// Resolve returns the storage declared under urn, initializing it through
// the registry if needed. An empty urn selects a local store rooted at the
// working directory.
func Resolve(ctx *runtime.Context, owner, urn string) (Storage, error) {
	if urn == "" {
		local := &Local{}
		local.SetURN(owner + "#local")
		if err := ctx.Require(local); err != nil {
			return nil, err
		}
		return local, nil
	}
	c, ok := ctx.Get(urn)
	if !ok {
		return nil, cerrors.NewConfigurationError(owner, "unknown storage "+urn, cerrors.ErrUnknownReference)
	}
	s, ok := c.(Storage)
	if !ok {
		return nil, cerrors.Configurationf(owner, "%s is not a storage", runtime.Name(c))
	}
	if err := ctx.Require(s); err != nil {
		return nil, err
	}
	return s, nil
}

// HasMeta reports whether pattern contains glob metacharacters.
func HasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

// globPrefix returns the literal leading part of pattern, used to narrow
// remote listings.
func globPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// matchAll filters names by pattern.
func matchAll(pattern string, names []string) ([]string, error) {
	var out []string
	for _, name := range names {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// uploadWriter buffers writes and hands the content to upload on Close.
type uploadWriter struct {
	buf    bytes.Buffer
	upload func([]byte) error
	closed bool
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *uploadWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.upload(w.buf.Bytes())
}
