package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// Local stores objects on the local filesystem, relative to Root.
type Local struct {
	runtime.Base `yaml:",inline"`
	Root         string `yaml:"root"`
}

// Describe returns the root.
func (l *Local) Describe() []runtime.Property {
	return []runtime.Property{{Name: "root", Value: l.Root}}
}

func (l *Local) resolve(name string) string {
	if l.Root == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.Root, name)
}

// Open opens a file for reading.
func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(l.resolve(name))
}

// Create opens a file for writing, creating parent directories.
func (l *Local) Create(_ context.Context, name string, opts CreateOptions) (io.WriteCloser, error) {
	p := l.resolve(name)
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case opts.Append:
		flags |= os.O_APPEND
	case opts.Overwrite:
		flags |= os.O_TRUNC
	default:
		flags |= os.O_EXCL
	}
	return os.OpenFile(p, flags, 0o644)
}

// List expands a glob pattern. A pattern without metacharacters lists the
// file itself.
func (l *Local) List(_ context.Context, pattern string) ([]string, error) {
	if !HasMeta(pattern) {
		if _, err := os.Stat(l.resolve(pattern)); err != nil {
			return nil, err
		}
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(l.resolve(pattern))
	if err != nil {
		return nil, err
	}
	if l.Root != "" && !filepath.IsAbs(pattern) {
		for i, m := range matches {
			if rel, err := filepath.Rel(l.Root, m); err == nil {
				matches[i] = rel
			}
		}
	}
	slices.Sort(matches)
	return matches, nil
}
