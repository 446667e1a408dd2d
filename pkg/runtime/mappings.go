package runtime

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// MappingsTag marks a fragment reference inside an Entries list in YAML:
//
//	columns:
//	  - name: id
//	  - !mappings common-columns
const MappingsTag = "!mappings"

// Ref references a declared Mappings fragment by urn.
type Ref struct {
	URN string
}

// Entries is an ordered list of configuration entries. An entry is a
// literal value, a *Mappings fragment or a Ref to one.
type Entries []any

// UnmarshalYAML decodes a sequence, turning !mappings tagged scalars into
// Refs.
func (e *Entries) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: entries must be a sequence", node.Line)
	}
	out := make(Entries, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Tag == MappingsTag {
			if item.Kind != yaml.ScalarNode || item.Value == "" {
				return fmt.Errorf("line %d: %s expects a urn", item.Line, MappingsTag)
			}
			out = append(out, Ref{URN: item.Value})
			continue
		}
		var v any
		if err := item.Decode(&v); err != nil {
			return err
		}
		out = append(out, v)
	}
	*e = out
	return nil
}

// Mappings is a reusable fragment of entries that other entry lists may
// include.
type Mappings struct {
	Base    `yaml:",inline"`
	Entries Entries `yaml:"entries"`

	resolved []any
	done     bool
}

// NewMappings creates a fragment.
func NewMappings(urn string, entries ...any) *Mappings {
	m := &Mappings{Entries: entries}
	m.SetURN(urn)
	return m
}

// Describe returns the entries.
func (m *Mappings) Describe() []Property {
	return []Property{{Name: "entries", Value: []any(m.Entries)}}
}

// Copy returns an uninitialized fragment with a deep copy of the entries.
// Including the copy from a second context is allowed where including the
// original would fail.
func (m *Mappings) Copy() *Mappings {
	return &Mappings{Entries: message.DeepCopySlice(m.Entries)}
}

// Resolved returns the fragment's entries with every reference expanded.
// The result is computed once and must not be modified.
func (m *Mappings) Resolved(ctx *Context) ([]any, error) {
	return m.resolve(ctx, nil)
}

func (m *Mappings) resolve(ctx *Context, path []*Mappings) ([]any, error) {
	if m.done {
		return m.resolved, nil
	}
	resolved, err := expand(ctx, m.Entries, append(path, m))
	if err != nil {
		return nil, err
	}
	m.resolved, m.done = resolved, true
	return resolved, nil
}

// Expand returns a new list in which every fragment reference in entries is
// replaced, in place and in order, by a deep copy of the fragment's own
// expanded entries. Referenced fragments are initialized through the
// registry. entries is not modified. A fragment that includes itself,
// directly or transitively, is a ConfigurationError.
func Expand(ctx *Context, entries []any) ([]any, error) {
	return expand(ctx, entries, nil)
}

func expand(ctx *Context, entries []any, path []*Mappings) ([]any, error) {
	out := make([]any, 0, len(entries))
	for _, entry := range entries {
		frag, err := fragment(ctx, entry)
		if err != nil {
			return nil, err
		}
		if frag == nil {
			out = append(out, entry)
			continue
		}
		for i, seen := range path {
			if seen == frag {
				return nil, cerrors.NewConfigurationError(frag.URN(),
					"mappings include themselves: "+cyclePath(path[i:], frag),
					cerrors.ErrCyclicReference)
			}
		}
		if err := ctx.Require(frag); err != nil {
			return nil, err
		}
		resolved, err := frag.resolve(ctx, path)
		if err != nil {
			return nil, err
		}
		out = append(out, message.DeepCopySlice(resolved)...)
	}
	return out, nil
}

// fragment returns the fragment an entry refers to, or nil for literals.
func fragment(ctx *Context, entry any) (*Mappings, error) {
	switch e := entry.(type) {
	case *Mappings:
		return e, nil
	case Ref:
		c, ok := ctx.Get(e.URN)
		if !ok {
			return nil, cerrors.NewConfigurationError(e.URN, "unknown mappings reference", cerrors.ErrUnknownReference)
		}
		frag, ok := c.(*Mappings)
		if !ok {
			return nil, cerrors.Configurationf(e.URN, "%s is not a mappings fragment", Name(c))
		}
		return frag, nil
	default:
		return nil, nil
	}
}

func cyclePath(path []*Mappings, last *Mappings) string {
	names := make([]string, 0, len(path)+1)
	for _, m := range path {
		names = append(names, m.URN())
	}
	names = append(names, last.URN())
	return strings.Join(names, " -> ")
}
