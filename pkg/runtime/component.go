package runtime

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// Component is the base abstraction shared by nodes and configuration
// objects. Implementations embed Base.
type Component interface {
	// URN returns the unique reference name of the component.
	URN() string

	// Initialize is called exactly once, by the Registry, after the context
	// has been bound.
	Initialize(ctx *Context) error

	// Finalize releases held resources. It is called at most once, by the
	// Registry, also when Initialize failed part way.
	Finalize(ctx *Context) error

	// Describe returns the component's own configuration.
	Describe() []Property

	lifecycle() *Base
}

// Property is a named configuration value.
type Property struct {
	Name  string
	Value any
}

// Base provides identity and lifecycle state. Embed it inline:
//
//	type Reader struct {
//	    runtime.Base `yaml:",inline"`
//	    Path string `yaml:"path"`
//	}
type Base struct {
	// ID is the reference name. An empty ID is replaced by a generated
	// urn:uuid on first use.
	ID string `yaml:"urn,omitempty" json:"urn,omitempty"`

	ctx         *Context
	registry    *Registry
	initialized bool
	finalized   bool
}

// URN returns the reference name, generating one if needed.
func (b *Base) URN() string {
	if b.ID == "" {
		b.ID = "urn:uuid:" + uuid.NewString()
	}
	return b.ID
}

// SetURN sets the reference name.
func (b *Base) SetURN(urn string) {
	b.ID = urn
}

// Context returns the bound execution context, or nil before
// initialization.
func (b *Base) Context() *Context {
	return b.ctx
}

// Initialized reports whether the component has been initialized.
func (b *Base) Initialized() bool {
	return b.initialized
}

// Initialize is the default no-op hook.
func (b *Base) Initialize(*Context) error { return nil }

// Finalize is the default no-op hook.
func (b *Base) Finalize(*Context) error { return nil }

// Describe is the default empty description.
func (b *Base) Describe() []Property { return nil }

func (b *Base) lifecycle() *Base { return b }

// Interpolate evaluates tmpl against m on behalf of this component.
func (b *Base) Interpolate(tmpl string, m *message.Message) (any, error) {
	if b.ctx == nil {
		return nil, cerrors.NewConfigurationError(b.URN(), "component used before initialization", cerrors.ErrNotInitialized)
	}
	return b.ctx.Interpolate(b.URN(), tmpl, m)
}

// InterpolateString evaluates tmpl against m and renders the result as a
// string.
func (b *Base) InterpolateString(tmpl string, m *message.Message) (string, error) {
	if b.ctx == nil {
		return "", cerrors.NewConfigurationError(b.URN(), "component used before initialization", cerrors.ErrNotInitialized)
	}
	return b.ctx.InterpolateString(b.URN(), tmpl, m)
}

// InterpolateValue evaluates every template string found in v.
func (b *Base) InterpolateValue(v any, m *message.Message) (any, error) {
	if b.ctx == nil {
		return nil, cerrors.NewConfigurationError(b.URN(), "component used before initialization", cerrors.ErrNotInitialized)
	}
	return b.ctx.InterpolateValue(b.URN(), v, m)
}

// TypeName returns the Go type name of c without package or pointer.
func TypeName(c Component) string {
	t := reflect.TypeOf(c)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Name renders c as Type(urn).
func Name(c Component) string {
	return fmt.Sprintf("%s(%s)", TypeName(c), c.URN())
}

// Description renders c as an ordered message: its type, its urn, then its
// described properties.
func Description(c Component) *message.Message {
	d := message.FromPairs("type", TypeName(c), "urn", c.URN())
	for _, p := range c.Describe() {
		d.Set(p.Name, p.Value)
	}
	return d
}
