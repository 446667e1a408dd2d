package runtime

import (
	"context"
	"iter"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/expr"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// Context is the state shared by every component of one pipeline run. It is
// not safe for concurrent use; the kernel is single-threaded.
type Context struct {
	std        context.Context
	runID      string
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *Metrics
	registry   *Registry
	engine     *expr.Engine
	props      map[string]any
	propOrder  []string
	components map[string]Component
	declared   []string
}

// NewContext creates the context of one run. std carries cancellation and
// deadlines for blocking I/O done by nodes; it may be nil.
func NewContext(std context.Context, cfg Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.NewConfigurationError("", "invalid runtime configuration", err)
	}
	if std == nil {
		std = context.Background()
	}

	ctx := &Context{
		std:        std,
		runID:      cfg.RunID,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		metrics:    NewMetrics(),
		props:      make(map[string]any, len(cfg.Props)),
		components: make(map[string]Component),
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Props)) {
		ctx.SetProp(name, cfg.Props[name])
	}
	ctx.registry = NewRegistry(cfg.Logger.Named("registry"), cfg.Tracer, ctx.metrics)

	engine, err := expr.NewEngine(cfg.Expr, ctx, cfg.Logger.Named("expr"))
	if err != nil {
		return nil, err
	}
	ctx.engine = engine
	return ctx, nil
}

// Context returns the caller's context.
func (c *Context) Context() context.Context { return c.std }

// RunID identifies the run.
func (c *Context) RunID() string { return c.runID }

// Logger returns the run logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Tracer returns the run tracer.
func (c *Context) Tracer() trace.Tracer { return c.tracer }

// Metrics returns the message counters.
func (c *Context) Metrics() *Metrics { return c.metrics }

// Registry returns the lifecycle manager.
func (c *Context) Registry() *Registry { return c.registry }

// Engine returns the expression engine.
func (c *Context) Engine() *expr.Engine { return c.engine }

// Props returns the live property table.
func (c *Context) Props() map[string]any { return c.props }

// Prop returns a property.
func (c *Context) Prop(name string) (any, bool) {
	v, ok := c.props[name]
	return v, ok
}

// SetProp sets a property unless it is already present. It reports whether
// the value was stored.
func (c *Context) SetProp(name string, value any) bool {
	if _, ok := c.props[name]; ok {
		return false
	}
	c.props[name] = value
	c.propOrder = append(c.propOrder, name)
	return true
}

// AllProps iterates over the properties in registration order.
func (c *Context) AllProps() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, name := range c.propOrder {
			if !yield(name, c.props[name]) {
				return
			}
		}
	}
}

// Add declares a component under its urn so that it can be referenced by
// name. Declaring does not initialize.
func (c *Context) Add(comp Component) error {
	urn := comp.URN()
	if existing, ok := c.components[urn]; ok && existing != comp {
		return cerrors.Configurationf(urn, "component %s already declared as %s", Name(comp), Name(existing))
	}
	if _, ok := c.components[urn]; !ok {
		c.declared = append(c.declared, urn)
	}
	c.components[urn] = comp
	return nil
}

// Get returns a declared component.
func (c *Context) Get(urn string) (Component, bool) {
	comp, ok := c.components[urn]
	return comp, ok
}

// Declared returns the declared components in declaration order.
func (c *Context) Declared() []Component {
	out := make([]Component, 0, len(c.declared))
	for _, urn := range c.declared {
		out = append(out, c.components[urn])
	}
	return out
}

// Describe returns the description of a declared component, as seen by
// ctx.get(urn) in expressions.
func (c *Context) Describe(urn string) (any, bool) {
	comp, ok := c.components[urn]
	if !ok {
		return nil, false
	}
	return Description(comp), true
}

// Interpolate evaluates tmpl against m on behalf of owner.
func (c *Context) Interpolate(owner, tmpl string, m *message.Message) (any, error) {
	return c.engine.Interpolate(owner, tmpl, m)
}

// InterpolateString evaluates tmpl against m and renders it as a string.
func (c *Context) InterpolateString(owner, tmpl string, m *message.Message) (string, error) {
	return c.engine.InterpolateString(owner, tmpl, m)
}

// InterpolateValue evaluates the template strings in v, descending into maps
// and slices. Other values are returned as is; inputs are never modified.
func (c *Context) InterpolateValue(owner string, v any, m *message.Message) (any, error) {
	switch t := v.(type) {
	case string:
		return c.Interpolate(owner, t, m)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := c.InterpolateValue(owner, item, m)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := c.InterpolateValue(owner, item, m)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// CopyMessage returns a shallow copy of m for fan-out.
func (c *Context) CopyMessage(m *message.Message) *message.Message {
	return m.Copy()
}

// Initialize initializes comp through the registry.
func (c *Context) Initialize(comp Component) error {
	return c.registry.Initialize(c, comp)
}

// Require initializes comp unless already done through this context.
func (c *Context) Require(comp Component) error {
	return c.registry.Require(c, comp)
}

// Finalize finalizes comp through the registry.
func (c *Context) Finalize(comp Component) error {
	return c.registry.Finalize(c, comp)
}

// Process forwards m to n through the registry.
func (c *Context) Process(n Node, m *message.Message) iter.Seq2[*message.Message, error] {
	return c.registry.Process(c, n, m)
}

// Close finalizes every initialized component in reverse order. It is safe
// to call more than once.
func (c *Context) Close() error {
	return c.registry.FinalizeAll(c)
}
