package runtime

import (
	"iter"
	"math"

	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// Node is a pipeline stage. Process consumes one message and returns a
// lazy, finite sequence of output messages. The sequence is pulled by the
// consumer; a consumer that stops early expects the node to release any
// resource tied to the in-flight computation, typically with defer.
type Node interface {
	Component
	Process(ctx *Context, m *message.Message) iter.Seq2[*message.Message, error]
}

// Identity yields its input unchanged.
type Identity struct {
	Base `yaml:",inline"`
}

// Process yields m.
func (n *Identity) Process(_ *Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		yield(m, nil)
	}
}

// Chain composes nodes depth-first: every message produced by a node is
// fully driven through the rest of the chain before the node is pulled
// again.
type Chain struct {
	Base  `yaml:",inline"`
	Nodes []Node `yaml:"-"`
}

// NewChain creates a chain of nodes.
func NewChain(nodes ...Node) *Chain {
	return &Chain{Nodes: nodes}
}

// Initialize initializes the children in order.
func (c *Chain) Initialize(ctx *Context) error {
	for _, n := range c.Nodes {
		if err := ctx.Require(n); err != nil {
			return err
		}
	}
	return nil
}

// Describe lists the children.
func (c *Chain) Describe() []Property {
	names := make([]any, len(c.Nodes))
	for i, n := range c.Nodes {
		names[i] = Name(n)
	}
	return []Property{{Name: "nodes", Value: names}}
}

// Process drives m through the children.
func (c *Chain) Process(ctx *Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		drive(ctx, c.Nodes, m, yield)
	}
}

// drive pushes m through nodes depth-first and hands final messages to
// yield. It returns false once the consumer stopped or an error occurred.
func drive(ctx *Context, nodes []Node, m *message.Message, yield func(*message.Message, error) bool) bool {
	if len(nodes) == 0 {
		return yield(m, nil)
	}
	for out, err := range ctx.Process(nodes[0], m) {
		if err != nil {
			yield(nil, err)
			return false
		}
		if !drive(ctx, nodes[1:], out, yield) {
			return false
		}
	}
	return true
}

// Drive processes every input through n in order, yielding final messages.
// It stops with the context's error once the caller's context is done.
func Drive(ctx *Context, n Node, inputs ...*message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for _, in := range inputs {
			if err := ctx.Context().Err(); err != nil {
				yield(nil, err)
				return
			}
			for out, err := range ctx.Process(n, in) {
				if err == nil {
					err = ctx.Context().Err()
				}
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(out, nil) {
					return
				}
			}
		}
	}
}

// Collect drives inputs through n and gathers every final message. On error
// it returns the messages delivered before the failure along with it.
func Collect(ctx *Context, n Node, inputs ...*message.Message) ([]*message.Message, error) {
	var out []*message.Message
	for m, err := range Drive(ctx, n, inputs...) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Run initializes root if needed and drives it with a single empty message,
// handing each final message to sink (which may be nil). Finalization is
// left to the caller through Context.Close.
func Run(ctx *Context, root Node, sink func(*message.Message) error) error {
	if err := ctx.Require(root); err != nil {
		return err
	}
	logger := ctx.Logger().With(zap.String("root", Name(root)), zap.String("run_id", ctx.RunID()))
	logger.Info("run started")

	count := 0
	for m, err := range Drive(ctx, root, message.New()) {
		if err != nil {
			logger.Error("run failed", zap.Int("messages", count), zap.Error(err))
			return err
		}
		count++
		if sink == nil {
			continue
		}
		if err := sink(m); err != nil {
			logger.Error("sink failed", zap.Int("messages", count), zap.Error(err))
			return err
		}
	}
	logger.Info("run finished", zap.Int("messages", count))
	return nil
}

// Filter yields its input when Condition evaluates to a truthy value and
// drops it otherwise.
type Filter struct {
	Base      `yaml:",inline"`
	Condition string `yaml:"condition"`
}

// Initialize checks that the condition compiles.
func (f *Filter) Initialize(ctx *Context) error {
	if f.Condition == "" {
		return cerrors.Configurationf(f.URN(), "filter condition is required")
	}
	return ctx.Engine().Compile(f.URN(), f.Condition)
}

// Describe returns the condition.
func (f *Filter) Describe() []Property {
	return []Property{{Name: "condition", Value: f.Condition}}
}

// Process yields m if the condition holds.
func (f *Filter) Process(_ *Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		v, err := f.Interpolate(f.Condition, m)
		if err != nil {
			yield(nil, err)
			return
		}
		if Truthy(v) {
			yield(m, nil)
		}
	}
}

// Set assigns fields on the message. Values are evaluated in order, so a
// field may refer to one assigned before it.
type Set struct {
	Base   `yaml:",inline"`
	Fields PropertyList `yaml:"fields"`
}

// Describe returns the fields.
func (s *Set) Describe() []Property {
	return []Property{{Name: "fields", Value: s.Fields.Map()}}
}

// Process assigns the fields to m and yields it.
func (s *Set) Process(_ *Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for _, f := range s.Fields {
			v, err := s.InterpolateValue(f.Value, m)
			if err != nil {
				yield(nil, err)
				return
			}
			m.Set(f.Name, v)
		}
		yield(m, nil)
	}
}

// Truthy reports whether v counts as true: nil, false, zero numbers, NaN,
// empty strings and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case *message.Message:
		return t.Len() > 0
	default:
		return true
	}
}
