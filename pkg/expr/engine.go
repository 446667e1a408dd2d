// Package expr evaluates ${ ... } templates against a message and the
// execution context using an embedded JavaScript runtime.
//
// A template that is exactly one expression region evaluates to the native
// value of the expression. Any other template evaluates to a string in which
// each region is replaced by its value; compound values are rendered as JSON.
// Inside an expression the current message is bound to m, the context
// properties to props, and the execution context to ctx (ctx.props,
// ctx.runId, ctx.get(urn)). Reading a key that is absent from m, props or a
// nested map raises KeyNotFoundError.
package expr

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// Env supplies the context bindings visible to expressions.
type Env interface {
	// Props returns the live property table. It is read once; later
	// additions to the same map remain visible.
	Props() map[string]any
	// RunID identifies the execution.
	RunID() string
	// Describe returns a declared component's settings by urn.
	Describe(urn string) (any, bool)
}

// Engine evaluates templates. It is safe for concurrent use; evaluations
// are serialized on a single runtime.
type Engine struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	config Config
	env    Env
	logger *zap.Logger
	cache  map[string]*template
}

// NewEngine creates an engine bound to env. env may be nil, in which case
// props is empty and ctx.get finds nothing.
func NewEngine(config Config, env Env, logger *zap.Logger) (*Engine, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, cerrors.NewConfigurationError("", "invalid expression engine configuration", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		vm:     goja.New(),
		config: config,
		env:    env,
		logger: logger,
		cache:  make(map[string]*template),
	}
	if err := NewUtilityRegistry(logger).RegisterEnabled(e.vm, &e.config); err != nil {
		return nil, cerrors.NewConfigurationError("", "cannot register expression utilities", err)
	}
	if err := e.bindContext(); err != nil {
		return nil, cerrors.NewConfigurationError("", "cannot bind execution context", err)
	}
	if err := NewSandbox(&e.config).Apply(e.vm); err != nil {
		return nil, cerrors.NewConfigurationError("", "cannot apply sandbox", err)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) bindContext() error {
	var props map[string]any
	runID := ""
	if e.env != nil {
		props = e.env.Props()
		runID = e.env.RunID()
	}
	if props == nil {
		props = map[string]any{}
	}
	propsObj := e.vm.NewDynamicObject(&mapObject{engine: e, values: props, readOnly: true})

	ctx := e.vm.NewObject()
	if err := ctx.Set("props", propsObj); err != nil {
		return err
	}
	if err := ctx.Set("runId", runID); err != nil {
		return err
	}
	if err := ctx.Set("get", func(call goja.FunctionCall) goja.Value {
		urn := call.Argument(0).String()
		if e.env != nil {
			if v, ok := e.env.Describe(urn); ok {
				return e.wrap(v)
			}
		}
		panic(e.vm.NewGoError(cerrors.NewKeyNotFoundError(urn)))
	}); err != nil {
		return err
	}
	if err := e.vm.Set("ctx", ctx); err != nil {
		return err
	}
	return e.vm.Set("props", propsObj)
}

// Compile parses and compiles a template without evaluating it. Malformed
// delimiters and script syntax errors are reported as ConfigurationError
// naming owner.
func (e *Engine) Compile(owner, tmpl string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.compile(owner, tmpl)
	return err
}

func (e *Engine) compile(owner, tmpl string) (*template, error) {
	if t, ok := e.cache[tmpl]; ok {
		return t, nil
	}
	parts, err := Split(tmpl)
	if err != nil {
		if cfgErr, ok := err.(*cerrors.ConfigurationError); ok {
			cfgErr.URN = owner
		}
		return nil, err
	}
	t := &template{text: tmpl}
	for _, p := range parts {
		if !p.Expression {
			t.segments = append(t.segments, segment{literal: p.Text})
			continue
		}
		prog, err := compileSource(p.Text)
		if err != nil {
			return nil, cerrors.NewConfigurationError(owner,
				fmt.Sprintf("invalid expression %q in template %s", p.Text, quote(tmpl)),
				NewSyntaxError(err.Error()))
		}
		t.segments = append(t.segments, segment{source: p.Text, program: prog})
	}
	e.cache[tmpl] = t
	return t, nil
}

// Interpolate evaluates tmpl against m. owner names the component on whose
// behalf the template is evaluated and is carried by any error. A string
// without expression regions is returned unchanged. A nil message behaves
// as an empty one.
func (e *Engine) Interpolate(owner, tmpl string, m *message.Message) (result any, err error) {
	if !IsTemplate(tmpl) {
		return tmpl, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.compile(owner, tmpl)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = message.New()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = cerrors.NewEvaluationError(owner, tmpl, &ScriptError{
				Type:    ErrorTypeInternal,
				Message: fmt.Sprintf("panic during evaluation: %v", r),
			})
		}
	}()

	if err := e.vm.Set("m", e.vm.NewDynamicObject(&messageObject{engine: e, msg: m})); err != nil {
		return nil, cerrors.NewEvaluationError(owner, tmpl, err)
	}

	if t.single() {
		v, err := e.run(t.segments[0].program)
		if err != nil {
			return nil, e.translate(owner, tmpl, err)
		}
		return e.export(v), nil
	}

	var b []byte
	for _, seg := range t.segments {
		if !seg.isExpression() {
			b = append(b, seg.literal...)
			continue
		}
		v, err := e.run(seg.program)
		if err != nil {
			return nil, e.translate(owner, tmpl, err)
		}
		b = append(b, e.stringify(v)...)
	}
	return string(b), nil
}

// InterpolateString is Interpolate with the result rendered as a string.
func (e *Engine) InterpolateString(owner, tmpl string, m *message.Message) (string, error) {
	v, err := e.Interpolate(owner, tmpl, m)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func (e *Engine) run(prog *goja.Program) (goja.Value, error) {
	if e.config.Timeout > 0 {
		timer := time.AfterFunc(e.config.Timeout, func() {
			e.vm.Interrupt("execution timeout")
		})
		defer func() {
			timer.Stop()
			e.vm.ClearInterrupt()
		}()
	}
	return e.vm.RunProgram(prog)
}

// stringify renders a script value for a mixed template. Objects and arrays
// become JSON; everything else uses the script's own string conversion.
func (e *Engine) stringify(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if _, ok := v.(*goja.Object); !ok {
		return v.String()
	}
	native := e.export(v)
	data, err := json.Marshal(native)
	if err != nil {
		return v.String()
	}
	return string(data)
}

// Stringify renders a native value the way mixed templates do.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case *message.Message, map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
