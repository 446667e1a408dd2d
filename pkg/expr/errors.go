package expr

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeSecurity ErrorType = "security_error"
	ErrorTypeInternal ErrorType = "internal_error"
)

// ScriptError is a structured expression failure. It is the cause carried by
// EvaluationError and ConfigurationError values produced by the engine.
type ScriptError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"`
	Column  int       `json:"column,omitempty"`
}

// Error implements the error interface
func (e *ScriptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Type, e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ", column %d", e.Column)
		}
	}
	return b.String()
}

// NewSecurityError creates a security error
func NewSecurityError(message string) *ScriptError {
	return &ScriptError{Type: ErrorTypeSecurity, Message: message}
}

// NewSyntaxError creates a syntax error
func NewSyntaxError(message string) *ScriptError {
	return &ScriptError{Type: ErrorTypeSyntax, Message: message}
}

// parseException converts a goja exception into a ScriptError.
func parseException(exc *goja.Exception) *ScriptError {
	if exc == nil {
		return &ScriptError{Type: ErrorTypeInternal, Message: "unknown error"}
	}

	se := &ScriptError{Type: ErrorTypeRuntime, Message: exc.Error()}
	if v := exc.Value(); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if obj, ok := v.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				name := "Error"
				if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
					name = n.String()
				}
				se.Message = name + ": " + msg.String()
			}
		} else {
			se.Message = v.ToString().String()
		}
	}
	if frames := exc.Stack(); len(frames) > 0 {
		pos := frames[0].Position()
		se.Line, se.Column = pos.Line, pos.Column
	}

	lower := strings.ToLower(se.Message)
	switch {
	case strings.Contains(lower, "syntaxerror"):
		se.Type = ErrorTypeSyntax
	case strings.Contains(lower, "not allowed"), strings.Contains(lower, "forbidden"):
		se.Type = ErrorTypeSecurity
	}
	return se
}

// goError returns the Go error thrown into the script with vm.NewGoError,
// or nil when the exception originated in script code.
func goError(exc *goja.Exception) error {
	obj, ok := exc.Value().(*goja.Object)
	if !ok {
		return nil
	}
	v := obj.Get("value")
	if v == nil {
		return nil
	}
	err, _ := v.Export().(error)
	return err
}

// translate maps a failure from running an expression to the engine's error
// kinds. Missing keys become KeyNotFoundError; everything else becomes an
// EvaluationError naming the owner and template.
func (e *Engine) translate(owner, tmpl string, err error) error {
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		return cerrors.NewEvaluationError(owner, tmpl, &ScriptError{
			Type:    ErrorTypeTimeout,
			Message: fmt.Sprintf("evaluation exceeded %s", e.config.Timeout),
		})
	}

	var exc *goja.Exception
	if !stderrors.As(err, &exc) {
		return cerrors.NewEvaluationError(owner, tmpl, err)
	}

	cause := goError(exc)
	if cause == nil {
		return cerrors.NewEvaluationError(owner, tmpl, parseException(exc))
	}
	var knf *cerrors.KeyNotFoundError
	if stderrors.As(cause, &knf) {
		out := cerrors.NewKeyNotFoundError(knf.Key)
		out.URN, out.Template = owner, tmpl
		return out
	}
	return cerrors.NewEvaluationError(owner, tmpl, cause)
}
