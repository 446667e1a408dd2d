package expr

import (
	"fmt"

	"github.com/dop251/goja"
)

// Sandbox applies the restrictions of a security level to a runtime.
type Sandbox struct {
	securityLevel string
	maxStackDepth int
}

// NewSandbox creates a new sandbox with the given configuration
func NewSandbox(config *Config) *Sandbox {
	return &Sandbox{
		securityLevel: config.SecurityLevel,
		maxStackDepth: config.MaxStackDepth,
	}
}

// Apply applies sandbox restrictions to a VM runtime
func (s *Sandbox) Apply(vm *goja.Runtime) error {
	vm.SetMaxCallStackSize(s.maxStackDepth)

	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return nil
}

// removeDangerousGlobals removes or restricts dangerous global objects
func (s *Sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"Buffer",
		"setTimeout",
		"setInterval",
		"setImmediate",
	}

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		return s.restrictEval(vm)
	}
	return nil
}

// restrictEval replaces eval and the Function constructor with throwing stubs.
func (s *Sandbox) restrictEval(vm *goja.Runtime) error {
	for _, name := range []string{"eval", "Function"} {
		msg := name + " is not allowed in strict security mode"
		stub := func(goja.FunctionCall) goja.Value {
			panic(vm.NewGoError(NewSecurityError(msg)))
		}
		if err := vm.Set(name, stub); err != nil {
			return fmt.Errorf("failed to restrict %s: %w", name, err)
		}
	}
	return nil
}

// freezeBuiltins freezes built-in objects so expressions cannot alter the
// environment seen by later evaluations.
func (s *Sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}

	val, err := vm.RunString(`
		(function(obj) {
			if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
				Object.freeze(obj);
				if (obj.prototype) {
					Object.freeze(obj.prototype);
				}
			}
		})
	`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	builtins := []string{
		"Object", "Array", "String", "Number", "Boolean",
		"Date", "RegExp", "Error", "Math", "JSON",
	}
	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}
	return nil
}
