package script

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Security levels
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// sandbox applies security restrictions to a VM runtime
type sandbox struct {
	securityLevel string
	logger        *zap.Logger
}

// apply removes host globals, freezes built-ins and installs console
func (s *sandbox) apply(vm *goja.Runtime) error {
	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	if err := s.installConsole(vm); err != nil {
		return fmt.Errorf("failed to install console: %w", err)
	}
	return nil
}

func (s *sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"__dirname",
		"__filename",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	}

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		restrictedEval := func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict security mode"))
		}
		if err := vm.Set("eval", restrictedEval); err != nil {
			return err
		}
	}

	return nil
}

func (s *sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}

	builtins := []string{
		"Object",
		"Array",
		"Function",
		"String",
		"Number",
		"Boolean",
		"Date",
		"RegExp",
		"Error",
		"Math",
		"JSON",
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

	freezeFn, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		// a built-in that refuses to freeze is left as is
		_, _ = freezeFn(goja.Undefined(), obj)
	}

	return nil
}

// installConsole routes console.log and console.error to the logger
func (s *sandbox) installConsole(vm *goja.Runtime) error {
	console := vm.NewObject()

	logAt := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			level("script console", zap.Any("args", args))
			return goja.Undefined()
		}
	}

	if err := console.Set("log", logAt(s.logger.Debug)); err != nil {
		return err
	}
	if err := console.Set("error", logAt(s.logger.Warn)); err != nil {
		return err
	}
	return vm.Set("console", console)
}
