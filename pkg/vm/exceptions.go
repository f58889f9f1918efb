package vm

import (
	"fmt"

	"jsvm/pkg/errors"
)

// ErrorKind selects the prototype of engine-raised script errors.
type ErrorKind uint8

const (
	PlainError ErrorKind = iota
	TypeError
	ReferenceError
	RangeError
)

func (k ErrorKind) String() string {
	switch k {
	case TypeError:
		return "TypeError"
	case ReferenceError:
		return "ReferenceError"
	case RangeError:
		return "RangeError"
	}
	return "Error"
}

// Exception is a script-level throw in flight. Stack is the call-frame
// chain active at the throw, innermost first.
type Exception struct {
	Value    Value
	Stack    []errors.StackFrame
	rendered string
}

func (e *Exception) Error() string {
	if e.rendered != "" {
		return "uncaught exception: " + e.rendered
	}
	return "uncaught exception: " + e.Value.GoString()
}

// Rendered returns the string form of the thrown value, filled in when the
// exception escaped to the embedder.
func (e *Exception) Rendered() string { return e.rendered }

// Uncaught converts the exception into the embedder-facing report.
func (e *Exception) Uncaught() *errors.UncaughtError {
	return &errors.UncaughtError{Thrown: e.Value, Rendered: e.rendered, Stack: e.Stack}
}

// Throw starts propagation of v as a script exception. Natives return the
// result as their error.
func (vm *VM) Throw(v Value) error {
	return &Exception{Value: v, Stack: vm.captureStack()}
}

// throwError creates an error object of the given kind and throws it.
func (vm *VM) throwError(kind ErrorKind, format string, args ...interface{}) error {
	return vm.Throw(vm.NewError(kind, fmt.Sprintf(format, args...)))
}

// ThrowTypeError is a convenience for natives.
func (vm *VM) ThrowTypeError(format string, args ...interface{}) error {
	return vm.throwError(TypeError, format, args...)
}

// NewError allocates an error object with the given message.
func (vm *VM) NewError(kind ErrorKind, msg string) Value {
	e := vm.heap.NewObject(vm.realm.errorProtos[kind])
	vm.heap.DefineOwn(e, "message", vm.heap.NewString(msg))
	return e
}

func (vm *VM) captureStack() []errors.StackFrame {
	stack := make([]errors.StackFrame, 0, vm.fc)
	for i := vm.fc - 1; i >= 0; i-- {
		fr := &vm.frames[i]
		name := "<main>"
		if fr.proto != nil && fr.proto.Name != "" {
			name = fr.proto.Name
		}
		stack = append(stack, errors.StackFrame{
			Function: name,
			Line:     fr.chunk.GetLine(fr.pc),
			Offset:   fr.pc,
		})
	}
	return stack
}

// unwind looks for a handler covering the faulting instruction, first in
// the current frame, then in its callers down to (not including) frame
// index stopAt. It reports whether a handler took over.
func (vm *VM) unwind(exc *Exception, stopAt int) bool {
	if vm.rec != nil {
		vm.jit.abortRecording(vm, "exception")
	}
	for vm.fc > stopAt {
		fr := &vm.frames[vm.fc-1]
		if h := fr.chunk.handlerFor(fr.pc); h != nil {
			vm.sp = fr.bottom + h.StackDepth
			for fr.scopes > h.ScopeDepth {
				fr.env = vm.heap.Environment(fr.env).parent
				fr.scopes--
			}
			vm.push(exc.Value)
			fr.ip = h.HandlerPC
			tracer().Debugf("exception caught in %s at %04d", fr.name(), h.HandlerPC)
			return true
		}
		vm.sp = fr.bottom
		vm.fc--
	}
	return false
}
