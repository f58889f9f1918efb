package builtins

import (
	"jsvm/pkg/vm"
)

type FunctionInitializer struct{}

func (f *FunctionInitializer) Name() string {
	return "Function"
}

func (f *FunctionInitializer) Priority() int {
	return PriorityFunction
}

func (f *FunctionInitializer) InitRuntime(ctx *RuntimeContext) error {
	proto := ctx.Realm.FunctionPrototype
	ctx.VM.DefineMethod(proto, "call", functionCall)
	ctx.VM.DefineMethod(proto, "apply", functionApply)
	return nil
}

// functionCall implements fn.call(thisArg, ...args).
func functionCall(call *vm.NativeCall) (vm.Value, error) {
	var args []vm.Value
	if len(call.Args) > 1 {
		args = call.Args[1:]
	}
	return call.VM.Call(call.This, call.Arg(0), args...)
}

// functionApply implements fn.apply(thisArg, argsArray).
func functionApply(call *vm.NativeCall) (vm.Value, error) {
	list := call.Arg(1)
	if list.IsNullish() {
		return call.VM.Call(call.This, call.Arg(0))
	}
	args, ok := call.VM.ArrayValues(list)
	if !ok {
		return vm.Undefined, call.VM.ThrowTypeError("CreateListFromArrayLike called on non-array")
	}
	return call.VM.Call(call.This, call.Arg(0), args...)
}
