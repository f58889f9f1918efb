package builtins

import (
	"strconv"

	"jsvm/pkg/vm"
)

type ArrayInitializer struct{}

func (a *ArrayInitializer) Name() string {
	return "Array"
}

func (a *ArrayInitializer) Priority() int {
	return PriorityArray
}

func (a *ArrayInitializer) InitRuntime(ctx *RuntimeContext) error {
	ctx.VM.DefineMethod(ctx.Realm.ArrayPrototype, "push", arrayPush)
	return nil
}

// arrayPush appends its arguments and returns the new length. Receivers
// that are not arrays are treated as array-likes through their length
// property.
func arrayPush(call *vm.NativeCall) (vm.Value, error) {
	machine := call.VM
	if n, ok := machine.ArrayPush(call.This, call.Args...); ok {
		return vm.NumberValue(float64(n)), nil
	}
	if call.This.IsNullish() {
		return vm.Undefined, machine.ThrowTypeError("Array.prototype.push called on null or undefined")
	}
	lv, err := machine.Get(call.This, "length")
	if err != nil {
		return vm.Undefined, err
	}
	length, err := machine.ToNumber(lv)
	if err != nil {
		return vm.Undefined, err
	}
	var n int64
	if length > 0 {
		n = int64(length)
	}
	for _, v := range call.Args {
		if err := machine.Set(call.This, strconv.FormatInt(n, 10), v); err != nil {
			return vm.Undefined, err
		}
		n++
	}
	if err := machine.Set(call.This, "length", vm.NumberValue(float64(n))); err != nil {
		return vm.Undefined, err
	}
	return vm.NumberValue(float64(n)), nil
}
