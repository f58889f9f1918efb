package builtins

import (
	"jsvm/pkg/errors"
	"jsvm/pkg/vm"
)

type ObjectInitializer struct{}

func (o *ObjectInitializer) Name() string {
	return "Object"
}

func (o *ObjectInitializer) Priority() int {
	return PriorityObject
}

func (o *ObjectInitializer) InitRuntime(ctx *RuntimeContext) error {
	ctor, ok := ctx.VM.Global("Object")
	if !ok {
		return errors.NewFatal("Object constructor missing from the global environment")
	}
	ctx.VM.DefineMethod(ctor, "getPrototypeOf", objectGetPrototypeOf)
	return nil
}

// objectGetPrototypeOf returns the prototype link of its argument.
// Primitives report the prototype of their wrapper type.
func objectGetPrototypeOf(call *vm.NativeCall) (vm.Value, error) {
	v := call.Arg(0)
	r := call.VM.Realm()
	h := call.VM.Heap()
	switch {
	case v.IsNullish():
		return vm.Undefined, call.VM.ThrowTypeError("Cannot convert undefined or null to object")
	case v.IsNumber():
		return r.NumberPrototype, nil
	case v.IsBoolean():
		return r.BooleanPrototype, nil
	case h.IsString(v):
		return r.StringPrototype, nil
	}
	if o, ok := h.ObjectOf(v); ok {
		return o.Prototype(), nil
	}
	return vm.Null, nil
}
