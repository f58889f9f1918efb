package vm

import (
	"fmt"
	"unicode/utf16"

	"jsvm/pkg/errors"
)

func (vm *VM) prototypeOverflow(key string) error {
	return &errors.StackOverflowError{
		Position: errors.NoPosition,
		Msg:      fmt.Sprintf("prototype chain longer than %d links while looking up %q", vm.opts.MaxPrototypeDepth, key),
	}
}

// lookupIn searches o and its prototype chain.
func (vm *VM) lookupIn(o *Object, key string) (Value, error) {
	v, _, exceeded := vm.heap.lookup(o, key, vm.opts.MaxPrototypeDepth)
	if exceeded {
		return Undefined, vm.prototypeOverflow(key)
	}
	return v, nil
}

func (vm *VM) lookupFrom(proto Value, key string) (Value, error) {
	return vm.lookupIn(vm.heap.mustObject(proto.ref), key)
}

// charAt returns the UTF-16 code unit at idx as a string.
func charAt(s string, idx uint32) (string, bool) {
	units := utf16.Encode([]rune(s))
	if idx >= uint32(len(units)) {
		return "", false
	}
	return string(utf16.Decode(units[idx : idx+1])), true
}

// getProp implements property read on any value.
func (vm *VM) getProp(v Value, key string) (Value, error) {
	switch v.typ {
	case TypeUndefined, TypeNull:
		return Undefined, vm.throwError(TypeError, "Cannot read property '%s' of %s", key, v.GoString())
	case TypeBoolean:
		return vm.lookupFrom(vm.realm.BooleanPrototype, key)
	case TypeNumber:
		return vm.lookupFrom(vm.realm.NumberPrototype, key)
	}
	c := vm.heap.cell(v.ref)
	switch c.class {
	case ClassString:
		s := c.str
		if key == "length" {
			return NumberValue(float64(stringLength(s))), nil
		}
		if idx, ok := arrayIndex(key); ok {
			if ch, ok := charAt(s, idx); ok {
				return vm.heap.NewString(ch), nil
			}
			return Undefined, nil
		}
		return vm.lookupFrom(vm.realm.StringPrototype, key)
	case ClassObject, ClassArray, ClassFunction:
		o := c.obj
		if key == ProtoKey {
			return o.proto, nil
		}
		if o.class == ClassFunction && key == "prototype" {
			return vm.prototypeOf(v)
		}
		return vm.lookupIn(o, key)
	}
	panic(fatalf("property read on %s cell", c.class))
}

// setProp implements assignment to a property. Writes to primitives are
// silently dropped.
func (vm *VM) setProp(target Value, key string, v Value) error {
	switch target.typ {
	case TypeUndefined, TypeNull:
		return vm.throwError(TypeError, "Cannot set property '%s' of %s", key, target.GoString())
	case TypeBoolean, TypeNumber:
		return nil
	}
	c := vm.heap.cell(target.ref)
	if c.obj == nil {
		return nil
	}
	if key == ProtoKey {
		if v.typ == TypeNull || vm.heap.isObject(v) {
			c.obj.proto = v
		}
		return nil
	}
	vm.heap.setOwn(c.obj, key, v)
	return nil
}

// propertyKey converts a computed key to its string form.
func (vm *VM) propertyKey(key Value) (string, error) {
	if key.typ == TypeNumber {
		return formatNumber(key.num), nil
	}
	return vm.ToString(key)
}

// denseArray returns the array record behind obj when key is an integral
// index.
func (vm *VM) denseArray(obj, key Value) (*Object, uint32, bool) {
	if key.typ != TypeNumber || obj.typ != TypeRef {
		return nil, 0, false
	}
	c := vm.heap.cell(obj.ref)
	if c.class != ClassArray {
		return nil, 0, false
	}
	idx, ok := numberIndex(key.num)
	return c.obj, idx, ok
}

func (vm *VM) getElem(obj, key Value) (Value, error) {
	if o, idx, ok := vm.denseArray(obj, key); ok {
		if v, ok := o.getIndex(idx); ok {
			return v, nil
		}
	}
	k, err := vm.propertyKey(key)
	if err != nil {
		return Undefined, err
	}
	return vm.getProp(obj, k)
}

func (vm *VM) setElem(obj, key, v Value) error {
	if o, idx, ok := vm.denseArray(obj, key); ok {
		o.setIndex(idx, v)
		return nil
	}
	k, err := vm.propertyKey(key)
	if err != nil {
		return err
	}
	return vm.setProp(obj, k, v)
}

func (vm *VM) deleteProp(target Value, key string) (bool, error) {
	if target.IsNullish() {
		return false, vm.throwError(TypeError, "Cannot convert %s to object", target.GoString())
	}
	o, ok := vm.heap.ObjectOf(target)
	if !ok {
		return true, nil
	}
	if key == ProtoKey {
		return false, nil
	}
	vm.heap.deleteOwn(o, key)
	return true, nil
}

// hasProperty implements the `in` operator.
func (vm *VM) hasProperty(obj Value, key string) (bool, error) {
	o, ok := vm.heap.ObjectOf(obj)
	if !ok {
		desc := vm.inspect(obj, true)
		return false, vm.throwError(TypeError, "Cannot use 'in' operator to search for '%s' in %s", key, desc)
	}
	found, exceeded := vm.heap.hasProperty(o, key, vm.opts.MaxPrototypeDepth)
	if exceeded {
		return false, vm.prototypeOverflow(key)
	}
	return found, nil
}

// instanceOf implements the instanceof operator.
func (vm *VM) instanceOf(v, ctor Value) (bool, error) {
	if vm.heap.Class(ctor) != ClassFunction {
		return false, vm.throwError(TypeError, "Right-hand side of 'instanceof' is not callable")
	}
	o, ok := vm.heap.ObjectOf(v)
	if !ok {
		return false, nil
	}
	proto, err := vm.getProp(ctor, "prototype")
	if err != nil {
		return false, err
	}
	if !vm.heap.isObject(proto) {
		return false, vm.throwError(TypeError, "Function has non-object prototype in instanceof check")
	}
	for depth := 0; o.proto.typ == TypeRef; depth++ {
		if depth > vm.opts.MaxPrototypeDepth {
			return false, vm.prototypeOverflow("prototype")
		}
		if o.proto.ref == proto.ref {
			return true, nil
		}
		o = vm.heap.mustObject(o.proto.ref)
	}
	return false, nil
}
