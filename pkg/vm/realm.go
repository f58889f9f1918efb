package vm

import "strings"

// Realm holds the intrinsic prototypes every script shares. They are GC
// roots for the lifetime of the VM.
type Realm struct {
	ObjectPrototype   Value
	FunctionPrototype Value
	ArrayPrototype    Value
	StringPrototype   Value
	NumberPrototype   Value
	BooleanPrototype  Value

	errorProtos [4]Value
}

// ErrorPrototype returns the prototype used for errors of kind k.
func (r *Realm) ErrorPrototype(k ErrorKind) Value { return r.errorProtos[k] }

func (r *Realm) roots() []Value {
	rs := []Value{r.ObjectPrototype, r.FunctionPrototype, r.ArrayPrototype,
		r.StringPrototype, r.NumberPrototype, r.BooleanPrototype}
	return append(rs, r.errorProtos[:]...)
}

// initRealm creates the intrinsic prototypes, their core methods and the
// constructor globals. Library functions beyond what coercion and error
// reporting need are installed by package builtins.
func (vm *VM) initRealm() {
	h := vm.heap
	r := &vm.realm
	r.ObjectPrototype = h.NewObject(Null)
	r.FunctionPrototype = h.newFunction(r.ObjectPrototype, &funcData{name: "", native: func(*NativeCall) (Value, error) {
		return Undefined, nil
	}})
	r.ArrayPrototype = h.NewArray(r.ObjectPrototype, nil)
	r.StringPrototype = h.NewObject(r.ObjectPrototype)
	r.NumberPrototype = h.NewObject(r.ObjectPrototype)
	r.BooleanPrototype = h.NewObject(r.ObjectPrototype)

	vm.DefineMethod(r.ObjectPrototype, "toString", objectToString)
	vm.DefineMethod(r.ObjectPrototype, "valueOf", func(c *NativeCall) (Value, error) {
		return c.This, nil
	})
	vm.DefineMethod(r.ObjectPrototype, "hasOwnProperty", objectHasOwnProperty)
	vm.DefineMethod(r.FunctionPrototype, "toString", functionToString)
	vm.DefineMethod(r.ArrayPrototype, "toString", arrayJoin)
	vm.DefineMethod(r.ArrayPrototype, "join", arrayJoin)
	vm.DefineMethod(r.StringPrototype, "toString", func(c *NativeCall) (Value, error) {
		return c.VM.toStringValue(c.This)
	})
	vm.DefineMethod(r.NumberPrototype, "toString", func(c *NativeCall) (Value, error) {
		return c.VM.toStringValue(c.This)
	})
	vm.DefineMethod(r.BooleanPrototype, "toString", func(c *NativeCall) (Value, error) {
		return c.VM.toStringValue(c.This)
	})

	vm.defineConstructor("Object", r.ObjectPrototype, func(c *NativeCall) (Value, error) {
		if a := c.Arg(0); c.VM.heap.isObject(a) {
			return a, nil
		}
		return c.VM.heap.NewObject(c.VM.realm.ObjectPrototype), nil
	})
	vm.defineConstructor("Array", r.ArrayPrototype, func(c *NativeCall) (Value, error) {
		if len(c.Args) == 1 && c.Args[0].IsNumber() {
			n, ok := numberIndex(c.Args[0].num)
			if !ok {
				return Undefined, c.VM.throwError(RangeError, "Invalid array length")
			}
			arr := c.VM.NewArray(nil)
			c.VM.heap.mustObject(arr.ref).setLength(n)
			return arr, nil
		}
		return c.VM.NewArray(c.Args), nil
	})

	errorProto := h.NewObject(r.ObjectPrototype)
	for k := PlainError; k <= RangeError; k++ {
		p := errorProto
		if k != PlainError {
			p = h.NewObject(errorProto)
		}
		h.DefineOwn(p, "name", h.NewString(k.String()))
		h.DefineOwn(p, "message", h.NewString(""))
		r.errorProtos[k] = p
		kind := k
		vm.defineConstructor(k.String(), p, func(c *NativeCall) (Value, error) {
			msg := ""
			if a := c.Arg(0); !a.IsUndefined() {
				s, err := c.VM.ToString(a)
				if err != nil {
					return Undefined, err
				}
				msg = s
			}
			return c.VM.NewError(kind, msg), nil
		})
	}
	vm.DefineMethod(errorProto, "toString", errorToString)
}

// defineConstructor binds a native constructor global wired to proto.
func (vm *VM) defineConstructor(name string, proto Value, fn NativeFunction) Value {
	ctor := vm.NewNative(name, fn)
	vm.heap.DefineOwn(ctor, "prototype", proto)
	vm.heap.DefineOwn(proto, "constructor", ctor)
	vm.DefineGlobal(name, ctor)
	return ctor
}

// DefineMethod installs a native function as a property of target.
func (vm *VM) DefineMethod(target Value, name string, fn NativeFunction) Value {
	f := vm.NewNative(name, fn)
	vm.heap.DefineOwn(target, name, f)
	return f
}

func objectToString(c *NativeCall) (Value, error) {
	tag := "Object"
	switch {
	case c.This.IsUndefined():
		tag = "Undefined"
	case c.This.IsNull():
		tag = "Null"
	default:
		switch c.VM.heap.Class(c.This) {
		case ClassArray:
			tag = "Array"
		case ClassFunction:
			tag = "Function"
		case ClassString:
			tag = "String"
		}
	}
	return c.VM.NewString("[object " + tag + "]"), nil
}

func objectHasOwnProperty(c *NativeCall) (Value, error) {
	key, err := c.VM.ToString(c.Arg(0))
	if err != nil {
		return Undefined, err
	}
	_, ok := c.VM.heap.GetOwn(c.This, key)
	return BooleanValue(ok), nil
}

func functionToString(c *NativeCall) (Value, error) {
	o, ok := c.VM.heap.ObjectOf(c.This)
	if !ok || o.fn == nil {
		return Undefined, c.VM.ThrowTypeError("Function.prototype.toString requires that 'this' be a Function")
	}
	if o.fn.native != nil {
		return c.VM.NewString("function " + o.fn.name + "() { [native code] }"), nil
	}
	return c.VM.NewString("function " + o.fn.name + "() { [bytecode] }"), nil
}

func arrayJoin(c *NativeCall) (Value, error) {
	vm := c.VM
	o, ok := vm.heap.ObjectOf(c.This)
	if !ok {
		return vm.NewString(""), nil
	}
	sep := ","
	if a := c.Arg(0); !a.IsUndefined() {
		s, err := vm.ToString(a)
		if err != nil {
			return Undefined, err
		}
		sep = s
	}
	if vm.joining[c.This.ref] {
		return vm.NewString(""), nil
	}
	vm.joining[c.This.ref] = true
	defer delete(vm.joining, c.This.ref)
	parts := make([]string, o.Length())
	for i := range parts {
		v, _ := o.getIndex(uint32(i))
		if v.IsNullish() {
			continue
		}
		s, err := vm.ToString(v)
		if err != nil {
			return Undefined, err
		}
		parts[i] = s
	}
	return vm.NewString(strings.Join(parts, sep)), nil
}

func errorToString(c *NativeCall) (Value, error) {
	vm := c.VM
	name, msg := "Error", ""
	if v, err := vm.getProp(c.This, "name"); err != nil {
		return Undefined, err
	} else if !v.IsUndefined() {
		if name, err = vm.ToString(v); err != nil {
			return Undefined, err
		}
	}
	if v, err := vm.getProp(c.This, "message"); err != nil {
		return Undefined, err
	} else if !v.IsUndefined() {
		if msg, err = vm.ToString(v); err != nil {
			return Undefined, err
		}
	}
	switch {
	case msg == "":
		return vm.NewString(name), nil
	case name == "":
		return vm.NewString(msg), nil
	}
	return vm.NewString(name + ": " + msg), nil
}
