package vm

import (
	"strconv"
	"strings"
)

const inspectDepth = 2

// Display renders v for humans without calling into script code. Strings
// at top level print raw, nested ones quoted.
func (vm *VM) Display(v Value) string {
	return vm.inspect(v, false)
}

// safeDisplay is Display hardened against fatal panics from dangling values,
// used when reporting an exception that is already escaping.
func (vm *VM) safeDisplay(v Value) (s string) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(fatalPanic); !ok {
				panic(r)
			}
			s = v.GoString()
		}
	}()
	return vm.Display(v)
}

// describe names a value in error messages.
func (vm *VM) describe(v Value) (string, bool) {
	if v.typ != TypeRef {
		return v.GoString(), true
	}
	return vm.inspect(v, true), true
}

func (vm *VM) inspect(v Value, nested bool) string {
	var b strings.Builder
	vm.writeValue(&b, v, nested, 0, map[Ref]bool{})
	return b.String()
}

func (vm *VM) writeValue(b *strings.Builder, v Value, nested bool, depth int, seen map[Ref]bool) {
	if v.typ != TypeRef {
		b.WriteString(v.GoString())
		return
	}
	h := vm.heap
	c := h.cell(v.ref)
	switch c.class {
	case ClassString:
		if nested {
			b.WriteString(strconv.Quote(c.str))
		} else {
			b.WriteString(c.str)
		}
		return
	case ClassEnvironment, ClassFree:
		b.WriteString("<" + c.class.String() + ">")
		return
	}
	o := c.obj
	if o.class == ClassFunction {
		if o.fn.name == "" {
			b.WriteString("[Function (anonymous)]")
		} else {
			b.WriteString("[Function: " + o.fn.name + "]")
		}
		return
	}
	if vm.isError(o) {
		name, _, _ := h.lookup(o, "name", vm.opts.MaxPrototypeDepth)
		msg, _, _ := h.lookup(o, "message", vm.opts.MaxPrototypeDepth)
		ns, _ := h.StringOf(name)
		ms, _ := h.StringOf(msg)
		if ms == "" {
			b.WriteString(ns)
		} else {
			b.WriteString(ns + ": " + ms)
		}
		return
	}
	if seen[v.ref] {
		b.WriteString("[Circular]")
		return
	}
	if depth > inspectDepth {
		if o.class == ClassArray {
			b.WriteString("[Array]")
		} else {
			b.WriteString("[Object]")
		}
		return
	}
	seen[v.ref] = true
	defer delete(seen, v.ref)
	if o.class == ClassArray {
		if o.length == 0 {
			b.WriteString("[]")
			return
		}
		b.WriteString("[ ")
		for i := uint32(0); i < o.length; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			e, _ := o.getIndex(i)
			vm.writeValue(b, e, true, depth+1, seen)
		}
		b.WriteString(" ]")
		return
	}
	keys := o.shape.keys
	if len(keys) == 0 {
		b.WriteString("{}")
		return
	}
	b.WriteString("{ ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k + ": ")
		vm.writeValue(b, o.values[i], true, depth+1, seen)
	}
	b.WriteString(" }")
}

// isError reports whether o inherits from Error.prototype.
func (vm *VM) isError(o *Object) bool {
	base := vm.realm.errorProtos[PlainError]
	p := o.proto
	for depth := 0; p.typ == TypeRef && depth <= vm.opts.MaxPrototypeDepth; depth++ {
		if p.ref == base.ref {
			return true
		}
		p = vm.heap.mustObject(p.ref).proto
	}
	return false
}
