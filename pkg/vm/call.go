package vm

import "jsvm/pkg/errors"

// NativeFunction is the invocation contract for host-supplied callables.
// Returning an *Exception (see VM.Throw) raises a script exception; any other
// error aborts the evaluation.
type NativeFunction func(c *NativeCall) (Value, error)

// NativeCall is what a native receives: the execution context, the
// receiver, the ordered arguments and the caller's environment.
type NativeCall struct {
	VM        *VM
	This      Value
	Args      []Value
	Env       Ref
	Callee    Value
	Construct bool
}

// Arg returns argument i, or Undefined when absent.
func (c *NativeCall) Arg(i int) Value {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return Undefined
}

// NewNative wraps fn as a function object.
func (vm *VM) NewNative(name string, fn NativeFunction) Value {
	return vm.heap.newFunction(vm.realm.FunctionPrototype, &funcData{name: name, native: fn})
}

// newClosure creates an interpreted function capturing env.
func (vm *VM) newClosure(fp *FunctionProto, env Ref) Value {
	return vm.heap.newFunction(vm.realm.FunctionPrototype, &funcData{name: fp.Name, proto: fp, env: env})
}

// prototypeOf returns fn.prototype, creating it on first use for
// interpreted functions.
func (vm *VM) prototypeOf(fn Value) (Value, error) {
	o := vm.heap.mustObject(fn.ref)
	if v, ok := o.getOwn("prototype"); ok {
		return v, nil
	}
	if o.fn.proto == nil {
		return Undefined, nil
	}
	p := vm.heap.NewObject(vm.realm.ObjectPrototype)
	vm.heap.setOwn(vm.heap.mustObject(p.ref), "constructor", fn)
	vm.heap.setOwn(o, "prototype", p)
	return p, nil
}

// callInfo describes a pending call on the operand stack.
type callInfo struct {
	callee    int // stack index of the function value
	argc      int
	this      Value
	cleanup   int // stack height to restore when the call completes
	construct bool
}

// invoke performs a call whose callee and arguments are on the stack. Native
// callees run to completion and leave their result on the stack. For
// interpreted callees a frame is pushed and pushed is true; the caller's
// dispatch loop continues in the new frame.
func (vm *VM) invoke(ci callInfo) (pushed bool, err error) {
	fn := vm.stack[ci.callee]
	o, ok := vm.heap.ObjectOf(fn)
	if !ok || o.fn == nil {
		desc, _ := vm.describe(fn)
		return false, vm.throwError(TypeError, "%s is not a function", desc)
	}
	args := vm.stack[ci.callee+1 : ci.callee+1+ci.argc]
	this := ci.this
	if ci.construct {
		proto, err := vm.prototypeOf(fn)
		if err != nil {
			return false, err
		}
		if !vm.heap.isObject(proto) {
			proto = vm.realm.ObjectPrototype
		}
		this = vm.heap.NewObject(proto)
	}
	if fd := o.fn; fd.native != nil {
		call := &NativeCall{
			VM:        vm,
			This:      this,
			Args:      append([]Value(nil), args...),
			Callee:    fn,
			Construct: ci.construct,
		}
		if vm.fc > 0 {
			call.Env = vm.frames[vm.fc-1].env
		}
		if ci.construct {
			// the fresh receiver is referenced from Go only
			vm.Retain(this)
		}
		res, err := fd.native(call)
		if ci.construct {
			vm.Release(this)
		}
		if err != nil {
			vm.sp = ci.cleanup
			return false, err
		}
		if ci.construct && !vm.heap.isObject(res) {
			res = this
		}
		vm.sp = ci.cleanup
		vm.push(res)
		return false, nil
	}
	if vm.fc >= len(vm.frames) {
		return false, &errors.StackOverflowError{Position: errors.NoPosition, Msg: "maximum call depth exceeded"}
	}
	if c := o.fn.proto.Chunk; !c.verified {
		if err := c.Verify(o.fn.proto.Name); err != nil {
			return false, err
		}
	}
	env := vm.activation(o.fn.proto, o.fn.env, this, args)
	vm.sp = ci.cleanup
	vm.pushFrame(frame{
		fn:        fn,
		proto:     o.fn.proto,
		chunk:     o.fn.proto.Chunk,
		env:       env,
		bottom:    ci.cleanup,
		construct: ci.construct,
		this:      this,
	})
	return true, nil
}

// Call invokes fn with the given receiver and arguments and runs it to
// completion. It is re-entrant: natives use it to call back into scripts.
func (vm *VM) Call(fn Value, this Value, args ...Value) (result Value, err error) {
	if vm.depth == 0 {
		defer vm.recoverFatal(&err)
	}
	vm.depth++
	defer func() { vm.depth-- }()
	if vm.depth > vm.opts.MaxFrames {
		return Undefined, &errors.StackOverflowError{Position: errors.NoPosition, Msg: "maximum native call depth exceeded"}
	}
	base := vm.sp
	vm.push(fn)
	for _, a := range args {
		vm.push(a)
	}
	stop := vm.fc
	pushed, err := vm.invoke(callInfo{callee: base, argc: len(args), this: this, cleanup: base})
	if err == nil && pushed {
		result, err = vm.runNested(stop)
	} else if err == nil {
		result = vm.pop()
	}
	if err != nil {
		vm.abandon(stop, base)
		return Undefined, err
	}
	return result, nil
}

// Construct runs fn as a constructor, as the `new` operator does.
func (vm *VM) Construct(fn Value, args ...Value) (result Value, err error) {
	if vm.depth == 0 {
		defer vm.recoverFatal(&err)
	}
	vm.depth++
	defer func() { vm.depth-- }()
	base := vm.sp
	vm.push(fn)
	for _, a := range args {
		vm.push(a)
	}
	stop := vm.fc
	pushed, err := vm.invoke(callInfo{callee: base, argc: len(args), cleanup: base, construct: true})
	if err == nil && pushed {
		result, err = vm.runNested(stop)
	} else if err == nil {
		result = vm.pop()
	}
	if err != nil {
		vm.abandon(stop, base)
		return Undefined, err
	}
	return result, nil
}

// abandon drops the frames and operands a failed host entry left above
// frame index stop and stack height base.
func (vm *VM) abandon(stop, base int) {
	if vm.rec != nil && vm.rec.frameIdx >= stop {
		vm.jit.abortRecording(vm, "call failed")
	}
	for vm.fc > stop {
		vm.fc--
		vm.frames[vm.fc] = frame{}
	}
	for i := base; i < vm.sp; i++ {
		vm.stack[i] = Undefined
	}
	if vm.sp > base {
		vm.sp = base
	}
}

// runNested runs the dispatch loop for an entry point. The outermost entry
// renders escaping exceptions and clears state after fatal errors.
func (vm *VM) runNested(stop int) (Value, error) {
	res, err := vm.run(stop)
	if err != nil && vm.depth == 1 {
		if exc, ok := err.(*Exception); ok {
			exc.rendered = vm.safeDisplay(exc.Value)
		} else {
			vm.reset()
		}
	}
	return res, err
}
