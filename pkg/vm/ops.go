package vm

// step executes one non-control-flow instruction of frame fr. Operands that
// a coercion might need across a call back into script code stay on the
// operand stack until the result is known, so a collection triggered by
// that call still sees them.
func (vm *VM) step(fr *frame, in instr) error {
	h := vm.heap
	switch in.op {
	case OpUndefined:
		vm.push(Undefined)
	case OpNull:
		vm.push(Null)
	case OpTrue:
		vm.push(True)
	case OpFalse:
		vm.push(False)
	case OpConst:
		vm.push(fr.consts[in.a])
	case OpInt:
		vm.push(NumberValue(float64(in.a)))

	case OpDup:
		vm.push(vm.peek(0))
	case OpDup2:
		a, b := vm.peek(1), vm.peek(0)
		vm.push(a)
		vm.push(b)
	case OpPop:
		vm.pop()
	case OpSwap:
		vm.stack[vm.sp-1], vm.stack[vm.sp-2] = vm.stack[vm.sp-2], vm.stack[vm.sp-1]

	case OpAdd:
		return vm.opAdd()
	case OpSub, OpMul, OpDiv, OpRem, OpBitAnd, OpBitOr, OpBitXor, OpShl, OpShr, OpUShr:
		return vm.opArith(in.op)
	case OpNeg, OpPos, OpBitNot:
		n, err := vm.ToNumber(vm.peek(0))
		if err != nil {
			return err
		}
		switch in.op {
		case OpNeg:
			n = -n
		case OpBitNot:
			n = float64(^toInt32(n))
		}
		vm.replace(1, NumberValue(n))
	case OpNot:
		vm.replace(1, BooleanValue(!h.toBoolean(vm.peek(0))))
	case OpTypeof:
		vm.replace(1, h.NewString(h.TypeOf(vm.peek(0))))

	case OpEq, OpNe:
		eq, err := vm.LooseEquals(vm.peek(1), vm.peek(0))
		if err != nil {
			return err
		}
		vm.replace(2, BooleanValue(eq == (in.op == OpEq)))
	case OpStrictEq, OpStrictNe:
		eq := h.StrictEquals(vm.peek(1), vm.peek(0))
		vm.replace(2, BooleanValue(eq == (in.op == OpStrictEq)))
	case OpLt:
		return vm.opCompare(cmpLt)
	case OpLe:
		return vm.opCompare(cmpLe)
	case OpGt:
		return vm.opCompare(cmpGt)
	case OpGe:
		return vm.opCompare(cmpGe)
	case OpIn:
		key, err := vm.propertyKey(vm.peek(1))
		if err != nil {
			return err
		}
		ok, err := vm.hasProperty(vm.peek(0), key)
		if err != nil {
			return err
		}
		vm.replace(2, BooleanValue(ok))
	case OpInstanceof:
		ok, err := vm.instanceOf(vm.peek(1), vm.peek(0))
		if err != nil {
			return err
		}
		vm.replace(2, BooleanValue(ok))

	case OpGetProp:
		v, err := vm.getProp(vm.peek(0), fr.chunk.Constants[in.a].Text)
		if err != nil {
			return err
		}
		vm.replace(1, v)
	case OpSetProp:
		v := vm.peek(0)
		if err := vm.setProp(vm.peek(1), fr.chunk.Constants[in.a].Text, v); err != nil {
			return err
		}
		vm.replace(2, v)
	case OpGetElem:
		v, err := vm.getElem(vm.peek(1), vm.peek(0))
		if err != nil {
			return err
		}
		vm.replace(2, v)
	case OpSetElem:
		v := vm.peek(0)
		if err := vm.setElem(vm.peek(2), vm.peek(1), v); err != nil {
			return err
		}
		vm.replace(3, v)
	case OpDeleteProp:
		ok, err := vm.deleteProp(vm.peek(0), fr.chunk.Constants[in.a].Text)
		if err != nil {
			return err
		}
		vm.replace(1, BooleanValue(ok))
	case OpDeleteElem:
		key, err := vm.propertyKey(vm.peek(0))
		if err != nil {
			return err
		}
		ok, err := vm.deleteProp(vm.peek(1), key)
		if err != nil {
			return err
		}
		vm.replace(2, BooleanValue(ok))
	case OpNewObject:
		return vm.opNewObject(in.a)
	case OpNewArray:
		n := in.a
		arr := vm.NewArray(vm.stack[vm.sp-n : vm.sp])
		if n == 0 {
			vm.push(arr)
		} else {
			vm.replace(n, arr)
		}

	case OpGetName:
		v, err := vm.resolve(fr.env, fr.chunk.Constants[in.a].Text)
		if err != nil {
			return err
		}
		vm.push(v)
	case OpSetName:
		return vm.assign(fr.env, fr.chunk.Constants[in.a].Text, vm.peek(0))
	case OpDeclVar:
		vm.bind(fr.env, fr.chunk.Constants[in.a].Text, vm.peek(0))
		vm.pop()
	case OpGetLocal:
		vm.push(vm.getSlot(fr.env, in.a, in.b))
	case OpSetLocal:
		vm.setSlot(fr.env, in.a, in.b, vm.peek(0))
	case OpPushScope:
		fr.env = vm.pushScope(fr.env)
		fr.scopes++
	case OpPopScope:
		if fr.scopes == 0 {
			panic(fatalf("pop.scope at %04d without matching push.scope", in.pc))
		}
		fr.env = h.Environment(fr.env).parent
		fr.scopes--

	case OpClosure:
		vm.push(vm.newClosure(fr.chunk.Constants[in.a].Function, fr.env))
	case OpPushThis:
		v, err := vm.resolve(fr.env, "this")
		if err != nil {
			return err
		}
		vm.push(v)
	case OpPushArguments:
		v, err := vm.resolve(fr.env, "arguments")
		if err != nil {
			return err
		}
		vm.push(v)

	default:
		panic(fatalf("opcode %s at %04d cannot be executed here", in.op, in.pc))
	}
	return nil
}

// opAdd implements + with string concatenation.
func (vm *VM) opAdd() error {
	a, b := vm.peek(1), vm.peek(0)
	if a.typ == TypeNumber && b.typ == TypeNumber {
		vm.replace(2, NumberValue(a.num+b.num))
		return nil
	}
	pa, err := vm.toPrimitive(a, "default")
	if err != nil {
		return err
	}
	vm.stack[vm.sp-2] = pa
	pb, err := vm.toPrimitive(b, "default")
	if err != nil {
		return err
	}
	vm.stack[vm.sp-1] = pb
	h := vm.heap
	if h.IsString(pa) || h.IsString(pb) {
		sa, _ := vm.ToString(pa)
		sb, _ := vm.ToString(pb)
		vm.replace(2, h.NewString(sa+sb))
		return nil
	}
	na, _ := vm.ToNumber(pa)
	nb, _ := vm.ToNumber(pb)
	vm.replace(2, NumberValue(na+nb))
	return nil
}

// opArith implements the numeric binary operators.
func (vm *VM) opArith(op OpCode) error {
	a, b := vm.peek(1), vm.peek(0)
	if a.typ == TypeNumber && b.typ == TypeNumber {
		vm.replace(2, NumberValue(arith(op, a.num, b.num)))
		return nil
	}
	na, err := vm.ToNumber(a)
	if err != nil {
		return err
	}
	vm.stack[vm.sp-2] = NumberValue(na)
	nb, err := vm.ToNumber(b)
	if err != nil {
		return err
	}
	vm.replace(2, NumberValue(arith(op, na, nb)))
	return nil
}

// opCompare implements the relational operators.
func (vm *VM) opCompare(op compareOp) error {
	a, b := vm.peek(1), vm.peek(0)
	if a.typ == TypeNumber && b.typ == TypeNumber {
		vm.replace(2, BooleanValue(compareNumbers(op, a.num, b.num)))
		return nil
	}
	pa, err := vm.toPrimitive(a, "number")
	if err != nil {
		return err
	}
	vm.stack[vm.sp-2] = pa
	pb, err := vm.toPrimitive(b, "number")
	if err != nil {
		return err
	}
	vm.stack[vm.sp-1] = pb
	sa, okA := vm.heap.StringOf(pa)
	sb, okB := vm.heap.StringOf(pb)
	if okA && okB {
		vm.replace(2, BooleanValue(compareStrings(op, sa, sb)))
		return nil
	}
	na, _ := vm.ToNumber(pa)
	nb, _ := vm.ToNumber(pb)
	vm.replace(2, BooleanValue(compareNumbers(op, na, nb)))
	return nil
}

// opNewObject builds an object literal from n key/value pairs.
func (vm *VM) opNewObject(n int) error {
	obj := vm.NewObject()
	vm.push(obj)
	base := vm.sp - 1 - 2*n
	for i := 0; i < n; i++ {
		key, err := vm.propertyKey(vm.stack[base+2*i])
		if err != nil {
			return err
		}
		if err := vm.setProp(obj, key, vm.stack[base+2*i+1]); err != nil {
			return err
		}
	}
	vm.replace(2*n+1, obj)
	return nil
}
