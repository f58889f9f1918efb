package vm

// exit tells the trace loop how a step finished.
type exit uint8

const (
	exitNone  exit = iota
	exitDeopt      // a guard failed before the instruction had any effect
	exitSide       // a branch left the recorded path; the frame's ip is set
)

type stepFunc func(vm *VM, fr *frame) (exit, error)

type traceStep struct {
	pc   int
	next int
	run  stepFunc
}

// trace is a compiled loop body. Steps operate on the interpreter's own
// stack and frame, so leaving the trace at any step boundary needs no
// state reconstruction beyond setting the frame's ip.
type trace struct {
	header      int
	fingerprint string
	steps       []traceStep
	roots       []Value // heap values embedded in steps
	guards      int
	failures    int
	idle        int // consecutive entries left before one full iteration
}

// compile lowers a recorded iteration into a trace.
func (j *jit) compile(vm *VM, r *recorder) *trace {
	t := &trace{header: r.prof.header, fingerprint: r.chunk.Fingerprint()}
	consts := vm.constantsFor(r.chunk)
	for _, op := range r.ops {
		run := t.lower(consts, op)
		if run == nil {
			continue
		}
		if op.guard != guardNone {
			t.guards++
		}
		t.steps = append(t.steps, traceStep{pc: op.in.pc, next: op.in.next, run: run})
	}
	return t
}

func (t *trace) lower(consts []Value, op recordedOp) stepFunc {
	in := op.in
	switch in.op {
	case OpJump:
		// the recording already continued at the target
		return nil
	case OpConst:
		v := consts[in.a]
		t.roots = append(t.roots, v)
		return pushStep(v)
	case OpInt:
		return pushStep(NumberValue(float64(in.a)))
	case OpUndefined:
		return pushStep(Undefined)
	case OpNull:
		return pushStep(Null)
	case OpTrue:
		return pushStep(True)
	case OpFalse:
		return pushStep(False)
	case OpDup:
		return func(vm *VM, fr *frame) (exit, error) {
			vm.push(vm.peek(0))
			return exitNone, nil
		}
	case OpPop:
		return func(vm *VM, fr *frame) (exit, error) {
			vm.pop()
			return exitNone, nil
		}
	case OpGetLocal:
		depth, slot := in.a, in.b
		return func(vm *VM, fr *frame) (exit, error) {
			vm.push(vm.getSlot(fr.env, depth, slot))
			return exitNone, nil
		}
	case OpSetLocal:
		depth, slot := in.a, in.b
		return func(vm *VM, fr *frame) (exit, error) {
			vm.setSlot(fr.env, depth, slot, vm.peek(0))
			return exitNone, nil
		}
	case OpCall, OpCallMethod, OpNew:
		return callStep(in)
	}
	switch op.guard {
	case guardNumbers:
		return numbersStep(in.op)
	case guardNumber:
		return numberStep(in.op)
	case guardShape:
		if in.op == OpGetProp {
			return getShapeStep(op.shape, op.slot)
		}
		return setShapeStep(op.shape, op.slot)
	case guardArrayLength:
		return arrayLengthStep()
	case guardArrayIndex:
		if in.op == OpGetElem {
			return getIndexStep()
		}
		return setIndexStep()
	case guardBranch:
		return branchStep(in, op.taken)
	}
	return func(vm *VM, fr *frame) (exit, error) {
		return exitNone, vm.step(fr, in)
	}
}

func pushStep(v Value) stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		vm.push(v)
		return exitNone, nil
	}
}

// numbersStep specializes a binary operator to number operands. Results
// come from the same helpers the interpreter uses.
func numbersStep(op OpCode) stepFunc {
	var cmp compareOp
	switch op {
	case OpLt:
		cmp = cmpLt
	case OpLe:
		cmp = cmpLe
	case OpGt:
		cmp = cmpGt
	case OpGe:
		cmp = cmpGe
	}
	return func(vm *VM, fr *frame) (exit, error) {
		a, b := vm.stack[vm.sp-2], vm.stack[vm.sp-1]
		if a.typ != TypeNumber || b.typ != TypeNumber {
			return exitDeopt, nil
		}
		var r Value
		switch op {
		case OpAdd:
			r = NumberValue(a.num + b.num)
		case OpLt, OpLe, OpGt, OpGe:
			r = BooleanValue(compareNumbers(cmp, a.num, b.num))
		case OpStrictEq:
			r = BooleanValue(a.num == b.num)
		case OpStrictNe:
			r = BooleanValue(a.num != b.num)
		default:
			r = NumberValue(arith(op, a.num, b.num))
		}
		vm.replace(2, r)
		return exitNone, nil
	}
}

func numberStep(op OpCode) stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		v := vm.stack[vm.sp-1]
		if v.typ != TypeNumber {
			return exitDeopt, nil
		}
		n := v.num
		switch op {
		case OpNeg:
			n = -n
		case OpBitNot:
			n = float64(^toInt32(n))
		}
		vm.stack[vm.sp-1] = NumberValue(n)
		return exitNone, nil
	}
}

// shapedObject returns the object behind v if it currently has shape s.
func shapedObject(h *Heap, v Value, s *Shape) (*Object, bool) {
	if v.typ != TypeRef {
		return nil, false
	}
	o := h.cell(v.ref).obj
	if o == nil || o.shape != s {
		return nil, false
	}
	return o, true
}

func getShapeStep(s *Shape, slot int) stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		o, ok := shapedObject(vm.heap, vm.stack[vm.sp-1], s)
		if !ok {
			return exitDeopt, nil
		}
		vm.stack[vm.sp-1] = o.values[slot]
		return exitNone, nil
	}
}

func setShapeStep(s *Shape, slot int) stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		o, ok := shapedObject(vm.heap, vm.stack[vm.sp-2], s)
		if !ok {
			return exitDeopt, nil
		}
		v := vm.stack[vm.sp-1]
		o.values[slot] = v
		vm.replace(2, v)
		return exitNone, nil
	}
}

// arrayOf returns the array record behind v.
func arrayOf(h *Heap, v Value) (*Object, bool) {
	if v.typ != TypeRef {
		return nil, false
	}
	c := h.cell(v.ref)
	if c.class != ClassArray {
		return nil, false
	}
	return c.obj, true
}

func arrayLengthStep() stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		o, ok := arrayOf(vm.heap, vm.stack[vm.sp-1])
		if !ok {
			return exitDeopt, nil
		}
		vm.stack[vm.sp-1] = NumberValue(float64(o.length))
		return exitNone, nil
	}
}

// denseSlot checks that key indexes the dense part of the array arr.
func denseSlot(h *Heap, arr, key Value) (*Object, uint32, bool) {
	if key.typ != TypeNumber {
		return nil, 0, false
	}
	o, ok := arrayOf(h, arr)
	if !ok {
		return nil, 0, false
	}
	idx, ok := numberIndex(key.num)
	if !ok || idx >= uint32(len(o.elems)) {
		return nil, 0, false
	}
	return o, idx, true
}

func getIndexStep() stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		o, idx, ok := denseSlot(vm.heap, vm.stack[vm.sp-2], vm.stack[vm.sp-1])
		if !ok {
			return exitDeopt, nil
		}
		vm.replace(2, o.elems[idx])
		return exitNone, nil
	}
}

func setIndexStep() stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		o, idx, ok := denseSlot(vm.heap, vm.stack[vm.sp-3], vm.stack[vm.sp-2])
		if !ok {
			return exitDeopt, nil
		}
		v := vm.stack[vm.sp-1]
		o.elems[idx] = v
		vm.replace(3, v)
		return exitNone, nil
	}
}

// branchStep follows the recorded direction of a conditional jump. The
// other direction is a side exit back to the interpreter.
func branchStep(in instr, taken bool) stepFunc {
	jumpIf := in.op == OpJumpIfTrue
	target, fall := in.a, in.next
	return func(vm *VM, fr *frame) (exit, error) {
		if (vm.heap.toBoolean(vm.pop()) == jumpIf) == taken {
			return exitNone, nil
		}
		if taken {
			fr.ip = fall
		} else {
			fr.ip = target
		}
		return exitSide, nil
	}
}

// callStep performs a call from inside a trace. Interpreted callees run in
// a nested dispatch loop that returns when their frame does.
func callStep(in instr) stepFunc {
	return func(vm *VM, fr *frame) (exit, error) {
		ci := callInfo{argc: in.a, callee: vm.sp - in.a - 1, construct: in.op == OpNew}
		ci.cleanup = ci.callee
		if in.op == OpCallMethod {
			ci.cleanup--
			ci.this = vm.stack[ci.cleanup]
		}
		stop := vm.fc
		pushed, err := vm.invoke(ci)
		if err != nil || !pushed {
			return exitNone, err
		}
		res, err := vm.run(stop)
		if err != nil {
			return exitNone, err
		}
		vm.push(res)
		return exitNone, nil
	}
}

// run executes the trace until a guard fails, a branch leaves the
// recorded path or an instruction raises an error. Each completed pass
// corresponds to one loop iteration, ending at the header again.
func (t *trace) run(vm *VM, fr *frame, j *jit, p *loopProfile) error {
	var passes uint64
	for {
		if vm.heap.sinceGC >= vm.gcTrigger {
			vm.collect()
		}
		for i := range t.steps {
			st := &t.steps[i]
			fr.pc = st.pc
			ex, err := st.run(vm, fr)
			if err != nil {
				fr.ip = st.next
				return err
			}
			switch ex {
			case exitDeopt:
				fr.ip = st.pc
				j.deopt(p, t, st.pc)
				return nil
			case exitSide:
				j.sideExit(p, t, passes)
				return nil
			}
		}
		passes++
		j.stats.Iterations++
	}
}
