package vm

// guardKind names the assumption a recorded instruction was specialized on.
type guardKind uint8

const (
	guardNone        guardKind = iota
	guardNumbers               // both operands are numbers
	guardNumber                // the operand is a number
	guardShape                 // receiver has the recorded shape; property at a fixed slot
	guardArrayLength           // receiver is an array
	guardArrayIndex            // receiver is an array, key an in-bounds dense index
	guardBranch                // conditional jump goes the recorded way
)

// recordedOp is one instruction observed while recording, together with
// the facts the compiled step may assume.
type recordedOp struct {
	in    instr
	guard guardKind
	shape *Shape
	slot  int
	taken bool
}

// recorder collects one iteration of a loop, from its header to the back
// edge, as executed in a single frame.
type recorder struct {
	prof     *loopProfile
	chunk    *Chunk
	frameIdx int
	ops      []recordedOp
}

// observe is called by the dispatcher before every instruction while a
// recording is active. Instructions of callees are not recorded; the call
// is recorded as a whole.
func (j *jit) observe(vm *VM, in instr) {
	r := vm.rec
	top := vm.fc - 1
	if top > r.frameIdx {
		return
	}
	if top < r.frameIdx || vm.frames[top].chunk != r.chunk {
		j.abortRecording(vm, "frame returned")
		return
	}
	switch in.op {
	case OpReturn:
		j.abortRecording(vm, "return inside loop")
		return
	case OpThrow:
		j.abortRecording(vm, "throw inside loop")
		return
	case OpLoop:
		if in.a != r.prof.header {
			j.abortRecording(vm, "nested loop")
			return
		}
		j.finishRecording(vm)
		return
	}
	if len(r.ops) >= j.opts.MaxTraceLength {
		j.abortRecording(vm, "trace too long")
		return
	}
	r.ops = append(r.ops, snapshot(vm, in))
}

// snapshot specializes in on the operands currently on the stack.
func snapshot(vm *VM, in instr) recordedOp {
	op := recordedOp{in: in}
	h := vm.heap
	switch in.op {
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpBitAnd, OpBitOr, OpBitXor, OpShl, OpShr, OpUShr,
		OpLt, OpLe, OpGt, OpGe, OpStrictEq, OpStrictNe:
		if vm.peek(0).typ == TypeNumber && vm.peek(1).typ == TypeNumber {
			op.guard = guardNumbers
		}
	case OpNeg, OpPos, OpBitNot:
		if vm.peek(0).typ == TypeNumber {
			op.guard = guardNumber
		}
	case OpGetProp:
		key := vm.frames[vm.fc-1].chunk.Constants[in.a].Text
		if o, ok := h.ObjectOf(vm.peek(0)); ok {
			if o.class == ClassArray && key == "length" {
				op.guard = guardArrayLength
			} else if slot, found := o.shape.lookup(key); found {
				op.guard, op.shape, op.slot = guardShape, o.shape, slot
			}
		}
	case OpSetProp:
		key := vm.frames[vm.fc-1].chunk.Constants[in.a].Text
		if o, ok := h.ObjectOf(vm.peek(1)); ok {
			if slot, found := o.shape.lookup(key); found {
				op.guard, op.shape, op.slot = guardShape, o.shape, slot
			}
		}
	case OpGetElem:
		if o, idx, ok := vm.denseArray(vm.peek(1), vm.peek(0)); ok && idx < uint32(len(o.elems)) {
			op.guard = guardArrayIndex
		}
	case OpSetElem:
		if o, idx, ok := vm.denseArray(vm.peek(2), vm.peek(1)); ok && idx < uint32(len(o.elems)) {
			op.guard = guardArrayIndex
		}
	case OpJumpIfFalse, OpJumpIfTrue:
		truthy := h.toBoolean(vm.peek(0))
		op.guard = guardBranch
		op.taken = truthy == (in.op == OpJumpIfTrue)
	}
	return op
}
