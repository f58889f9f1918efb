package vm

import (
	"fmt"
	"runtime"

	"jsvm/pkg/errors"
)

const debugVM = false // Set to true to trace every dispatched instruction

// frame is one activation on the call stack.
type frame struct {
	fn        Value // function object, Undefined for the top-level program
	proto     *FunctionProto
	chunk     *Chunk
	consts    []Value
	ip        int // next instruction
	pc        int // instruction being executed
	bottom    int // operand stack height at entry
	env       Ref
	scopes    int // block scopes pushed on top of the activation environment
	construct bool
	this      Value
}

func (f *frame) name() string {
	if f.proto == nil || f.proto.Name == "" {
		return "<main>"
	}
	return f.proto.Name
}

// VM is a single-threaded execution context.
type VM struct {
	opts  Options
	heap  *Heap
	realm Realm

	stack []Value
	sp    int

	frames []frame
	fc     int

	depth  int // nesting of Run/Call entries
	global Ref

	constants  map[*Chunk][]Value
	retained   map[Ref]int
	joining    map[Ref]bool
	lastResult Value

	gcTrigger int
	gcStats   GCStats

	jit *jit
	rec *recorder
}

// New creates a VM with its global environment and intrinsics.
func New(opts ...Option) *VM {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.normalize()
	vm := &VM{
		opts:      o,
		heap:      NewHeap(),
		stack:     make([]Value, 256),
		frames:    make([]frame, o.MaxFrames),
		constants: make(map[*Chunk][]Value),
		retained:  make(map[Ref]int),
		joining:   make(map[Ref]bool),
		gcTrigger: o.GCThreshold,
	}
	vm.jit = newJIT(o.JIT)
	vm.global = vm.heap.newEnvironment(newEnv(newLayout([]string{"this"}), false, Ref{}))
	vm.initRealm()
	tracer().Debugf("VM created, %d intrinsic cells", vm.heap.Live())
	return vm
}

// Options returns the VM's effective options.
func (vm *VM) Options() Options { return vm.opts }

// Heap exposes the arena, mainly for inspection.
func (vm *VM) Heap() *Heap { return vm.heap }

// Realm returns the intrinsic prototypes.
func (vm *VM) Realm() *Realm { return &vm.realm }

// GlobalEnv returns the handle of the global environment.
func (vm *VM) GlobalEnv() Ref { return vm.global }

// --- operand stack -------------------------------------------------------

func (vm *VM) push(v Value) {
	if vm.sp == len(vm.stack) {
		vm.growStack()
	}
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) growStack() {
	if len(vm.stack) >= vm.opts.MaxStackDepth {
		panic(fatalPanic{err: &errors.StackOverflowError{Position: errors.NoPosition, Msg: "operand stack exhausted"}})
	}
	n := 2 * len(vm.stack)
	if n > vm.opts.MaxStackDepth {
		n = vm.opts.MaxStackDepth
	}
	s := make([]Value, n)
	copy(s, vm.stack[:vm.sp])
	vm.stack = s
}

func (vm *VM) pop() Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = Undefined
	return v
}

func (vm *VM) peek(distance int) Value {
	return vm.stack[vm.sp-1-distance]
}

// replace pops n values and pushes v in their place.
func (vm *VM) replace(n int, v Value) {
	for i := 1; i < n; i++ {
		vm.stack[vm.sp-i] = Undefined
	}
	vm.sp -= n - 1
	vm.stack[vm.sp-1] = v
}

// --- frames --------------------------------------------------------------

func (vm *VM) pushFrame(f frame) {
	f.consts = vm.constantsFor(f.chunk)
	vm.frames[vm.fc] = f
	vm.fc++
}

// popFrame finishes the top activation and returns its completion value.
func (vm *VM) popFrame(result Value) Value {
	fr := &vm.frames[vm.fc-1]
	if fr.construct && !vm.heap.isObject(result) {
		result = fr.this
	}
	for i := fr.bottom; i < vm.sp; i++ {
		vm.stack[i] = Undefined
	}
	vm.sp = fr.bottom
	*fr = frame{}
	vm.fc--
	return result
}

// constantsFor materializes a chunk's constant pool as heap values. The
// cached slice is a GC root.
func (vm *VM) constantsFor(c *Chunk) []Value {
	if vs, ok := vm.constants[c]; ok {
		return vs
	}
	vs := make([]Value, len(c.Constants))
	for i, k := range c.Constants {
		switch k.Kind {
		case ConstNumber:
			vs[i] = NumberValue(k.Number)
		case ConstString:
			vs[i] = vm.heap.NewString(k.Text)
		default:
			vs[i] = Undefined
		}
	}
	vm.constants[c] = vs
	return vs
}

// --- entry points --------------------------------------------------------

// Run executes a program's main function in the global environment and
// returns its completion value. A script exception that is not caught is
// returned as *Exception; any other error is fatal.
func (vm *VM) Run(p *Program) (result Value, err error) {
	if p == nil || p.Main == nil || p.Main.Chunk == nil {
		return Undefined, errors.NewFatal("empty program")
	}
	if err := p.Main.Chunk.Verify(p.Main.Name); err != nil {
		return Undefined, err
	}
	if vm.depth == 0 {
		defer vm.recoverFatal(&err)
	}
	vm.depth++
	defer func() { vm.depth-- }()
	stop := vm.fc
	vm.pushFrame(frame{
		fn:     Undefined,
		proto:  p.Main,
		chunk:  p.Main.Chunk,
		env:    vm.global,
		bottom: vm.sp,
		this:   Undefined,
	})
	result, err = vm.runNested(stop)
	if err != nil {
		return Undefined, err
	}
	vm.lastResult = result
	return result, nil
}

// recoverFatal converts a fatal panic raised below the outermost entry
// point into an error and resets the execution state. Go runtime errors
// such as an out-of-range index become fatal errors too.
func (vm *VM) recoverFatal(err *error) {
	if r := recover(); r != nil {
		switch e := r.(type) {
		case fatalPanic:
			*err = e.err
		case runtime.Error:
			*err = (&errors.FatalError{Position: vm.position(), Msg: "internal error"}).CausedBy(e)
		default:
			panic(r)
		}
		tracer().Errorf("fatal: %v", *err)
		vm.reset()
	}
}

// position locates the instruction executing in the top frame.
func (vm *VM) position() errors.Position {
	if vm.fc == 0 {
		return errors.NoPosition
	}
	fr := &vm.frames[vm.fc-1]
	if fr.chunk == nil {
		return errors.NoPosition
	}
	return errors.Position{File: fr.name(), Line: fr.chunk.GetLine(fr.pc), Offset: fr.pc}
}

// reset abandons all activations after a fatal error.
func (vm *VM) reset() {
	for i := 0; i < vm.fc; i++ {
		vm.frames[i] = frame{}
	}
	for i := 0; i < vm.sp; i++ {
		vm.stack[i] = Undefined
	}
	vm.fc, vm.sp = 0, 0
	vm.rec = nil
}

// run is the dispatch loop. It returns when the frame at index stopAt
// returns, or with an error when an exception is not handled above stopAt.
func (vm *VM) run(stopAt int) (Value, error) {
	fr := &vm.frames[vm.fc-1]
	for {
		if vm.heap.sinceGC >= vm.gcTrigger {
			vm.collect()
		}
		if fr.ip >= len(fr.chunk.Code) {
			// falling off the end returns undefined
			if vm.rec != nil && vm.rec.frameIdx == vm.fc-1 {
				vm.jit.abortRecording(vm, "frame returned")
			}
			result := vm.popFrame(Undefined)
			if vm.fc == stopAt {
				return result, nil
			}
			vm.push(result)
			fr = &vm.frames[vm.fc-1]
			continue
		}
		in, err := vm.fetch(fr)
		if err != nil {
			return Undefined, err
		}
		fr.pc = in.pc
		fr.ip = in.next
		if debugVM {
			fmt.Printf("[%s] %04d %-12s sp=%d\n", fr.name(), in.pc, in.op, vm.sp)
		}
		if vm.rec != nil {
			vm.jit.observe(vm, in)
		}
		switch in.op {
		case OpJump:
			fr.ip = in.a
		case OpJumpIfFalse:
			if !vm.heap.toBoolean(vm.pop()) {
				fr.ip = in.a
			}
		case OpJumpIfTrue:
			if vm.heap.toBoolean(vm.pop()) {
				fr.ip = in.a
			}
		case OpLoop:
			fr.ip = in.a
			if vm.opts.JIT.Enabled {
				err = vm.jit.backEdge(vm, fr, in.a)
			}
		case OpCall, OpCallMethod, OpNew:
			ci := callInfo{argc: in.a, callee: vm.sp - in.a - 1, construct: in.op == OpNew}
			ci.cleanup = ci.callee
			if in.op == OpCallMethod {
				ci.cleanup--
				ci.this = vm.stack[ci.cleanup]
			}
			var pushed bool
			if pushed, err = vm.invoke(ci); pushed {
				fr = &vm.frames[vm.fc-1]
			}
		case OpReturn:
			result := vm.popFrame(vm.pop())
			if vm.fc == stopAt {
				return result, nil
			}
			vm.push(result)
			fr = &vm.frames[vm.fc-1]
		case OpThrow:
			err = vm.Throw(vm.pop())
		default:
			err = vm.step(fr, in)
		}
		if err != nil {
			exc, ok := err.(*Exception)
			if !ok {
				return Undefined, err
			}
			if !vm.unwind(exc, stopAt) {
				return Undefined, exc
			}
			fr = &vm.frames[vm.fc-1]
		}
	}
}

// fetch decodes the instruction at fr.ip. Code patched since it was last
// verified is verified again, and ip must start an instruction of the
// current code.
func (vm *VM) fetch(fr *frame) (instr, error) {
	c := fr.chunk
	if !c.verified {
		if err := c.Verify(fr.name()); err != nil {
			return instr{}, err
		}
	}
	if !c.boundary(fr.ip) {
		return instr{}, &errors.FatalError{
			Position: errors.Position{File: fr.name(), Line: c.GetLine(fr.pc), Offset: fr.pc},
			Msg:      fmt.Sprintf("control transfer to %d, which does not start an instruction", fr.ip),
		}
	}
	return c.decode(fr.ip), nil
}

// --- host API ------------------------------------------------------------

// DefineGlobal binds name in the global environment.
func (vm *VM) DefineGlobal(name string, v Value) {
	vm.heap.Environment(vm.global).declare(name, v)
}

// Global reads a global binding.
func (vm *VM) Global(name string) (Value, bool) {
	e := vm.heap.Environment(vm.global)
	if i, ok := e.lookup(name); ok {
		return e.values[i], true
	}
	return Undefined, false
}

// NewString allocates a string value.
func (vm *VM) NewString(s string) Value { return vm.heap.NewString(s) }

// NewObject allocates a plain object inheriting from Object.prototype.
func (vm *VM) NewObject() Value { return vm.heap.NewObject(vm.realm.ObjectPrototype) }

// NewArray allocates an array inheriting from Array.prototype.
func (vm *VM) NewArray(elems []Value) Value {
	return vm.heap.NewArray(vm.realm.ArrayPrototype, elems)
}

// Get reads a property with full lookup semantics.
func (vm *VM) Get(target Value, key string) (Value, error) {
	return vm.getProp(target, key)
}

// Set writes a property with assignment semantics.
func (vm *VM) Set(target Value, key string, v Value) error {
	return vm.setProp(target, key, v)
}

// Retain pins v as a GC root until a matching Release. Hosts and natives
// use it for values they hold across calls back into the VM.
func (vm *VM) Retain(v Value) {
	if v.typ == TypeRef {
		vm.retained[v.ref]++
	}
}

// Release undoes one Retain.
func (vm *VM) Release(v Value) {
	if v.typ != TypeRef {
		return
	}
	if n := vm.retained[v.ref]; n > 1 {
		vm.retained[v.ref] = n - 1
	} else {
		delete(vm.retained, v.ref)
	}
}

// ReplaceChunk installs new code for fp. Compiled traces over the old code
// are evicted.
func (vm *VM) ReplaceChunk(fp *FunctionProto, c *Chunk) error {
	if err := c.Verify(fp.Name); err != nil {
		return err
	}
	old := fp.Chunk
	fp.Chunk = c
	if old != nil && old != c {
		vm.jit.invalidateChunk(vm, old)
		delete(vm.constants, old)
	}
	return nil
}

// PatchChunk overwrites code bytes of c in place. The patched code is
// verified on a copy first; a patch that does not verify is rejected and
// leaves c untouched. Traces whose recorded fingerprint no longer matches
// are discarded when next entered.
func (vm *VM) PatchChunk(c *Chunk, offset int, code []byte) error {
	if offset < 0 || offset+len(code) > len(c.Code) {
		return errors.NewFatal("patch [%d, %d) outside chunk of %d bytes", offset, offset+len(code), len(c.Code))
	}
	trial := &Chunk{
		Code:      append([]byte(nil), c.Code...),
		Constants: c.Constants,
		Lines:     c.Lines,
		Handlers:  c.Handlers,
	}
	copy(trial.Code[offset:], code)
	if err := trial.Verify("patched"); err != nil {
		return err
	}
	c.Patch(offset, code)
	return c.Verify("patched")
}

// ArrayPush appends vals to the array arr and returns its new length. It
// reports false when arr is not an array.
func (vm *VM) ArrayPush(arr Value, vals ...Value) (int, bool) {
	o, ok := vm.heap.ObjectOf(arr)
	if !ok || o.class != ClassArray {
		return 0, false
	}
	for _, v := range vals {
		o.push(v)
	}
	return int(o.length), true
}

// ArrayValues copies the elements of the array arr. Holes read as
// undefined.
func (vm *VM) ArrayValues(arr Value) ([]Value, bool) {
	o, ok := vm.heap.ObjectOf(arr)
	if !ok || o.class != ClassArray {
		return nil, false
	}
	vs := make([]Value, o.length)
	for i := range vs {
		vs[i], _ = o.getIndex(uint32(i))
	}
	return vs, true
}
