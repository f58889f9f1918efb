package vm

// Slot indices fixed in every activation environment. Parameters follow,
// then the function's declared locals.
const (
	SlotThis       = 0
	SlotArguments  = 1
	SlotFirstParam = 2
)

// envLayout is the name-to-slot map of an environment. Activations of the
// same function share one layout until a dynamic declaration forces a copy.
type envLayout struct {
	names []string
	index map[string]int
}

func newLayout(names []string) *envLayout {
	l := &envLayout{names: names, index: make(map[string]int, len(names))}
	for i, n := range names {
		l.index[n] = i
	}
	return l
}

func (l *envLayout) clone() *envLayout {
	names := make([]string, len(l.names), len(l.names)+4)
	copy(names, l.names)
	return newLayout(names)
}

// Environment is a scope record. The parent link is a non-owning handle;
// environments live as long as a frame or a closure can reach them.
type Environment struct {
	layout *envLayout
	shared bool
	values []Value
	parent Ref
}

func newEnv(layout *envLayout, shared bool, parent Ref) *Environment {
	e := &Environment{layout: layout, shared: shared, parent: parent}
	e.values = make([]Value, len(layout.names))
	for i := range e.values {
		e.values[i] = Undefined
	}
	return e
}

// Parent returns the enclosing environment handle (nil Ref at the global
// scope).
func (e *Environment) Parent() Ref { return e.parent }

// Names lists the bindings in slot order.
func (e *Environment) Names() []string { return e.layout.names }

// Slot returns the value at index i.
func (e *Environment) Slot(i int) Value { return e.values[i] }

func (e *Environment) lookup(name string) (int, bool) {
	i, ok := e.layout.index[name]
	return i, ok
}

// declare creates or overwrites a binding in e only.
func (e *Environment) declare(name string, v Value) int {
	if i, ok := e.layout.index[name]; ok {
		e.values[i] = v
		return i
	}
	if e.shared {
		e.layout = e.layout.clone()
		e.shared = false
	}
	i := len(e.layout.names)
	e.layout.names = append(e.layout.names, name)
	e.layout.index[name] = i
	e.values = append(e.values, v)
	return i
}

// --- chain operations ----------------------------------------------------

// findBinding walks from env outwards and returns the environment holding
// name.
func (h *Heap) findBinding(env Ref, name string) (*Environment, int, bool) {
	for !env.IsNil() {
		e := h.Environment(env)
		if i, ok := e.lookup(name); ok {
			return e, i, true
		}
		env = e.parent
	}
	return nil, 0, false
}

// envAt returns the environment depth links out from env.
func (h *Heap) envAt(env Ref, depth int) *Environment {
	for ; depth > 0; depth-- {
		e := h.Environment(env)
		if e.parent.IsNil() {
			panic(fatalf("scope depth %d exceeds environment chain", depth))
		}
		env = e.parent
	}
	return h.Environment(env)
}

// resolve implements identifier lookup through the scope chain.
func (vm *VM) resolve(env Ref, name string) (Value, error) {
	e, i, ok := vm.heap.findBinding(env, name)
	if !ok {
		return Undefined, vm.throwError(ReferenceError, "%s is not defined", name)
	}
	return e.values[i], nil
}

// bind declares name in the current environment only.
func (vm *VM) bind(env Ref, name string, v Value) {
	vm.heap.Environment(env).declare(name, v)
}

// assign writes the nearest existing binding of name. An unbound name is
// created in the global environment when ImplicitGlobals is set (sloppy
// mode assignment), otherwise it raises a ReferenceError.
func (vm *VM) assign(env Ref, name string, v Value) error {
	if e, i, ok := vm.heap.findBinding(env, name); ok {
		e.values[i] = v
		return nil
	}
	if !vm.opts.ImplicitGlobals {
		return vm.throwError(ReferenceError, "%s is not defined", name)
	}
	tracer().Debugf("implicit global %q", name)
	vm.heap.Environment(vm.global).declare(name, v)
	return nil
}

// getSlot reads the slot index in the environment depth links out.
func (vm *VM) getSlot(env Ref, depth, index int) Value {
	e := vm.heap.envAt(env, depth)
	if index >= len(e.values) {
		panic(fatalf("slot %d:%d out of range (%d bindings)", depth, index, len(e.values)))
	}
	return e.values[index]
}

func (vm *VM) setSlot(env Ref, depth, index int, v Value) {
	e := vm.heap.envAt(env, depth)
	if index >= len(e.values) {
		panic(fatalf("slot %d:%d out of range (%d bindings)", depth, index, len(e.values)))
	}
	e.values[index] = v
}

// pushScope creates an empty block environment below env.
func (vm *VM) pushScope(env Ref) Ref {
	return vm.heap.newEnvironment(newEnv(emptyLayout(), false, env))
}

func emptyLayout() *envLayout {
	return &envLayout{index: map[string]int{}}
}

// activation builds the environment for a call of fp closed over captured.
func (vm *VM) activation(fp *FunctionProto, captured Ref, this Value, args []Value) Ref {
	if fp.layout == nil {
		names := make([]string, 0, SlotFirstParam+len(fp.Params)+len(fp.Locals))
		names = append(names, "this", "arguments")
		names = append(names, fp.Params...)
		names = append(names, fp.Locals...)
		fp.layout = newLayout(names)
	}
	e := newEnv(fp.layout, true, captured)
	e.values[SlotThis] = this
	e.values[SlotArguments] = vm.heap.NewArray(vm.realm.ArrayPrototype, args)
	nparams := len(fp.Params)
	for i := 0; i < nparams; i++ {
		slot := SlotFirstParam + i
		if fp.Rest && i == nparams-1 {
			var rest []Value
			if len(args) > i {
				rest = args[i:]
			}
			e.values[slot] = vm.heap.NewArray(vm.realm.ArrayPrototype, rest)
			break
		}
		if i < len(args) {
			e.values[slot] = args[i]
		}
	}
	return vm.heap.newEnvironment(e)
}
