package vm

import (
	"time"

	"github.com/emirpasic/gods/stacks/arraystack"
)

// GCStats summarizes collector activity.
type GCStats struct {
	Collections int
	Freed       uint64
	Live        int
	LastPause   time.Duration
	Trigger     int // allocation count that starts the next pass
}

// GCStats returns collector statistics.
func (vm *VM) GCStats() GCStats {
	s := vm.gcStats
	s.Live = vm.heap.live
	s.Trigger = vm.gcTrigger
	return s
}

// CollectGarbage runs a full mark-and-sweep pass now. Hosts must only call
// it between evaluations or from a native, where all live values are rooted.
func (vm *VM) CollectGarbage() (stats GCStats, err error) {
	if vm.depth == 0 {
		defer vm.recoverFatal(&err)
	}
	vm.collect()
	return vm.GCStats(), nil
}

// marker holds the grey set of one mark phase.
type marker struct {
	heap *Heap
	grey *arraystack.Stack
}

func (m *marker) value(v Value) {
	if v.typ == TypeRef {
		m.ref(v.ref)
	}
}

func (m *marker) ref(r Ref) {
	if r.IsNil() {
		return
	}
	c := m.heap.cell(r)
	if c.marked {
		return
	}
	c.marked = true
	m.grey.Push(r)
}

func (m *marker) values(vs []Value) {
	for _, v := range vs {
		m.value(v)
	}
}

// drain blackens grey cells until none are left.
func (m *marker) drain() {
	for {
		top, ok := m.grey.Pop()
		if !ok {
			return
		}
		r := top.(Ref)
		c := m.heap.cell(r)
		switch c.class {
		case ClassString:
		case ClassObject, ClassArray, ClassFunction:
			o := c.obj
			m.value(o.proto)
			m.values(o.values)
			m.values(o.elems)
			for _, v := range o.sparse {
				m.value(v)
			}
			if o.fn != nil {
				m.ref(o.fn.env)
			}
		case ClassEnvironment:
			m.values(c.env.values)
			m.ref(c.env.parent)
		default:
			panic(fatalf("gc: cell %s carries invalid class tag %s", r, c.class))
		}
	}
}

// markRoots greys everything the VM can reach directly.
func (vm *VM) markRoots(m *marker) {
	m.values(vm.stack[:vm.sp])
	for i := 0; i < vm.fc; i++ {
		fr := &vm.frames[i]
		m.value(fr.fn)
		m.value(fr.this)
		m.ref(fr.env)
	}
	m.ref(vm.global)
	m.values(vm.realm.roots())
	for _, vs := range vm.constants {
		m.values(vs)
	}
	for r := range vm.retained {
		m.ref(r)
	}
	m.value(vm.lastResult)
	vm.jit.markRoots(m)
}

// collect is the stop-the-world mark-and-sweep pass. It must only run at an
// instruction boundary.
func (vm *VM) collect() {
	start := time.Now()
	h := vm.heap
	before := h.live
	m := &marker{heap: h, grey: arraystack.New()}
	vm.markRoots(m)
	m.drain()

	var freed int
	for i := 1; i < len(h.cells); i++ {
		c := &h.cells[i]
		if c.class == ClassFree {
			continue
		}
		if c.marked {
			c.marked = false
			continue
		}
		gen := c.gen
		*c = cell{gen: gen}
		h.free = append(h.free, uint32(i))
		freed++
	}
	h.live -= freed
	h.sinceGC = 0

	vm.gcTrigger = vm.opts.GCThreshold
	if grow := int(float64(h.live) * (vm.opts.GCGrowthFactor - 1)); grow > vm.gcTrigger {
		vm.gcTrigger = grow
	}
	vm.gcStats.Collections++
	vm.gcStats.Freed += uint64(freed)
	vm.gcStats.LastPause = time.Since(start)
	gcTracer().Infof("gc #%d: %d live before, %d freed, %d live, next after %d allocations (%s)",
		vm.gcStats.Collections, before, freed, h.live, vm.gcTrigger, vm.gcStats.LastPause)
}
