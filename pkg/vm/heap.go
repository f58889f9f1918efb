package vm

import (
	"fmt"

	"jsvm/pkg/errors"
)

// Class is the tag stored with every heap cell. The collector dispatches on
// it when tracing children.
type Class uint8

const (
	ClassFree Class = iota
	ClassObject
	ClassArray
	ClassFunction
	ClassString
	ClassEnvironment
)

func (c Class) String() string {
	switch c {
	case ClassFree:
		return "free"
	case ClassObject:
		return "object"
	case ClassArray:
		return "array"
	case ClassFunction:
		return "function"
	case ClassString:
		return "string"
	case ClassEnvironment:
		return "environment"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

type cell struct {
	class  Class
	marked bool
	gen    uint32
	obj    *Object      // ClassObject, ClassArray, ClassFunction
	str    string       // ClassString
	env    *Environment // ClassEnvironment
}

// Heap is the arena holding every GC-managed entity of one VM. Cells are
// addressed by Ref; freed cells go to a free list and are reused with a
// bumped generation.
type Heap struct {
	cells []cell
	free  []uint32
	live  int

	sinceGC     int    // allocations since the last collection
	totalAllocs uint64 // allocations over the heap's lifetime

	rootShape *Shape
	shapeIDs  uint32
}

// NewHeap creates an empty heap. Cell 0 is reserved so that the zero Ref
// never aliases a live object.
func NewHeap() *Heap {
	h := &Heap{cells: make([]cell, 1, 256)}
	h.rootShape = h.newShape(nil, "")
	return h
}

// fatalPanic carries an engine-internal error up to the nearest VM entry
// point, which converts it back into an error return.
type fatalPanic struct {
	err error
}

func fatalf(format string, args ...interface{}) fatalPanic {
	return fatalPanic{err: errors.NewFatal(format, args...)}
}

func (h *Heap) alloc(c cell) Ref {
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		c.gen = h.cells[idx].gen + 1
		h.cells[idx] = c
	} else {
		idx = uint32(len(h.cells))
		c.gen = 1
		h.cells = append(h.cells, c)
	}
	h.live++
	h.sinceGC++
	h.totalAllocs++
	return Ref{index: idx, gen: c.gen}
}

// cell resolves r, panicking with a fatal error for dangling handles. The
// returned pointer is invalidated by the next allocation.
func (h *Heap) cell(r Ref) *cell {
	if r.index == 0 || int(r.index) >= len(h.cells) {
		panic(fatalf("dangling heap reference %s", r))
	}
	c := &h.cells[r.index]
	if c.class == ClassFree || c.gen != r.gen {
		panic(fatalf("stale heap reference %s (cell is %s, gen %d)", r, c.class, c.gen))
	}
	return c
}

// IsLive reports whether r still addresses an allocated cell.
func (h *Heap) IsLive(r Ref) bool {
	if r.index == 0 || int(r.index) >= len(h.cells) {
		return false
	}
	c := &h.cells[r.index]
	return c.class != ClassFree && c.gen == r.gen
}

// Class returns the class tag of a reference value, or ClassFree for
// primitives.
func (h *Heap) Class(v Value) Class {
	if v.typ != TypeRef {
		return ClassFree
	}
	return h.cell(v.ref).class
}

// Live returns the number of allocated cells.
func (h *Heap) Live() int { return h.live }

// Allocated returns the number of allocations over the heap's lifetime.
func (h *Heap) Allocated() uint64 { return h.totalAllocs }

// --- Strings -------------------------------------------------------------

// NewString allocates an immutable string cell.
func (h *Heap) NewString(s string) Value {
	return RefValue(h.alloc(cell{class: ClassString, str: s}))
}

// IsString reports whether v references a string cell.
func (h *Heap) IsString(v Value) bool {
	return v.typ == TypeRef && h.cell(v.ref).class == ClassString
}

// StringOf returns the characters of a string value.
func (h *Heap) StringOf(v Value) (string, bool) {
	if v.typ != TypeRef {
		return "", false
	}
	c := h.cell(v.ref)
	if c.class != ClassString {
		return "", false
	}
	return c.str, true
}

// --- Objects -------------------------------------------------------------

// NewObject allocates a plain object with the given prototype (Null for
// none).
func (h *Heap) NewObject(proto Value) Value {
	o := &Object{class: ClassObject, shape: h.rootShape, proto: proto}
	return RefValue(h.alloc(cell{class: ClassObject, obj: o}))
}

// NewArray allocates an array holding a copy of elems.
func (h *Heap) NewArray(proto Value, elems []Value) Value {
	o := &Object{class: ClassArray, shape: h.rootShape, proto: proto}
	o.elems = append(make([]Value, 0, len(elems)), elems...)
	o.length = uint32(len(elems))
	return RefValue(h.alloc(cell{class: ClassArray, obj: o}))
}

func (h *Heap) newFunction(proto Value, fd *funcData) Value {
	o := &Object{class: ClassFunction, shape: h.rootShape, proto: proto, fn: fd}
	return RefValue(h.alloc(cell{class: ClassFunction, obj: o}))
}

// ObjectOf returns the object record of an Object, Array or Function value.
func (h *Heap) ObjectOf(v Value) (*Object, bool) {
	if v.typ != TypeRef {
		return nil, false
	}
	c := h.cell(v.ref)
	if c.obj == nil {
		return nil, false
	}
	return c.obj, true
}

// mustObject is ObjectOf for handles the VM created itself.
func (h *Heap) mustObject(r Ref) *Object {
	c := h.cell(r)
	if c.obj == nil {
		panic(fatalf("heap reference %s is a %s, expected an object", r, c.class))
	}
	return c.obj
}

// --- Environments --------------------------------------------------------

func (h *Heap) newEnvironment(e *Environment) Ref {
	return h.alloc(cell{class: ClassEnvironment, env: e})
}

// Environment resolves an environment handle.
func (h *Heap) Environment(r Ref) *Environment {
	c := h.cell(r)
	if c.class != ClassEnvironment {
		panic(fatalf("heap reference %s is a %s, expected an environment", r, c.class))
	}
	return c.env
}
