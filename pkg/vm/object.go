package vm

import (
	"math"
	"strconv"
)

// Shape is a hidden class: an ordered list of property names and their
// value offsets. Objects that received the same keys in the same order share
// a shape, which lets compiled traces guard property access with a single
// pointer comparison.
type Shape struct {
	id          uint32
	parent      *Shape
	keys        []string
	offsets     map[string]int
	transitions map[string]*Shape
}

func (h *Heap) newShape(parent *Shape, key string) *Shape {
	h.shapeIDs++
	s := &Shape{id: h.shapeIDs, parent: parent}
	if parent == nil {
		s.offsets = map[string]int{}
		return s
	}
	s.keys = make([]string, len(parent.keys), len(parent.keys)+1)
	copy(s.keys, parent.keys)
	s.keys = append(s.keys, key)
	s.offsets = make(map[string]int, len(s.keys))
	for i, k := range s.keys {
		s.offsets[k] = i
	}
	return s
}

// ID identifies the shape within its heap.
func (s *Shape) ID() uint32 { return s.id }

// Keys returns the property names in insertion order.
func (s *Shape) Keys() []string { return s.keys }

func (s *Shape) lookup(key string) (int, bool) {
	i, ok := s.offsets[key]
	return i, ok
}

// transition returns the shape reached by adding key to s.
func (h *Heap) transition(s *Shape, key string) *Shape {
	if next, ok := s.transitions[key]; ok {
		return next
	}
	next := h.newShape(s, key)
	if s.transitions == nil {
		s.transitions = make(map[string]*Shape)
	}
	s.transitions[key] = next
	return next
}

// shapeWithout rebuilds the transition path for s minus key.
func (h *Heap) shapeWithout(s *Shape, key string) *Shape {
	out := h.rootShape
	for _, k := range s.keys {
		if k != key {
			out = h.transition(out, k)
		}
	}
	return out
}

// ProtoKey is the pseudo-property mapped onto an object's prototype link.
const ProtoKey = "__proto__"

// sparseGap bounds how far past the dense end an index write may land before
// it goes to the sparse map instead.
const sparseGap = 1024

// funcData is the Function variant payload: either an interpreted prototype
// plus the environment it closed over, or a native trampoline.
type funcData struct {
	name   string
	proto  *FunctionProto
	env    Ref
	native NativeFunction
}

// Object is the record behind Object, Array and Function cells.
type Object struct {
	class  Class
	shape  *Shape
	values []Value
	proto  Value

	// ClassArray
	elems  []Value
	sparse map[uint32]Value
	length uint32

	// ClassFunction
	fn *funcData
}

// Class returns the object's class tag.
func (o *Object) Class() Class { return o.class }

// Shape returns the current hidden class.
func (o *Object) Shape() *Shape { return o.shape }

// Prototype returns the prototype link (Null when absent).
func (o *Object) Prototype() Value { return o.proto }

// Keys lists own property names: array indices first, then named
// properties in insertion order.
func (o *Object) Keys() []string {
	var keys []string
	if o.class == ClassArray {
		for i := range o.elems {
			keys = append(keys, strconv.Itoa(i))
		}
		for i := range o.sparse {
			keys = append(keys, strconv.FormatUint(uint64(i), 10))
		}
	}
	return append(keys, o.shape.keys...)
}

// Length returns the array length; zero for non-arrays.
func (o *Object) Length() int { return int(o.length) }

// Elements returns the dense element storage of an array.
func (o *Object) Elements() []Value { return o.elems }

// arrayIndex parses canonical array index keys ("0", "17", not "01").
func arrayIndex(key string) (uint32, bool) {
	if key == "" || len(key) > 10 || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// numberIndex turns an integral, non-negative number into an array index.
func numberIndex(f float64) (uint32, bool) {
	if f < 0 || f >= math.MaxUint32 || f != math.Trunc(f) {
		return 0, false
	}
	return uint32(f), true
}

// getOwn returns an own property. __proto__ is handled by the caller.
func (o *Object) getOwn(key string) (Value, bool) {
	if o.class == ClassArray {
		if idx, ok := arrayIndex(key); ok {
			return o.getIndex(idx)
		}
		if key == "length" {
			return NumberValue(float64(o.length)), true
		}
	}
	if i, ok := o.shape.lookup(key); ok {
		return o.values[i], true
	}
	return Undefined, false
}

func (o *Object) getIndex(idx uint32) (Value, bool) {
	if idx < uint32(len(o.elems)) {
		return o.elems[idx], true
	}
	if v, ok := o.sparse[idx]; ok {
		return v, true
	}
	return Undefined, false
}

func (o *Object) setIndex(idx uint32, v Value) {
	n := uint32(len(o.elems))
	switch {
	case idx < n:
		o.elems[idx] = v
	case idx-n < sparseGap && len(o.sparse) == 0:
		for uint32(len(o.elems)) < idx {
			o.elems = append(o.elems, Undefined)
		}
		o.elems = append(o.elems, v)
	default:
		if o.sparse == nil {
			o.sparse = make(map[uint32]Value)
		}
		o.sparse[idx] = v
	}
	if idx >= o.length {
		o.length = idx + 1
	}
}

func (o *Object) setLength(n uint32) {
	if n < uint32(len(o.elems)) {
		for i := n; i < uint32(len(o.elems)); i++ {
			o.elems[i] = Undefined
		}
		o.elems = o.elems[:n]
	}
	for i := range o.sparse {
		if i >= n {
			delete(o.sparse, i)
		}
	}
	o.length = n
}

// push appends to an array.
func (o *Object) push(v Value) {
	if len(o.sparse) == 0 && uint32(len(o.elems)) == o.length {
		o.elems = append(o.elems, v)
		o.length++
		return
	}
	o.setIndex(o.length, v)
}

// setOwn creates or overwrites an own property.
func (h *Heap) setOwn(o *Object, key string, v Value) {
	if o.class == ClassArray {
		if idx, ok := arrayIndex(key); ok {
			o.setIndex(idx, v)
			return
		}
		if key == "length" {
			if n, ok := numberIndex(v.num); ok && v.typ == TypeNumber {
				o.setLength(n)
			}
			return
		}
	}
	if i, ok := o.shape.lookup(key); ok {
		o.values[i] = v
		return
	}
	o.shape = h.transition(o.shape, key)
	o.values = append(o.values, v)
}

// deleteOwn removes an own property, reporting whether the object changed.
func (h *Heap) deleteOwn(o *Object, key string) bool {
	if o.class == ClassArray {
		if idx, ok := arrayIndex(key); ok {
			if idx < uint32(len(o.elems)) {
				o.elems[idx] = Undefined
				return true
			}
			if _, ok := o.sparse[idx]; ok {
				delete(o.sparse, idx)
				return true
			}
			return false
		}
	}
	i, ok := o.shape.lookup(key)
	if !ok {
		return false
	}
	o.values = append(o.values[:i], o.values[i+1:]...)
	o.shape = h.shapeWithout(o.shape, key)
	return true
}

// lookup walks the prototype chain starting at o. depthExceeded is set when
// more than maxDepth links were followed, which signals a runaway or cyclic
// chain.
func (h *Heap) lookup(o *Object, key string, maxDepth int) (v Value, found bool, depthExceeded bool) {
	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return Undefined, false, true
		}
		if v, ok := o.getOwn(key); ok {
			return v, true, false
		}
		if o.proto.typ != TypeRef {
			return Undefined, false, false
		}
		o = h.mustObject(o.proto.ref)
	}
}

// hasProperty is lookup without the value.
func (h *Heap) hasProperty(o *Object, key string, maxDepth int) (bool, bool) {
	_, found, exceeded := h.lookup(o, key, maxDepth)
	return found, exceeded
}

// DefineOwn installs an own property on an object value. It is the host-side
// counterpart of a property store and never consults the prototype chain.
func (h *Heap) DefineOwn(target Value, key string, v Value) bool {
	o, ok := h.ObjectOf(target)
	if !ok {
		return false
	}
	if key == ProtoKey {
		o.proto = v
		return true
	}
	h.setOwn(o, key, v)
	return true
}

// GetOwn reads an own property of an object value.
func (h *Heap) GetOwn(target Value, key string) (Value, bool) {
	o, ok := h.ObjectOf(target)
	if !ok {
		return Undefined, false
	}
	return o.getOwn(key)
}
