package vm

import (
	"testing"

	"jsvm/pkg/errors"
)

func TestHeapAllocationAndGenerations(t *testing.T) {
	h := NewHeap()
	if h.Live() != 0 {
		t.Fatalf("expected empty heap, got %d live cells", h.Live())
	}
	s := h.NewString("hello")
	if !h.IsString(s) {
		t.Errorf("expected a string cell")
	}
	if str, ok := h.StringOf(s); !ok || str != "hello" {
		t.Errorf("StringOf = %q, %v", str, ok)
	}
	if s.AsRef().IsNil() {
		t.Errorf("allocated cell must not use the nil index")
	}
	if h.Live() != 1 || h.Allocated() != 1 {
		t.Errorf("expected 1 live and 1 allocated cell, got %d and %d", h.Live(), h.Allocated())
	}
	if h.IsLive(Ref{}) {
		t.Errorf("the nil ref must never be live")
	}
}

func TestShapeTransitionsAreShared(t *testing.T) {
	m := New()
	h := m.Heap()
	a, b := m.NewObject(), m.NewObject()
	oa, _ := h.ObjectOf(a)
	ob, _ := h.ObjectOf(b)
	root := oa.Shape()
	h.DefineOwn(a, "x", NumberValue(1))
	if oa.Shape() == root {
		t.Errorf("expected a new shape after the first property")
	}
	s1 := oa.Shape()
	h.DefineOwn(a, "x", NumberValue(2))
	if oa.Shape() != s1 {
		t.Errorf("overwriting a property must keep the shape")
	}
	h.DefineOwn(a, "y", NumberValue(3))
	h.DefineOwn(b, "x", NumberValue(4))
	h.DefineOwn(b, "y", NumberValue(5))
	if oa.Shape() != ob.Shape() {
		t.Errorf("objects built with the same keys in the same order must share a shape")
	}
	keys := oa.Keys()
	if len(keys) != 2 || keys[0] != "x" || keys[1] != "y" {
		t.Errorf("Keys order mismatch, expected [x y], got %v", keys)
	}
	h.DefineOwn(b, "z", True)
	if oa.Shape() == ob.Shape() {
		t.Errorf("adding a key must move b to a different shape")
	}
}

func TestDeletePropertyRebuildsShape(t *testing.T) {
	m := New()
	h := m.Heap()
	obj := m.NewObject()
	for i, k := range []string{"a", "b", "c"} {
		h.DefineOwn(obj, k, NumberValue(float64(i)))
	}
	ok, err := m.deleteProp(obj, "b")
	if err != nil || !ok {
		t.Fatalf("delete failed: %v, %v", ok, err)
	}
	o, _ := h.ObjectOf(obj)
	if keys := o.Keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("expected keys [a c] after delete, got %v", keys)
	}
	if v, _ := h.GetOwn(obj, "c"); v.AsNumber() != 2 {
		t.Errorf("expected c to keep its value 2, got %s", m.Display(v))
	}
	other := m.NewObject()
	h.DefineOwn(other, "a", Null)
	h.DefineOwn(other, "c", Null)
	oo, _ := h.ObjectOf(other)
	if oo.Shape() != o.Shape() {
		t.Errorf("expected the shape after delete to equal the shape of {a, c}")
	}
}

func TestArrayElements(t *testing.T) {
	m := New()
	h := m.Heap()
	arr := m.NewArray([]Value{NumberValue(1), NumberValue(2)})
	o, _ := h.ObjectOf(arr)
	if o.Class() != ClassArray || o.Length() != 2 {
		t.Fatalf("expected array of length 2, got %s of %d", o.Class(), o.Length())
	}
	if n, ok := m.ArrayPush(arr, NumberValue(3)); !ok || n != 3 {
		t.Errorf("ArrayPush = %d, %v, want 3, true", n, ok)
	}
	if err := m.Set(arr, "5", True); err != nil {
		t.Fatal(err)
	}
	if o.Length() != 6 {
		t.Errorf("expected length 6 after writing index 5, got %d", o.Length())
	}
	vs, _ := m.ArrayValues(arr)
	if !vs[3].IsUndefined() || !vs[4].IsUndefined() || vs[5] != True {
		t.Errorf("expected holes to read as undefined, got %s", m.Display(arr))
	}
	if err := m.Set(arr, "length", NumberValue(1)); err != nil {
		t.Fatal(err)
	}
	if got := m.Display(arr); got != "[ 1 ]" {
		t.Errorf("expected truncated array [ 1 ], got %s", got)
	}
	if err := m.Set(arr, "100000", NumberValue(7)); err != nil {
		t.Fatal(err)
	}
	if v, err := m.Get(arr, "100000"); err != nil || v.AsNumber() != 7 {
		t.Errorf("expected sparse element 7, got %s (%v)", m.Display(v), err)
	}
	if o.Length() != 100001 {
		t.Errorf("expected length 100001, got %d", o.Length())
	}
	if _, ok := m.ArrayPush(m.NewObject(), True); ok {
		t.Errorf("ArrayPush must reject non-arrays")
	}
}

func TestArrayIndexKeys(t *testing.T) {
	tests := []struct {
		key string
		idx uint32
		ok  bool
	}{
		{"0", 0, true},
		{"17", 17, true},
		{"01", 0, false},
		{"-1", 0, false},
		{"1.5", 0, false},
		{"4294967295", 0, false},
		{"length", 0, false},
	}
	for _, tt := range tests {
		idx, ok := arrayIndex(tt.key)
		if ok != tt.ok || idx != tt.idx {
			t.Errorf("arrayIndex(%q) = %d, %v, want %d, %v", tt.key, idx, ok, tt.idx, tt.ok)
		}
	}
}

func TestPrototypeLookup(t *testing.T) {
	m := New()
	base := m.NewObject()
	m.Heap().DefineOwn(base, "greet", m.NewString("hi"))
	derived := m.Heap().NewObject(base)
	v, err := m.Get(derived, "greet")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := m.Heap().StringOf(v); s != "hi" {
		t.Errorf("expected inherited property hi, got %s", m.Display(v))
	}
	if v, _ := m.Get(derived, "missing"); !v.IsUndefined() {
		t.Errorf("expected undefined for a missing property, got %s", m.Display(v))
	}
	p, _ := m.Get(derived, ProtoKey)
	if p != base {
		t.Errorf("expected __proto__ to read the prototype link")
	}
	if err := m.Set(derived, ProtoKey, Null); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Get(derived, "greet"); !v.IsUndefined() {
		t.Errorf("expected no inheritance after __proto__ = null")
	}
}

func TestPrototypeCycleOverflows(t *testing.T) {
	m := New(WithMaxPrototypeDepth(16))
	a, b := m.NewObject(), m.NewObject()
	if err := m.Set(a, ProtoKey, b); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(b, ProtoKey, a); err != nil {
		t.Fatal(err)
	}
	_, err := m.Get(a, "nowhere")
	if _, ok := err.(*errors.StackOverflowError); !ok {
		t.Fatalf("expected a stack overflow for a cyclic chain, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Errorf("prototype overflow must be fatal")
	}
}

func TestDisplay(t *testing.T) {
	m := New()
	h := m.Heap()
	obj := m.NewObject()
	h.DefineOwn(obj, "a", NumberValue(1))
	h.DefineOwn(obj, "s", h.NewString("x"))
	h.DefineOwn(obj, "self", obj)
	arr := m.NewArray([]Value{NumberValue(1), h.NewString("two"), Null})
	tests := []struct {
		v    Value
		want string
	}{
		{h.NewString("raw"), "raw"},
		{arr, `[ 1, "two", null ]`},
		{m.NewArray(nil), "[]"},
		{m.NewObject(), "{}"},
		{obj, `{ a: 1, s: "x", self: [Circular] }`},
		{m.NewNative("f", nil), "[Function: f]"},
		{m.NewError(TypeError, "bad"), "TypeError: bad"},
	}
	for _, tt := range tests {
		if got := m.Display(tt.v); got != tt.want {
			t.Errorf("Display = %q, want %q", got, tt.want)
		}
	}
}
