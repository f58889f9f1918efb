package vm

import (
	"testing"
)

func TestActivationLayout(t *testing.T) {
	m := New()
	fp := &FunctionProto{Name: "f", Params: []string{"a", "b"}, Locals: []string{"tmp"}, Chunk: NewChunk()}
	env := m.activation(fp, m.GlobalEnv(), NumberValue(9), []Value{NumberValue(1)})
	e := m.Heap().Environment(env)
	names := e.Names()
	want := []string{"this", "arguments", "a", "b", "tmp"}
	if len(names) != len(want) {
		t.Fatalf("expected layout %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("slot %d: expected %s, got %s", i, want[i], names[i])
		}
	}
	if e.Slot(SlotThis).AsNumber() != 9 {
		t.Errorf("expected this in slot %d", SlotThis)
	}
	if e.Slot(SlotFirstParam).AsNumber() != 1 {
		t.Errorf("expected a = 1")
	}
	if !e.Slot(SlotFirstParam + 1).IsUndefined() {
		t.Errorf("expected missing argument b to be undefined")
	}
	args, ok := m.ArrayValues(e.Slot(SlotArguments))
	if !ok || len(args) != 1 {
		t.Errorf("expected arguments array of length 1, got %v", args)
	}
	if e.Parent() != m.GlobalEnv() {
		t.Errorf("expected the activation to be linked to the captured environment")
	}
}

func TestRestParameter(t *testing.T) {
	m := New()
	fp := &FunctionProto{Name: "f", Params: []string{"first", "rest"}, Rest: true, Chunk: NewChunk()}
	env := m.activation(fp, m.GlobalEnv(), Undefined,
		[]Value{NumberValue(1), NumberValue(2), NumberValue(3)})
	e := m.Heap().Environment(env)
	rest, ok := m.ArrayValues(e.Slot(SlotFirstParam + 1))
	if !ok || len(rest) != 2 || rest[0].AsNumber() != 2 || rest[1].AsNumber() != 3 {
		t.Errorf("expected rest = [2, 3], got %s", m.Display(e.Slot(SlotFirstParam+1)))
	}
	env = m.activation(fp, m.GlobalEnv(), Undefined, nil)
	e = m.Heap().Environment(env)
	if rest, ok := m.ArrayValues(e.Slot(SlotFirstParam + 1)); !ok || len(rest) != 0 {
		t.Errorf("expected an empty rest array without surplus arguments")
	}
}

func TestDynamicDeclarationCopiesSharedLayout(t *testing.T) {
	m := New()
	fp := &FunctionProto{Name: "f", Params: []string{"x"}, Chunk: NewChunk()}
	first := m.Heap().Environment(m.activation(fp, m.GlobalEnv(), Undefined, nil))
	second := m.Heap().Environment(m.activation(fp, m.GlobalEnv(), Undefined, nil))
	first.declare("extra", True)
	if _, ok := second.lookup("extra"); ok {
		t.Errorf("a declaration in one activation must not leak into another")
	}
	if i, ok := first.lookup("extra"); !ok || first.Slot(i) != True {
		t.Errorf("expected extra to be bound in the first activation")
	}
	if len(fp.layout.names) != SlotFirstParam+1 {
		t.Errorf("the shared layout must stay unchanged, got %v", fp.layout.names)
	}
}

func TestNameResolution(t *testing.T) {
	m := New()
	m.DefineGlobal("g", NumberValue(1))
	inner := m.pushScope(m.GlobalEnv())
	m.bind(inner, "local", NumberValue(2))
	if v, err := m.resolve(inner, "g"); err != nil || v.AsNumber() != 1 {
		t.Errorf("expected g = 1 through the chain, got %s (%v)", m.Display(v), err)
	}
	if err := m.assign(inner, "g", NumberValue(3)); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Global("g"); v.AsNumber() != 3 {
		t.Errorf("assignment must update the nearest existing binding")
	}
	if err := m.assign(inner, "fresh", True); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Global("fresh"); !ok {
		t.Errorf("expected an implicit global")
	}
	if _, err := m.resolve(m.GlobalEnv(), "local"); err == nil {
		t.Errorf("block bindings must not be visible from the outer scope")
	}
}

func TestStrictAssignmentThrowsReferenceError(t *testing.T) {
	m := New(WithImplicitGlobals(false))
	err := m.assign(m.GlobalEnv(), "nope", True)
	exc, ok := err.(*Exception)
	if !ok {
		t.Fatalf("expected a script exception, got %v", err)
	}
	msg, _ := m.Get(exc.Value, "message")
	if s, _ := m.Heap().StringOf(msg); s != "nope is not defined" {
		t.Errorf("unexpected message %q", s)
	}
	o, _ := m.Heap().ObjectOf(exc.Value)
	if o.Prototype() != m.Realm().ErrorPrototype(ReferenceError) {
		t.Errorf("expected a ReferenceError")
	}
}

func TestSlotAccessByDepth(t *testing.T) {
	m := New()
	outer := &FunctionProto{Name: "outer", Locals: []string{"v"}, Chunk: NewChunk()}
	oenv := m.activation(outer, m.GlobalEnv(), Undefined, nil)
	m.setSlot(oenv, 0, SlotFirstParam, NumberValue(5))
	inner := m.pushScope(oenv)
	if v := m.getSlot(inner, 1, SlotFirstParam); v.AsNumber() != 5 {
		t.Errorf("expected v = 5 one link out, got %s", m.Display(v))
	}
}
