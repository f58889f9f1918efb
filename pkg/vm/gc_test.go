package vm

import (
	"testing"

	"github.com/npillmayer/schuko/tracing/gotestingadapter"

	"jsvm/pkg/errors"
)

func TestCollectFreesUnreachableCycles(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.gc")
	defer teardown()
	//
	m := New()
	h := m.Heap()
	a, b := m.NewObject(), m.NewObject()
	h.DefineOwn(a, "peer", b)
	h.DefineOwn(b, "peer", a)
	before := h.Live()
	stats, err := m.CollectGarbage()
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	if h.IsLive(a.AsRef()) || h.IsLive(b.AsRef()) {
		t.Errorf("expected an unreachable cycle to be reclaimed")
	}
	if stats.Collections != 1 {
		t.Errorf("expected 1 collection, got %d", stats.Collections)
	}
	if h.Live() != before-2 {
		t.Errorf("expected exactly the two cycle members to be freed, live %d -> %d", before, h.Live())
	}
}

func TestCollectKeepsRoots(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.gc")
	defer teardown()
	//
	m := New()
	h := m.Heap()
	global := m.NewObject()
	child := m.NewArray([]Value{h.NewString("kept")})
	h.DefineOwn(global, "child", child)
	m.DefineGlobal("g", global)
	pinned := m.NewObject()
	m.Retain(pinned)
	if _, err := m.CollectGarbage(); err != nil {
		t.Fatal(err)
	}
	for name, v := range map[string]Value{"global": global, "child": child, "pinned": pinned} {
		if !h.IsLive(v.AsRef()) {
			t.Errorf("expected %s to survive collection", name)
		}
	}
	if !h.IsLive(m.Realm().ObjectPrototype.AsRef()) {
		t.Errorf("intrinsics must survive collection")
	}
	m.Release(pinned)
	if _, err := m.CollectGarbage(); err != nil {
		t.Fatal(err)
	}
	if h.IsLive(pinned.AsRef()) {
		t.Errorf("expected a released value to be collected")
	}
}

func TestStaleReferenceIsFatal(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.gc")
	defer teardown()
	//
	m := New()
	fn := m.NewNative("lost", func(*NativeCall) (Value, error) { return Undefined, nil })
	if _, err := m.CollectGarbage(); err != nil {
		t.Fatal(err)
	}
	// reuse the freed cell with a new generation
	fresh := m.NewObject()
	if fresh.AsRef() == fn.AsRef() {
		t.Fatalf("a reused cell must carry a new generation")
	}
	_, err := m.Call(fn, Undefined)
	if err == nil {
		t.Fatalf("expected calling a stale handle to fail")
	}
	if _, ok := err.(*errors.FatalError); !ok {
		t.Errorf("expected a fatal error, got %T: %v", err, err)
	}
}

func TestCollectionDuringExecution(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.gc")
	defer teardown()
	//
	m := New(WithGCThreshold(64), WithJIT(false))
	c := NewChunk()
	// i = 0; while (i < 500) { tmp = {}; i = i + 1 }; return i
	i := int(c.AddString("i"))
	tmp := int(c.AddString("tmp"))
	c.Emit(OpInt, 1, 0)
	c.Emit(OpDeclVar, 1, i)
	header := len(c.Code)
	c.Emit(OpGetName, 2, i)
	c.Emit(OpInt, 2, 500)
	c.Emit(OpLt, 2)
	exit := c.EmitJump(OpJumpIfFalse, 2)
	c.Emit(OpNewObject, 3, 0)
	c.Emit(OpSetName, 3, tmp)
	c.Emit(OpPop, 3)
	c.Emit(OpGetName, 4, i)
	c.Emit(OpInt, 4, 1)
	c.Emit(OpAdd, 4)
	c.Emit(OpSetName, 4, i)
	c.Emit(OpPop, 4)
	c.EmitLoop(header, 4)
	c.PatchJump(exit)
	c.Emit(OpGetName, 5, i)
	c.Emit(OpReturn, 5)
	res, err := m.Run(&Program{Main: &FunctionProto{Name: "main", Chunk: c}})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.AsNumber() != 500 {
		t.Errorf("expected 500, got %s", m.Display(res))
	}
	st := m.GCStats()
	if st.Collections == 0 {
		t.Errorf("expected the allocation threshold to trigger collections")
	}
	if st.Freed == 0 {
		t.Errorf("expected garbage objects to be freed")
	}
	if v, ok := m.Global("tmp"); !ok || !m.Heap().IsLive(v.AsRef()) {
		t.Errorf("the object still bound to tmp must survive")
	}
}
