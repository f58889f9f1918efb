package vm

import (
	"math"
	"strings"
	"testing"

	"jsvm/pkg/errors"
)

func TestOpCodeTable(t *testing.T) {
	for op := OpCode(0); op < opCount; op++ {
		name := op.String()
		if name == "" {
			t.Errorf("opcode %d has no mnemonic", op)
			continue
		}
		back, ok := LookupOpCode(name)
		if !ok || back != op {
			t.Errorf("LookupOpCode(%q) = %d, %v, want %d", name, back, ok, op)
		}
	}
	if OpGetLocal.Size() != 3 || OpConst.Size() != 3 || OpAdd.Size() != 1 || OpCall.Size() != 2 {
		t.Errorf("unexpected instruction sizes")
	}
	if _, ok := LookupOpCode("frobnicate"); ok {
		t.Errorf("unknown mnemonic must not resolve")
	}
}

func TestJumpEncoding(t *testing.T) {
	c := NewChunk()
	c.Emit(OpTrue, 1)
	j := c.EmitJump(OpJumpIfFalse, 1)
	header := len(c.Code)
	c.Emit(OpNull, 2)
	c.Emit(OpPop, 2)
	c.EmitLoop(header, 2)
	c.PatchJump(j)
	if err := c.Verify("jumps"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if in := c.decode(j); in.a != len(c.Code) {
		t.Errorf("expected forward jump to %d, got %d", len(c.Code), in.a)
	}
	loop := c.decode(len(c.Code) - 3)
	if loop.op != OpLoop || loop.a != header {
		t.Errorf("expected loop back to %d, got %s -> %d", header, loop.op, loop.a)
	}
	if !c.IsLoopHeader(header) {
		t.Errorf("expected %d to be recorded as a loop header", header)
	}
}

func TestVerifyRejectsMalformedCode(t *testing.T) {
	tests := []struct {
		name  string
		build func(c *Chunk)
		msg   string
	}{
		{"unknown opcode", func(c *Chunk) {
			c.WriteByte(byte(opCount), 1)
		}, "unknown opcode"},
		{"truncated operand", func(c *Chunk) {
			c.WriteOpCode(OpConst, 1)
			c.WriteByte(0, 1)
		}, "truncated"},
		{"constant out of range", func(c *Chunk) {
			c.Emit(OpConst, 1, 4)
		}, "out of range"},
		{"name is not a string", func(c *Chunk) {
			c.Emit(OpGetName, 1, int(c.AddNumber(1)))
		}, "not a name"},
		{"jump into an instruction", func(c *Chunk) {
			c.Emit(OpConst, 1, int(c.AddNumber(1)))
			j := c.EmitJump(OpJump, 1)
			c.SetJumpTarget(j, 1)
		}, "instruction boundary"},
		{"forward loop", func(c *Chunk) {
			c.Emit(OpLoop, 1, 0)
			c.Emit(OpPop, 1)
		}, "not behind"},
		{"bad handler", func(c *Chunk) {
			c.Emit(OpNull, 1)
			c.Handlers = append(c.Handlers, Handler{TryStart: 0, TryEnd: 0, HandlerPC: 0})
		}, "invalid handler range"},
		{"add on empty stack", func(c *Chunk) {
			c.Emit(OpAdd, 1)
			c.Emit(OpReturn, 1)
		}, "stack underflow"},
		{"call without callee", func(c *Chunk) {
			c.Emit(OpInt, 1, 1)
			c.Emit(OpCall, 1, 1)
			c.Emit(OpReturn, 1)
		}, "stack underflow"},
		{"underflow on one branch", func(c *Chunk) {
			c.Emit(OpTrue, 1)
			j := c.EmitJump(OpJumpIfTrue, 1)
			c.Emit(OpInt, 2, 1)
			c.PatchJump(j)
			c.Emit(OpReturn, 3)
		}, "stack underflow"},
		{"underflow in handler", func(c *Chunk) {
			c.Emit(OpNull, 1)
			c.Emit(OpThrow, 1)
			c.Emit(OpAdd, 2)
			c.Emit(OpReturn, 2)
			c.Handlers = append(c.Handlers, Handler{TryStart: 0, TryEnd: 2, HandlerPC: 2})
		}, "stack underflow"},
		{"handler above the stack", func(c *Chunk) {
			c.Emit(OpNull, 1)
			c.Emit(OpThrow, 1)
			c.Emit(OpReturn, 2)
			c.Handlers = append(c.Handlers, Handler{TryStart: 0, TryEnd: 2, HandlerPC: 2, StackDepth: 2})
		}, "expects 2 operand(s)"},
		{"too many constants", func(c *Chunk) {
			c.Constants = make([]Constant, MaxConstants+1)
			c.Emit(OpUndefined, 1)
			c.Emit(OpReturn, 1)
		}, "too many constants"},
	}
	for _, tt := range tests {
		c := NewChunk()
		tt.build(c)
		err := c.Verify(tt.name)
		if err == nil {
			t.Errorf("%s: expected verification to fail", tt.name)
			continue
		}
		if !errors.IsFatal(err) || !strings.Contains(err.Error(), tt.msg) {
			t.Errorf("%s: expected fatal error containing %q, got %v", tt.name, tt.msg, err)
		}
	}
}

func TestFingerprintChangesWithCode(t *testing.T) {
	c := NewChunk()
	c.Emit(OpInt, 1, 100)
	c.Emit(OpReturn, 1)
	fp1 := c.Fingerprint()
	if fp1 == "" || fp1 != c.Fingerprint() {
		t.Fatalf("expected a stable non-empty fingerprint, got %q", fp1)
	}
	c.Patch(1, []byte{0, 50})
	if c.Fingerprint() == fp1 {
		t.Errorf("patching code must change the fingerprint")
	}
	c.Patch(1, []byte{0, 100})
	if c.Fingerprint() != fp1 {
		t.Errorf("identical code must hash identically")
	}
	d := NewChunk()
	d.Emit(OpInt, 1, 100)
	d.Emit(OpReturn, 1)
	d.AddString("extra")
	if d.Fingerprint() == fp1 {
		t.Errorf("constants must take part in the fingerprint")
	}
}

func TestHandlerForPicksInnermost(t *testing.T) {
	c := NewChunk()
	for i := 0; i < 10; i++ {
		c.Emit(OpNull, 1)
	}
	c.Handlers = []Handler{
		{TryStart: 0, TryEnd: 10, HandlerPC: 9},
		{TryStart: 2, TryEnd: 5, HandlerPC: 8},
	}
	if h := c.handlerFor(3); h == nil || h.HandlerPC != 8 {
		t.Errorf("expected the inner handler for pc 3, got %+v", h)
	}
	if h := c.handlerFor(6); h == nil || h.HandlerPC != 9 {
		t.Errorf("expected the outer handler for pc 6, got %+v", h)
	}
	if h := c.handlerFor(10); h != nil {
		t.Errorf("expected no handler outside the ranges, got %+v", h)
	}
}

func TestDisassembly(t *testing.T) {
	c := NewChunk()
	c.Emit(OpConst, 1, int(c.AddString("hi")))
	header := len(c.Code)
	c.Emit(OpGetLocal, 2, 1, 3)
	c.EmitLoop(header, 2)
	if err := c.Verify("dis"); err != nil {
		t.Fatal(err)
	}
	out := c.DisassembleChunk("dis")
	for _, want := range []string{"== dis ==", `const "hi"`, "get.local 1 3", "loop -> 0003", "loop header"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected disassembly to contain %q:\n%s", want, out)
		}
	}
}

func TestVerifyAcceptsBalancedPaths(t *testing.T) {
	c := NewChunk()
	// cond ? 1 : 2, then a loop that leaves the stack as it found it
	c.Emit(OpTrue, 1)
	j := c.EmitJump(OpJumpIfFalse, 1)
	c.Emit(OpInt, 1, 1)
	end := c.EmitJump(OpJump, 1)
	c.PatchJump(j)
	c.Emit(OpInt, 1, 2)
	c.PatchJump(end)
	header := len(c.Code)
	c.Emit(OpDup, 2)
	c.Emit(OpPop, 2)
	c.EmitLoop(header, 2)
	if err := c.Verify("balanced"); err != nil {
		t.Errorf("expected balanced code to verify, got %v", err)
	}
}

// selfReferencing builds f, whose body creates a closure of f, and the
// mutually recursive pair g and h.
func selfReferencing() (f, g, h *FunctionProto) {
	f = &FunctionProto{Name: "f", Chunk: NewChunk()}
	f.Chunk.Emit(OpClosure, 1, int(f.Chunk.AddFunction(f)))
	f.Chunk.Emit(OpReturn, 1)
	g = &FunctionProto{Name: "g", Chunk: NewChunk()}
	h = &FunctionProto{Name: "h", Chunk: NewChunk()}
	g.Chunk.Emit(OpClosure, 2, int(g.Chunk.AddFunction(h)))
	g.Chunk.Emit(OpReturn, 2)
	h.Chunk.Emit(OpClosure, 3, int(h.Chunk.AddFunction(g)))
	h.Chunk.Emit(OpReturn, 3)
	return f, g, h
}

func TestVerifyRecursiveFunctions(t *testing.T) {
	f, g, h := selfReferencing()
	if err := f.Chunk.Verify("f"); err != nil {
		t.Errorf("self-referencing function: %v", err)
	}
	if err := g.Chunk.Verify("g"); err != nil {
		t.Errorf("mutually recursive functions: %v", err)
	}
	if !f.Chunk.verified || !g.Chunk.verified || !h.Chunk.verified {
		t.Errorf("expected every chunk of the cycle to be verified")
	}
	out := g.Chunk.DisassembleChunk("g")
	if strings.Count(out, "== g ==") != 1 || strings.Count(out, "== h ==") != 1 {
		t.Errorf("expected g and h listed once each:\n%s", out)
	}
	if out := f.Chunk.DisassembleChunk("f"); strings.Count(out, "== f ==") != 1 {
		t.Errorf("expected f listed once:\n%s", out)
	}
}

func TestAddConstantDeduplicates(t *testing.T) {
	c := NewChunk()
	zero := c.AddNumber(0)
	if c.AddNumber(0) != zero {
		t.Errorf("equal numbers must share an entry")
	}
	if c.AddNumber(math.Copysign(0, -1)) == zero {
		t.Errorf("-0 must not share the entry of 0")
	}
	s := c.AddString("k")
	if c.AddString("k") != s {
		t.Errorf("equal strings must share an entry")
	}
	if c.AddString("0") == zero {
		t.Errorf("a string must not share a number entry")
	}
	nan := c.AddNumber(math.NaN())
	if c.AddNumber(math.NaN()) != nan {
		t.Errorf("NaN constants must share an entry")
	}
	if len(c.Constants) != 5 {
		t.Errorf("expected 5 constants, got %d", len(c.Constants))
	}
	fp := &FunctionProto{Name: "f", Chunk: NewChunk()}
	if c.AddFunction(fp) == c.AddFunction(fp) {
		t.Errorf("function constants are never shared")
	}
}
