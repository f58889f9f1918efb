package asm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/npillmayer/schuko/tracing/gotestingadapter"

	"jsvm/pkg/errors"
	"jsvm/pkg/vm"
)

var tokenInputs = []struct {
	src    string
	lines  int
	tokens int
}{
	{"int 1", 1, 2},
	{"get.local 0 2 ; comment", 1, 3},
	{"loop:\n  jump loop\n\n", 2, 4},
	{`.function f params=a,b`, 1, 7},
	{`const "a \"quoted\" string"`, 1, 2},
	{"const -1.5e3", 1, 2},
}

func TestTokenize(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.asm")
	defer teardown()
	//
	for i, input := range tokenInputs {
		lines, errs := tokenize("t", input.src)
		if len(errs) > 0 {
			t.Errorf("#%d: unexpected lexical errors %v", i, errs)
			continue
		}
		if len(lines) != input.lines {
			t.Errorf("#%d: expected %d lines, got %d", i, input.lines, len(lines))
		}
		count := 0
		for _, ln := range lines {
			for _, tok := range ln {
				t.Logf(" %4d | %-12s | %d:%d", tok.typ, tok.lexeme, tok.line, tok.column)
				count++
			}
		}
		if count != input.tokens {
			t.Errorf("#%d: expected %d tokens, got %d", i, input.tokens, count)
		}
	}
}

func TestTokenizeReportsBadInput(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.asm")
	defer teardown()
	//
	lines, errs := tokenize("t", "int 1\nint # 2\n")
	if len(errs) != 1 {
		t.Fatalf("expected one lexical error, got %v", errs)
	}
	if errs[0].Line != 2 {
		t.Errorf("expected error on line 2, got %d", errs[0].Line)
	}
	if len(lines) != 2 || len(lines[1]) != 2 {
		t.Errorf("expected scanning to continue after the bad input, got %v", lines)
	}
}

func TestAssembleFunctions(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.asm")
	defer teardown()
	//
	prog, errs := Assemble("t", `
; helper first, entry named main
.function add2 params=a rest=more locals=tmp
    get.local a
    get.local tmp
    get.local 1 0
    return
.end

.function main
    closure add2
    return
.end`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if prog.Main.Name != MainFunction {
		t.Errorf("expected entry main, got %s", prog.Main.Name)
	}
	k := prog.Main.Chunk.Constants[0]
	if k.Kind != vm.ConstFunction || k.Function.Name != "add2" {
		t.Fatalf("expected closure constant for add2, got %v", k)
	}
	fp := k.Function
	if len(fp.Params) != 2 || fp.Params[1] != "more" || !fp.Rest {
		t.Errorf("expected params [a more] with rest, got %v rest=%v", fp.Params, fp.Rest)
	}
	if len(fp.Locals) != 1 || fp.Locals[0] != "tmp" {
		t.Errorf("expected locals [tmp], got %v", fp.Locals)
	}
	code := fp.Chunk.Code
	want := []byte{
		byte(vm.OpGetLocal), 0, byte(vm.SlotFirstParam),
		byte(vm.OpGetLocal), 0, byte(vm.SlotFirstParam + 2),
		byte(vm.OpGetLocal), 1, 0,
		byte(vm.OpReturn),
	}
	if string(code) != string(want) {
		t.Errorf("expected code % x, got % x", want, code)
	}
}

func TestAssembleFirstFunctionIsEntryWithoutMain(t *testing.T) {
	prog, errs := Assemble("t", `
.function start
    int 1
    return
.end`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if prog.Main.Name != "start" {
		t.Errorf("expected entry start, got %s", prog.Main.Name)
	}
}

func TestAssembleLabelsAndHandlers(t *testing.T) {
	prog, errs := Assemble("t", `
.function main
    jump skip
top:
    null
    pop
skip:
    true
    jump.true top2
top2:
    loop top
try:
    throw
tryEnd:
catch:
    return
    .try try tryEnd catch stack=0 scopes=0
.end`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	c := prog.Main.Chunk
	if !c.IsLoopHeader(3) {
		t.Errorf("expected offset 3 to be a loop header:\n%s", c.DisassembleChunk("main"))
	}
	if len(c.Handlers) != 1 {
		t.Fatalf("expected one handler, got %v", c.Handlers)
	}
	h := c.Handlers[0]
	if h.TryStart != 12 || h.TryEnd != 13 || h.HandlerPC != 13 {
		t.Errorf("unexpected handler %+v", h)
	}
}

func TestAssembleErrors(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.asm")
	defer teardown()
	//
	tests := []struct {
		name string
		src  string
		line int
		msg  string
	}{
		{"unknown instruction", ".function main\n    frob\n.end", 2, "unknown instruction frob"},
		{"undefined label", ".function main\n    jump nowhere\n.end", 2, "undefined label nowhere"},
		{"forward loop", ".function main\n    loop later\nlater:\n.end", 2, "must be defined before"},
		{"arity", ".function main\n    add 1\n.end", 2, "takes 0 operand(s)"},
		{"range", ".function main\n    int 40000\n.end", 2, "out of range"},
		{"missing end", ".function main\n    null", 2, "lacks .end"},
		{"outside function", "null\n.function main\n.end", 1, "outside of .function"},
		{"unknown local", ".function main\n    get.local x\n.end", 2, "not a parameter or local"},
		{"unknown function", ".function main\n    closure g\n.end", 2, "unknown function g"},
		{"duplicate function", ".function f\n.end\n.function f\n.end", 3, "defined twice"},
		{"entry with locals", ".function main locals=x\n.end", 1, "cannot declare params or locals"},
		{"bad attribute", ".function f color=red\n.end", 1, "unknown function attribute"},
		{"const operand", ".function main\n    const foo\n.end", 2, "const takes a number or string"},
		{"no functions", "; empty\n", 1, "no function"},
		{"unbalanced scopes", ".function main\n    pop.scope\n.end", 2, "pop.scope without matching push.scope"},
	}
	for _, tt := range tests {
		prog, errs := Assemble("bad.jsa", tt.src)
		if prog != nil {
			t.Errorf("%s: expected no program", tt.name)
		}
		found := false
		for _, e := range errs {
			if strings.Contains(e.Error(), tt.msg) {
				found = true
				if e.Pos().Line != tt.line {
					t.Errorf("%s: expected line %d, got %d", tt.name, tt.line, e.Pos().Line)
				}
				if e.Kind() != "Assemble" {
					t.Errorf("%s: expected an assemble error, got %s", tt.name, e.Kind())
				}
			}
		}
		if !found {
			t.Errorf("%s: expected an error containing %q, got %v", tt.name, tt.msg, errs)
		}
	}
}

func TestAssembleReportsVerifyFailure(t *testing.T) {
	_, errs := Assemble("t", ".function main\nx:\n    null\n    .try x x x\n.end\n")
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "does not verify") {
		t.Fatalf("expected a verification error, got %v", errs)
	}
	if errs[0].Unwrap() == nil || !errors.IsFatal(errs[0].Unwrap()) {
		t.Errorf("expected the verifier's fatal error as cause, got %v", errs[0].Unwrap())
	}
	_, errs = Assemble("t", ".function main\n    add\n    return\n.end\n")
	if len(errs) != 1 || errs[0].Unwrap() == nil || !strings.Contains(errs[0].Unwrap().Error(), "stack underflow") {
		t.Errorf("expected add on an empty stack to be rejected, got %v", errs)
	}
	// labels defined at the end of a function are valid jump targets
	_, errs = Assemble("t", ".function main\n    jump out\nout:\n.end\n")
	if len(errs) != 0 {
		t.Errorf("expected a jump to the end of code to verify, got %v", errs)
	}
}

func TestAssembleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.jsa")
	if err := os.WriteFile(path, []byte(".function main\n    int 3\n    return\n.end\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	prog, errs := AssembleFile(path)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	res, err := vm.New().Run(prog)
	if err != nil || res.AsNumber() != 3 {
		t.Errorf("expected 3, got %v, %v", res, err)
	}
	_, errs = AssembleFile(filepath.Join(dir, "missing.jsa"))
	if len(errs) != 1 {
		t.Fatalf("expected one error for a missing file, got %v", errs)
	}
	ae, ok := errs[0].(*errors.AssembleError)
	if !ok || ae.Unwrap() == nil {
		t.Errorf("expected an assemble error wrapping the I/O failure, got %v", errs[0])
	}
}

func TestLocalNamesInsideBlockScopes(t *testing.T) {
	prog, errs := Assemble("t", `
.function f params=x
    get.local x
    push.scope
    get.local x
    push.scope
    set.local x
    pop.scope
    pop.scope
    return
.end

.function main
    closure f
    return
.end`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	code := prog.Main.Chunk.Constants[0].Function.Chunk.Code
	slot := byte(vm.SlotFirstParam)
	want := []byte{
		byte(vm.OpGetLocal), 0, slot,
		byte(vm.OpPushScope),
		byte(vm.OpGetLocal), 1, slot,
		byte(vm.OpPushScope),
		byte(vm.OpSetLocal), 2, slot,
		byte(vm.OpPopScope),
		byte(vm.OpPopScope),
		byte(vm.OpReturn),
	}
	if string(code) != string(want) {
		t.Errorf("expected code % x, got % x", want, code)
	}
}

// constantSource generates a function that loads n distinct numbers.
func constantSource(n int) string {
	var b strings.Builder
	b.WriteString(".function main\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "    const %d.5\n    pop\n", i)
	}
	b.WriteString(".end\n")
	return b.String()
}

func TestConstantPoolLimit(t *testing.T) {
	if _, errs := Assemble("t", constantSource(vm.MaxConstants)); len(errs) > 0 {
		t.Fatalf("expected a full constant pool to assemble, got %v", errs[0])
	}
	_, errs := Assemble("t", constantSource(vm.MaxConstants+1))
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %d", len(errs))
	}
	if !strings.Contains(errs[0].Error(), "more than 65536 constants") {
		t.Errorf("expected a constant pool error, got %v", errs[0])
	}
	if line := errs[0].Pos().Line; line != 2*vm.MaxConstants+2 {
		t.Errorf("expected the error at the first constant past the limit, line %d, got %d", 2*vm.MaxConstants+2, line)
	}
}
