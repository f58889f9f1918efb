package builtins_test

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/npillmayer/schuko/tracing/gotestingadapter"

	"jsvm/pkg/asm"
	"jsvm/pkg/builtins"
	"jsvm/pkg/vm"
)

const seed = 7

// runScript assembles src and runs it in a fresh VM with the builtins
// installed. It returns the machine, the completion value, everything
// written to stdout and the run error.
func runScript(t *testing.T, src string) (*vm.VM, vm.Value, string, error) {
	t.Helper()
	prog, errs := asm.Assemble("builtins", src)
	if len(errs) > 0 {
		for _, e := range errs {
			t.Errorf("assemble: %v", e)
		}
		t.FailNow()
	}
	var out bytes.Buffer
	m := vm.New(vm.WithStdout(&out))
	if err := builtins.InstallWith(m, rand.New(rand.NewSource(seed))); err != nil {
		t.Fatalf("install: %v", err)
	}
	res, err := m.Run(prog)
	return m, res, out.String(), err
}

func TestInitializerOrder(t *testing.T) {
	inits := builtins.GetStandardInitializers()
	for i := 1; i < len(inits); i++ {
		if inits[i-1].Priority() > inits[i].Priority() {
			t.Errorf("%s (%d) sorted before %s (%d)", inits[i-1].Name(), inits[i-1].Priority(),
				inits[i].Name(), inits[i].Priority())
		}
	}
	if inits[0].Name() != "Object" {
		t.Errorf("expected Object to initialize first, got %s", inits[0].Name())
	}
}

var scripts = []struct {
	name   string
	src    string
	expect string // Display of the completion value
	stdout string
}{
	{name: "ConsoleLog", src: `
.function main
    get.name console
    dup
    get.prop log
    const "x"
    int 1
    int 1
    const "a"
    new.array 2
    call.method 3
    return
.end`, expect: "undefined", stdout: "x 1 [ 1, \"a\" ]\n"},
	{name: "ProcessStdoutWrite", src: `
.function main
    get.name process
    get.prop stdout
    dup
    get.prop write
    const "a"
    call.method 1
    pop
    get.name process
    get.prop stdout
    dup
    get.prop write
    int 1
    call.method 1
    return
.end`, expect: "true", stdout: "a1"},
	{name: "SearchFindsFirstMatch", src: `
.function main
    const "hello"
    dup
    get.prop search
    const "l+"
    call.method 1
    return
.end`, expect: "2"},
	{name: "SearchCountsUTF16Units", src: `
.function main
    const "\U0001F600ab"
    dup
    get.prop search
    const "a"
    call.method 1
    return
.end`, expect: "2"},
	{name: "SearchWithoutMatch", src: `
.function main
    const "hello"
    dup
    get.prop search
    const "z"
    call.method 1
    return
.end`, expect: "-1"},
	{name: "MatchGroups", src: `
.function main
    const "v2024-10"
    dup
    get.prop match
    const "(\\d+)-(\\d+)"
    call.method 1
    return
.end`, expect: `[ "2024-10", "2024", "10" ]`},
	{name: "MatchIndex", src: `
.function main
    const "v2024-10"
    dup
    get.prop match
    const "\\d+"
    call.method 1
    get.prop index
    return
.end`, expect: "1"},
	{name: "MatchUnsetGroup", src: `
.function main
    const "ab"
    dup
    get.prop match
    const "a(x)?b"
    call.method 1
    return
.end`, expect: `[ "ab", undefined ]`},
	{name: "MatchGlobal", src: `
.function main
    const "a1b22c333"
    dup
    get.prop match
    const "\\d+"
    const "g"
    call.method 2
    return
.end`, expect: `[ "1", "22", "333" ]`},
	{name: "MatchIgnoreCase", src: `
.function main
    const "ABC"
    dup
    get.prop match
    const "b"
    const "i"
    call.method 2
    return
.end`, expect: `[ "B" ]`},
	{name: "MatchNone", src: `
.function main
    const "abc"
    dup
    get.prop match
    const "x"
    call.method 1
    return
.end`, expect: "null"},
	{name: "LocaleCompareOrders", src: `
.function main
    const "a"
    dup
    get.prop localeCompare
    const "b"
    call.method 1
    return
.end`, expect: "-1"},
	{name: "LocaleCompareEqual", src: `
.function main
    const "same"
    dup
    get.prop localeCompare
    const "same"
    call.method 1
    return
.end`, expect: "0"},
	{name: "LocaleCompareCollates", src: `
.function main
    const "\u00e4"
    dup
    get.prop localeCompare
    const "z"
    const "de"
    call.method 2
    return
.end`, expect: "-1"},
	{name: "ArrayPush", src: `
.function main
    int 1
    new.array 1
    decl.var arr
    get.name arr
    dup
    get.prop push
    int 2
    int 3
    call.method 2
    pop
    get.name arr
    return
.end`, expect: "[ 1, 2, 3 ]"},
	{name: "FunctionCall", src: `
.function sum params=a,b
    this
    get.prop base
    get.local a
    add
    get.local b
    add
    return
.end

.function main
    const "base"
    int 100
    new.object 1
    decl.var o
    closure sum
    dup
    get.prop call
    get.name o
    int 2
    int 3
    call.method 3
    return
.end`, expect: "105"},
	{name: "FunctionApply", src: `
.function sum params=a,b
    get.local a
    get.local b
    add
    return
.end

.function main
    closure sum
    dup
    get.prop apply
    null
    int 4
    int 5
    new.array 2
    call.method 2
    return
.end`, expect: "9"},
	{name: "GetPrototypeOfArray", src: `
.function main
    get.name Object
    dup
    get.prop getPrototypeOf
    new.array 0
    call.method 1
    get.name Array
    get.prop prototype
    seq
    return
.end`, expect: "true"},
	{name: "MathFloor", src: `
.function main
    get.name Math
    dup
    get.prop floor
    const -2.5
    call.method 1
    return
.end`, expect: "-3"},
	{name: "MathPow", src: `
.function main
    get.name Math
    dup
    get.prop pow
    int 2
    int 10
    call.method 2
    return
.end`, expect: "1024"},
	{name: "MathPowNaNExponent", src: `
.function main
    get.name Math
    dup
    get.prop pow
    int 1
    undefined
    call.method 2
    return
.end`, expect: "NaN"},
}

func TestBuiltinScripts(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "jsvm.vm")
	defer teardown()
	//
	for _, sc := range scripts {
		t.Run(sc.name, func(t *testing.T) {
			m, res, out, err := runScript(t, sc.src)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := m.Display(res); got != sc.expect {
				t.Errorf("expected %s, got %s", sc.expect, got)
			}
			if out != sc.stdout {
				t.Errorf("expected stdout %q, got %q", sc.stdout, out)
			}
		})
	}
}

func TestBuiltinErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"ApplyNonArray", `
.function f
    undefined
    return
.end

.function main
    closure f
    dup
    get.prop apply
    null
    int 7
    call.method 2
    return
.end`, "TypeError: CreateListFromArrayLike called on non-array"},
		{"BadRegexFlags", `
.function main
    const "abc"
    dup
    get.prop match
    const "a"
    const "q"
    call.method 2
    return
.end`, "Invalid regular expression flags 'q'"},
		{"BadRegex", `
.function main
    const "abc"
    dup
    get.prop search
    const "(a"
    call.method 1
    return
.end`, "Invalid regular expression: /(a/"},
		{"PrototypeOfNull", `
.function main
    get.name Object
    dup
    get.prop getPrototypeOf
    null
    call.method 1
    return
.end`, "Cannot convert undefined or null to object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := runScript(t, tt.src)
			if err == nil {
				t.Fatalf("expected an error containing %q", tt.msg)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("expected an error containing %q, got %q", tt.msg, err.Error())
			}
		})
	}
}

func TestRegexErrorsAreCatchable(t *testing.T) {
	m, res, _, err := runScript(t, `
.function main
start:
    const "abc"
    dup
    get.prop search
    const "["
    call.method 1
    return
end:
handler:
    get.prop name
    return
    .try start end handler
.end`)
	if err != nil {
		t.Fatalf("expected the script to catch the error, got %v", err)
	}
	if got := m.Display(res); got != "Error" {
		t.Errorf("expected a caught Error, got %s", got)
	}
}

func TestPushOnArrayLike(t *testing.T) {
	m, res, _, err := runScript(t, `
.function main
    const "length"
    int 1
    new.object 1
    decl.var o
    get.name Array
    get.prop prototype
    get.prop push
    dup
    get.prop call
    get.name o
    const "x"
    call.method 2
    return
.end`)
	if err != nil {
		t.Fatal(err)
	}
	if res.AsNumber() != 2 {
		t.Errorf("expected new length 2, got %s", m.Display(res))
	}
	o, _ := m.Global("o")
	v, err := m.Get(o, "1")
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := m.Heap().StringOf(v); !ok || s != "x" {
		t.Errorf("expected o[1] = x, got %s", m.Display(v))
	}
	l, _ := m.Get(o, "length")
	if l.AsNumber() != 2 {
		t.Errorf("expected o.length = 2, got %s", m.Display(l))
	}
}

func TestGetPrototypeOfPrimitives(t *testing.T) {
	m, res, _, err := runScript(t, `
.function main
    get.name Object
    dup
    get.prop getPrototypeOf
    const "s"
    call.method 1
    return
.end`)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Heap().StrictEquals(res, m.Realm().StringPrototype) {
		t.Errorf("expected String.prototype, got %s", m.Display(res))
	}
}

func TestMathRandomUsesSource(t *testing.T) {
	m, res, _, err := runScript(t, `
.function main
    get.name Math
    dup
    get.prop random
    call.method 0
    return
.end`)
	if err != nil {
		t.Fatal(err)
	}
	want := rand.New(rand.NewSource(seed)).Float64()
	if res.AsNumber() != want {
		t.Errorf("expected %v from the seeded source, got %s", want, m.Display(res))
	}
}
