package asm

import (
	"fmt"
	"os"
	"strconv"

	"jsvm/pkg/errors"
	"jsvm/pkg/vm"
)

// MainFunction is the name of the entry function. Without it the first
// function in the file is the entry.
const MainFunction = "main"

// AssembleFile reads and assembles a program file.
func AssembleFile(path string) (*vm.Program, []errors.EngineError) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, []errors.EngineError{(&errors.AssembleError{
			Position: errors.Position{File: path, Offset: -1},
			Msg:      "cannot read program",
		}).CausedBy(err)}
	}
	return Assemble(path, string(src))
}

// Assemble translates assembler source into a verified program. All
// errors found are returned; the program is nil if there are any.
func Assemble(file, source string) (*vm.Program, []errors.EngineError) {
	lines, lexErrs := tokenize(file, source)
	a := &assembler{file: file, protos: make(map[string]*vm.FunctionProto)}
	for _, e := range lexErrs {
		a.errs = append(a.errs, e)
	}
	a.declare(lines)
	a.assemble(lines)
	if len(a.errs) > 0 {
		tracer().Infof("%s: %d errors", file, len(a.errs))
		return nil, a.errs
	}
	main := a.protos[MainFunction]
	if main == nil {
		main = a.protos[a.order[0]]
	}
	if len(main.Params) > 0 || len(main.Locals) > 0 {
		a.errs = append(a.errs, &errors.AssembleError{
			Position: errors.Position{File: file, Line: a.lines[main.Name], Offset: -1},
			Msg:      fmt.Sprintf("entry function %s runs in the global scope and cannot declare params or locals", main.Name),
		})
	}
	for _, name := range a.order {
		fp := a.protos[name]
		if err := fp.Chunk.Verify(name); err != nil {
			a.errs = append(a.errs, (&errors.AssembleError{
				Position: errors.Position{File: file, Line: a.lines[name], Offset: -1},
				Msg:      fmt.Sprintf("function %s does not verify", name),
			}).CausedBy(err))
		}
	}
	if len(a.errs) > 0 {
		return nil, a.errs
	}
	tracer().Debugf("%s: assembled %d functions, entry %s", file, len(a.order), main.Name)
	return &vm.Program{Main: main}, nil
}

type fixup struct {
	at    int
	label token
}

type assembler struct {
	file   string
	protos map[string]*vm.FunctionProto
	order  []string
	lines  map[string]int // line of each .function directive
	errs   []errors.EngineError

	// current function
	fp       *vm.FunctionProto
	labels   map[string]int
	fixups   []fixup
	pending  []pendingTry
	scopes   int  // textual push.scope nesting
	poolFull bool // constant pool overflow reported
}

type pendingTry struct {
	start, end, handler token
	stack, scopes       int
}

func (a *assembler) errorf(t token, format string, args ...interface{}) {
	a.errs = append(a.errs, &errors.AssembleError{
		Position: errors.Position{File: a.file, Line: t.line, Column: t.column, Offset: -1},
		Msg:      fmt.Sprintf(format, args...),
	})
}

// declare creates a prototype for every .function so that closures can
// refer to functions defined later in the file.
func (a *assembler) declare(lines [][]token) {
	a.lines = make(map[string]int)
	for _, ln := range lines {
		if ln[0].typ != tokDirective || ln[0].lexeme != ".function" {
			continue
		}
		if len(ln) < 2 || ln[1].typ != tokIdent {
			a.errorf(ln[0], ".function needs a name")
			continue
		}
		name := ln[1].lexeme
		if _, dup := a.protos[name]; dup {
			a.errorf(ln[1], "function %s defined twice", name)
			continue
		}
		fp := &vm.FunctionProto{Name: name, Chunk: vm.NewChunk()}
		a.parseSignature(fp, ln[2:])
		a.protos[name] = fp
		a.order = append(a.order, name)
		a.lines[name] = ln[0].line
	}
	if len(a.order) == 0 && len(a.errs) == 0 {
		a.errs = append(a.errs, &errors.AssembleError{
			Position: errors.Position{File: a.file, Line: 1, Offset: -1},
			Msg:      "program defines no function",
		})
	}
}

// parseSignature reads `params=a,b rest=c locals=x,y`.
func (a *assembler) parseSignature(fp *vm.FunctionProto, ts []token) {
	var rest string
	for len(ts) > 0 {
		key := ts[0]
		if key.typ != tokIdent || len(ts) < 3 || ts[1].typ != tokEquals {
			a.errorf(key, "expected key=value, found %s", key)
			return
		}
		var names []string
		ts = ts[2:]
		for len(ts) > 0 && ts[0].typ == tokIdent {
			names = append(names, ts[0].lexeme)
			ts = ts[1:]
			if len(ts) == 0 || ts[0].typ != tokComma {
				break
			}
			ts = ts[1:]
		}
		switch key.lexeme {
		case "params":
			fp.Params = append(fp.Params, names...)
		case "locals":
			fp.Locals = append(fp.Locals, names...)
		case "rest":
			if len(names) != 1 {
				a.errorf(key, "rest takes exactly one name")
				continue
			}
			rest = names[0]
		default:
			a.errorf(key, "unknown function attribute %q", key.lexeme)
		}
	}
	if rest != "" {
		fp.Params = append(fp.Params, rest)
		fp.Rest = true
	}
}

// slotOf maps a parameter or local name to its activation slot.
func slotOf(fp *vm.FunctionProto, name string) (int, bool) {
	switch name {
	case "this":
		return vm.SlotThis, true
	case "arguments":
		return vm.SlotArguments, true
	}
	for i, p := range fp.Params {
		if p == name {
			return vm.SlotFirstParam + i, true
		}
	}
	for i, l := range fp.Locals {
		if l == name {
			return vm.SlotFirstParam + len(fp.Params) + i, true
		}
	}
	return 0, false
}

func (a *assembler) assemble(lines [][]token) {
	for _, ln := range lines {
		first := ln[0]
		if first.typ == tokDirective {
			a.directive(ln)
			continue
		}
		if a.fp == nil {
			a.errorf(first, "instruction outside of .function")
			continue
		}
		if first.typ == tokIdent && len(ln) >= 2 && ln[1].typ == tokColon {
			if _, dup := a.labels[first.lexeme]; dup {
				a.errorf(first, "label %s defined twice", first.lexeme)
			} else {
				a.labels[first.lexeme] = len(a.fp.Chunk.Code)
			}
			ln = ln[2:]
			if len(ln) == 0 {
				continue
			}
		}
		a.instruction(ln)
	}
	if a.fp != nil {
		a.errorf(lines[len(lines)-1][0], "function %s lacks .end", a.fp.Name)
	}
}

func (a *assembler) directive(ln []token) {
	d := ln[0]
	switch d.lexeme {
	case ".function":
		if a.fp != nil {
			a.errorf(d, "nested .function; missing .end for %s", a.fp.Name)
			return
		}
		if len(ln) < 2 {
			return
		}
		a.fp = a.protos[ln[1].lexeme]
		a.labels = make(map[string]int)
		a.fixups, a.pending = nil, nil
		a.scopes, a.poolFull = 0, false
		if a.fp == nil {
			// declaration failed and was reported
			a.fp = &vm.FunctionProto{Name: ln[1].lexeme, Chunk: vm.NewChunk()}
		}
	case ".end":
		if a.fp == nil {
			a.errorf(d, ".end without .function")
			return
		}
		a.finishFunction()
		a.fp = nil
	case ".try":
		if a.fp == nil {
			a.errorf(d, ".try outside of .function")
			return
		}
		a.tryDirective(ln)
	default:
		a.errorf(d, "unknown directive %s", d.lexeme)
	}
}

// tryDirective reads `.try START END HANDLER [stack=N] [scopes=N]`.
func (a *assembler) tryDirective(ln []token) {
	if len(ln) < 4 || ln[1].typ != tokIdent || ln[2].typ != tokIdent || ln[3].typ != tokIdent {
		a.errorf(ln[0], ".try needs three labels: start end handler")
		return
	}
	p := pendingTry{start: ln[1], end: ln[2], handler: ln[3]}
	ts := ln[4:]
	for len(ts) > 0 {
		if len(ts) < 3 || ts[0].typ != tokIdent || ts[1].typ != tokEquals || ts[2].typ != tokNumber {
			a.errorf(ts[0], "expected stack=N or scopes=N")
			return
		}
		n, err := strconv.Atoi(ts[2].lexeme)
		if err != nil || n < 0 {
			a.errorf(ts[2], "invalid depth %s", ts[2].lexeme)
			return
		}
		switch ts[0].lexeme {
		case "stack":
			p.stack = n
		case "scopes":
			p.scopes = n
		default:
			a.errorf(ts[0], "unknown .try attribute %q", ts[0].lexeme)
		}
		ts = ts[3:]
	}
	a.pending = append(a.pending, p)
}

func (a *assembler) label(t token) (int, bool) {
	at, ok := a.labels[t.lexeme]
	if !ok {
		a.errorf(t, "undefined label %s", t.lexeme)
	}
	return at, ok
}

// finishFunction resolves forward jumps and exception handlers.
func (a *assembler) finishFunction() {
	c := a.fp.Chunk
	for _, f := range a.fixups {
		target, ok := a.label(f.label)
		if !ok {
			continue
		}
		if rel := target - (f.at + 3); rel < -32768 || rel > 32767 {
			a.errorf(f.label, "jump to %s out of range", f.label.lexeme)
			continue
		}
		c.SetJumpTarget(f.at, target)
	}
	for _, p := range a.pending {
		start, ok1 := a.label(p.start)
		end, ok2 := a.label(p.end)
		handler, ok3 := a.label(p.handler)
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		c.Handlers = append(c.Handlers, vm.Handler{
			TryStart: start, TryEnd: end, HandlerPC: handler,
			StackDepth: p.stack, ScopeDepth: p.scopes,
		})
	}
}

func (a *assembler) instruction(ln []token) {
	mn := ln[0]
	if mn.typ != tokIdent {
		a.errorf(mn, "expected mnemonic, found %s", mn)
		return
	}
	op, ok := vm.LookupOpCode(mn.lexeme)
	if !ok {
		a.errorf(mn, "unknown instruction %s", mn.lexeme)
		return
	}
	c := a.fp.Chunk
	args := ln[1:]
	line := mn.line
	switch op {
	case vm.OpJump, vm.OpJumpIfFalse, vm.OpJumpIfTrue:
		if !a.arity(mn, args, 1) || !a.expect(args[0], tokIdent) {
			return
		}
		a.fixups = append(a.fixups, fixup{at: c.EmitJump(op, line), label: args[0]})
	case vm.OpLoop:
		if !a.arity(mn, args, 1) || !a.expect(args[0], tokIdent) {
			return
		}
		header, ok := a.labels[args[0].lexeme]
		if !ok {
			a.errorf(args[0], "loop target %s must be defined before the loop instruction", args[0].lexeme)
			return
		}
		if len(c.Code)+3-header > 0xffff {
			a.errorf(args[0], "loop to %s out of range", args[0].lexeme)
			return
		}
		c.EmitLoop(header, line)
	case vm.OpConst:
		if !a.arity(mn, args, 1) {
			return
		}
		switch args[0].typ {
		case tokNumber:
			if f, ok := a.number(args[0]); ok {
				a.emitConstant(mn, op, c.AddNumber(f))
			}
		case tokString:
			if s, ok := a.str(args[0]); ok {
				a.emitConstant(mn, op, c.AddString(s))
			}
		default:
			a.errorf(args[0], "const takes a number or string, found %s", args[0])
		}
	case vm.OpGetProp, vm.OpSetProp, vm.OpDeleteProp, vm.OpGetName, vm.OpSetName, vm.OpDeclVar:
		if !a.arity(mn, args, 1) {
			return
		}
		if name, ok := a.name(args[0]); ok {
			a.emitConstant(mn, op, c.AddString(name))
		}
	case vm.OpClosure:
		if !a.arity(mn, args, 1) || !a.expect(args[0], tokIdent) {
			return
		}
		fp, ok := a.protos[args[0].lexeme]
		if !ok {
			a.errorf(args[0], "unknown function %s", args[0].lexeme)
			return
		}
		a.emitConstant(mn, op, c.AddFunction(fp))
	case vm.OpPushScope, vm.OpPopScope:
		if !a.arity(mn, args, 0) {
			return
		}
		if op == vm.OpPushScope {
			a.scopes++
		} else if a.scopes == 0 {
			a.errorf(mn, "pop.scope without matching push.scope")
			return
		} else {
			a.scopes--
		}
		c.Emit(op, line)
	case vm.OpGetLocal, vm.OpSetLocal:
		a.local(mn, op, args)
	default:
		want := op.Size() - 1
		switch {
		case want == 0:
			if a.arity(mn, args, 0) {
				c.Emit(op, line)
			}
		default:
			if !a.arity(mn, args, 1) {
				return
			}
			n, ok := a.integer(args[0])
			if !ok {
				return
			}
			lo, hi := 0, 0xff
			if op == vm.OpInt {
				lo, hi = -32768, 32767
			} else if want == 2 {
				hi = 0xffff
			}
			if n < lo || n > hi {
				a.errorf(args[0], "operand %d of %s out of range [%d, %d]", n, mn.lexeme, lo, hi)
				return
			}
			c.Emit(op, line, n)
		}
	}
}

// emitConstant emits op with constant index i. A function whose pool
// outgrew 16-bit indices gets one error and no further constant operands.
func (a *assembler) emitConstant(mn token, op vm.OpCode, i uint16) {
	c := a.fp.Chunk
	if len(c.Constants) > vm.MaxConstants {
		if !a.poolFull {
			a.errorf(mn, "function %s has more than %d constants", a.fp.Name, vm.MaxConstants)
			a.poolFull = true
		}
		return
	}
	c.Emit(op, mn.line, int(i))
}

// local handles `get.local DEPTH SLOT` and the shorthand `get.local NAME`
// for parameters and locals of the current function. The shorthand
// addresses the activation from inside the block scopes pushed so far.
func (a *assembler) local(mn token, op vm.OpCode, args []token) {
	c := a.fp.Chunk
	if len(args) == 1 && args[0].typ == tokIdent {
		slot, ok := slotOf(a.fp, args[0].lexeme)
		if !ok {
			a.errorf(args[0], "%s is not a parameter or local of %s", args[0].lexeme, a.fp.Name)
			return
		}
		if a.scopes > 0xff {
			a.errorf(args[0], "%s is %d block scopes away, at most 255", args[0].lexeme, a.scopes)
			return
		}
		c.Emit(op, mn.line, a.scopes, slot)
		return
	}
	if !a.arity(mn, args, 2) {
		return
	}
	depth, ok1 := a.integer(args[0])
	slot, ok2 := a.integer(args[1])
	if !ok1 || !ok2 {
		return
	}
	if depth < 0 || depth > 0xff || slot < 0 || slot > 0xff {
		a.errorf(args[0], "local depth and slot must be within [0, 255]")
		return
	}
	c.Emit(op, mn.line, depth, slot)
}

func (a *assembler) arity(mn token, args []token, n int) bool {
	if len(args) != n {
		a.errorf(mn, "%s takes %d operand(s), found %d", mn.lexeme, n, len(args))
		return false
	}
	return true
}

func (a *assembler) expect(t token, typ int) bool {
	if t.typ != typ {
		a.errorf(t, "expected %s, found %s", tokenNames[typ], t)
		return false
	}
	return true
}

func (a *assembler) number(t token) (float64, bool) {
	f, err := strconv.ParseFloat(t.lexeme, 64)
	if err != nil {
		a.errorf(t, "invalid number %s", t.lexeme)
		return 0, false
	}
	return f, true
}

func (a *assembler) integer(t token) (int, bool) {
	if !a.expect(t, tokNumber) {
		return 0, false
	}
	n, err := strconv.Atoi(t.lexeme)
	if err != nil {
		a.errorf(t, "expected an integer, found %s", t.lexeme)
		return 0, false
	}
	return n, true
}

func (a *assembler) str(t token) (string, bool) {
	s, err := strconv.Unquote(t.lexeme)
	if err != nil {
		a.errorf(t, "invalid string literal %s", t.lexeme)
		return "", false
	}
	return s, true
}

// name accepts identifiers and string literals, the latter for keys that
// are not valid identifiers.
func (a *assembler) name(t token) (string, bool) {
	switch t.typ {
	case tokIdent:
		return t.lexeme, true
	case tokString:
		return a.str(t)
	case tokNumber:
		return t.lexeme, true
	}
	a.errorf(t, "expected a name, found %s", t)
	return "", false
}
