package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cnf/structhash"

	"jsvm/pkg/errors"
)

// OpCode defines the type for bytecode instructions.
type OpCode uint8

// Stack machine opcodes. Comments give immediates and the stack effect.
const (
	OpUndefined OpCode = iota // - => undefined
	OpNull                    // - => null
	OpTrue                    // - => true
	OpFalse                   // - => false
	OpConst                   // u16 const => value
	OpInt                     // i16 => number

	OpDup  // a => a a
	OpDup2 // a b => a b a b
	OpPop  // a => -
	OpSwap // a b => b a

	OpAdd // a b => a+b
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg    // a => -a
	OpPos    // a => +a
	OpNot    // a => !a
	OpBitNot // a => ~a
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr
	OpUShr
	OpTypeof // a => typeof a

	OpEq // a b => a==b
	OpNe
	OpStrictEq
	OpStrictNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn         // key obj => bool
	OpInstanceof // v ctor => bool

	OpGetProp    // u16 name: obj => v
	OpSetProp    // u16 name: obj v => v
	OpGetElem    // obj key => v
	OpSetElem    // obj key v => v
	OpDeleteProp // u16 name: obj => bool
	OpDeleteElem // obj key => bool
	OpNewObject  // u16 n: k1 v1 .. kn vn => obj
	OpNewArray   // u16 n: v1 .. vn => arr

	OpGetName  // u16 name: - => v
	OpSetName  // u16 name: v => v
	OpDeclVar  // u16 name: v => -
	OpGetLocal // u8 depth, u8 index: - => v
	OpSetLocal // u8 depth, u8 index: v => v
	OpPushScope
	OpPopScope

	OpClosure       // u16 func const => fn
	OpCall          // u8 argc: fn a1..an => result
	OpCallMethod    // u8 argc: this fn a1..an => result
	OpNew           // u8 argc: ctor a1..an => obj
	OpReturn        // v => (returns)
	OpPushThis      // - => this
	OpPushArguments // - => arguments

	OpJump        // i16 rel
	OpJumpIfFalse // i16 rel: cond => -
	OpJumpIfTrue  // i16 rel: cond => -
	OpLoop        // u16 back: loop back edge to ip-back
	OpThrow       // v => (throws)

	opCount
)

type operandKind uint8

const (
	operU8 operandKind = iota
	operU16
	operI16
	operConst
	operName
	operFunc
	operJump
	operLoop
)

func (k operandKind) width() int {
	if k == operU8 {
		return 1
	}
	return 2
}

type opInfo struct {
	name     string
	operands []operandKind
}

var opTable = [opCount]opInfo{
	OpUndefined:     {"undefined", nil},
	OpNull:          {"null", nil},
	OpTrue:          {"true", nil},
	OpFalse:         {"false", nil},
	OpConst:         {"const", []operandKind{operConst}},
	OpInt:           {"int", []operandKind{operI16}},
	OpDup:           {"dup", nil},
	OpDup2:          {"dup2", nil},
	OpPop:           {"pop", nil},
	OpSwap:          {"swap", nil},
	OpAdd:           {"add", nil},
	OpSub:           {"sub", nil},
	OpMul:           {"mul", nil},
	OpDiv:           {"div", nil},
	OpRem:           {"rem", nil},
	OpNeg:           {"neg", nil},
	OpPos:           {"pos", nil},
	OpNot:           {"not", nil},
	OpBitNot:        {"bitnot", nil},
	OpBitAnd:        {"bitand", nil},
	OpBitOr:         {"bitor", nil},
	OpBitXor:        {"bitxor", nil},
	OpShl:           {"shl", nil},
	OpShr:           {"shr", nil},
	OpUShr:          {"ushr", nil},
	OpTypeof:        {"typeof", nil},
	OpEq:            {"eq", nil},
	OpNe:            {"ne", nil},
	OpStrictEq:      {"seq", nil},
	OpStrictNe:      {"sne", nil},
	OpLt:            {"lt", nil},
	OpLe:            {"le", nil},
	OpGt:            {"gt", nil},
	OpGe:            {"ge", nil},
	OpIn:            {"in", nil},
	OpInstanceof:    {"instanceof", nil},
	OpGetProp:       {"get.prop", []operandKind{operName}},
	OpSetProp:       {"set.prop", []operandKind{operName}},
	OpGetElem:       {"get.elem", nil},
	OpSetElem:       {"set.elem", nil},
	OpDeleteProp:    {"delete.prop", []operandKind{operName}},
	OpDeleteElem:    {"delete.elem", nil},
	OpNewObject:     {"new.object", []operandKind{operU16}},
	OpNewArray:      {"new.array", []operandKind{operU16}},
	OpGetName:       {"get.name", []operandKind{operName}},
	OpSetName:       {"set.name", []operandKind{operName}},
	OpDeclVar:       {"decl.var", []operandKind{operName}},
	OpGetLocal:      {"get.local", []operandKind{operU8, operU8}},
	OpSetLocal:      {"set.local", []operandKind{operU8, operU8}},
	OpPushScope:     {"push.scope", nil},
	OpPopScope:      {"pop.scope", nil},
	OpClosure:       {"closure", []operandKind{operFunc}},
	OpCall:          {"call", []operandKind{operU8}},
	OpCallMethod:    {"call.method", []operandKind{operU8}},
	OpNew:           {"new", []operandKind{operU8}},
	OpReturn:        {"return", nil},
	OpPushThis:      {"this", nil},
	OpPushArguments: {"arguments", nil},
	OpJump:          {"jump", []operandKind{operJump}},
	OpJumpIfFalse:   {"jump.false", []operandKind{operJump}},
	OpJumpIfTrue:    {"jump.true", []operandKind{operJump}},
	OpLoop:          {"loop", []operandKind{operLoop}},
	OpThrow:         {"throw", nil},
}

func (op OpCode) String() string {
	if op < opCount {
		return opTable[op].name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Size returns the encoded length of the instruction including operands.
func (op OpCode) Size() int {
	n := 1
	for _, k := range opTable[op].operands {
		n += k.width()
	}
	return n
}

// LookupOpCode maps a mnemonic back to its opcode.
func LookupOpCode(name string) (OpCode, bool) {
	for op := OpCode(0); op < opCount; op++ {
		if opTable[op].name == name {
			return op, true
		}
	}
	return 0, false
}

// ConstKind tags chunk constants.
type ConstKind uint8

const (
	ConstNumber ConstKind = iota
	ConstString
	ConstFunction
)

// Constant is a literal in a chunk's constant pool. Strings are turned
// into heap strings when a VM first executes the chunk.
type Constant struct {
	Kind     ConstKind
	Number   float64
	Text     string
	Function *FunctionProto
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstNumber:
		return formatNumber(c.Number)
	case ConstString:
		return fmt.Sprintf("%q", c.Text)
	case ConstFunction:
		return fmt.Sprintf("<fn %s>", c.Function.Name)
	}
	return "?"
}

// Handler is one entry of a chunk's exception table. It covers
// [TryStart, TryEnd); on a throw the operand stack is cut back to
// StackDepth, the block-scope nesting to ScopeDepth, the thrown value is
// pushed and execution continues at HandlerPC.
type Handler struct {
	TryStart   int
	TryEnd     int
	HandlerPC  int
	StackDepth int
	ScopeDepth int
}

// MaxConstants is the size limit of a chunk's constant pool. Operands
// address constants with 16 bits.
const MaxConstants = 1 << 16

// Chunk is a compiled instruction stream.
type Chunk struct {
	Code      []byte
	Constants []Constant
	Lines     []int // source line per code byte
	Handlers  []Handler

	verified    bool
	starts      []bool       // instruction boundaries, computed by Verify
	headers     map[int]bool // loop header offsets, computed by Verify
	fingerprint string
	pool        map[constKey]uint16
}

// constKey identifies a number or string constant for deduplication.
// Numbers compare by bit pattern, so 0 and -0 stay apart.
type constKey struct {
	kind ConstKind
	bits uint64
	text string
}

// FunctionProto is what the front end produces per function: the code plus
// the symbol table that fixes activation slots.
type FunctionProto struct {
	Name   string
	Params []string
	Rest   bool // last parameter collects surplus arguments
	Locals []string
	Chunk  *Chunk

	layout *envLayout
}

// Program is a unit of execution.
type Program struct {
	Main *FunctionProto
}

// NewChunk creates an empty chunk.
func NewChunk() *Chunk {
	return &Chunk{}
}

// WriteOpCode appends an opcode.
func (c *Chunk) WriteOpCode(op OpCode, line int) {
	c.WriteByte(byte(op), line)
}

// WriteByte appends a raw byte.
func (c *Chunk) WriteByte(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
	c.invalidate()
}

// WriteUint16 appends a big-endian 16-bit operand.
func (c *Chunk) WriteUint16(val uint16, line int) {
	c.WriteByte(byte(val>>8), line)
	c.WriteByte(byte(val), line)
}

// Emit appends op with its operands and returns the instruction's offset.
// Operand values are encoded according to the opcode's operand kinds.
func (c *Chunk) Emit(op OpCode, line int, operands ...int) int {
	at := len(c.Code)
	c.WriteOpCode(op, line)
	for i, k := range opTable[op].operands {
		v := 0
		if i < len(operands) {
			v = operands[i]
		}
		if k.width() == 1 {
			c.WriteByte(byte(v), line)
		} else {
			c.WriteUint16(uint16(v), line)
		}
	}
	return at
}

// EmitJump emits a forward jump with a placeholder offset and returns the
// instruction offset for PatchJump.
func (c *Chunk) EmitJump(op OpCode, line int) int {
	return c.Emit(op, line, 0)
}

// PatchJump points the jump at `at` to the current end of code.
func (c *Chunk) PatchJump(at int) {
	c.SetJumpTarget(at, len(c.Code))
}

// SetJumpTarget points the jump at `at` to target.
func (c *Chunk) SetJumpTarget(at, target int) {
	rel := target - (at + 3)
	binary.BigEndian.PutUint16(c.Code[at+1:], uint16(int16(rel)))
	c.invalidate()
}

// EmitLoop emits a back edge to header.
func (c *Chunk) EmitLoop(header, line int) int {
	at := len(c.Code)
	return c.Emit(OpLoop, line, at+3-header)
}

// AddConstant adds a constant, reusing an identical number or string
// entry. Past MaxConstants entries the returned index wraps; Verify rejects
// such a chunk.
func (c *Chunk) AddConstant(k Constant) uint16 {
	if k.Kind == ConstFunction {
		c.Constants = append(c.Constants, k)
		c.invalidate()
		return uint16(len(c.Constants) - 1)
	}
	key := constKey{kind: k.Kind, bits: math.Float64bits(k.Number), text: k.Text}
	if c.pool == nil {
		c.pool = make(map[constKey]uint16)
		for i, e := range c.Constants {
			if e.Kind != ConstFunction && i < MaxConstants {
				c.pool[constKey{kind: e.Kind, bits: math.Float64bits(e.Number), text: e.Text}] = uint16(i)
			}
		}
	}
	if i, ok := c.pool[key]; ok && int(i) < len(c.Constants) {
		if e := c.Constants[i]; e.Kind == k.Kind && math.Float64bits(e.Number) == key.bits && e.Text == k.Text {
			return i
		}
	}
	c.Constants = append(c.Constants, k)
	c.invalidate()
	i := uint16(len(c.Constants) - 1)
	if len(c.Constants) <= MaxConstants {
		c.pool[key] = i
	}
	return i
}

// AddString adds a string constant.
func (c *Chunk) AddString(s string) uint16 {
	return c.AddConstant(Constant{Kind: ConstString, Text: s})
}

// AddNumber adds a number constant.
func (c *Chunk) AddNumber(f float64) uint16 {
	return c.AddConstant(Constant{Kind: ConstNumber, Number: f})
}

// AddFunction adds a nested function constant.
func (c *Chunk) AddFunction(fp *FunctionProto) uint16 {
	return c.AddConstant(Constant{Kind: ConstFunction, Function: fp})
}

// GetLine returns the source line of the instruction at offset.
func (c *Chunk) GetLine(offset int) int {
	if offset >= 0 && offset < len(c.Lines) {
		return c.Lines[offset]
	}
	return 0
}

// Patch overwrites code bytes in place. The chunk must be verified again
// before it runs; its fingerprint changes, which invalidates compiled traces
// covering it.
func (c *Chunk) Patch(offset int, code []byte) {
	copy(c.Code[offset:], code)
	c.invalidate()
}

func (c *Chunk) invalidate() {
	c.verified = false
	c.fingerprint = ""
	c.headers = nil
	c.starts = nil
}

// boundary reports whether an instruction of the verified chunk starts at
// pc.
func (c *Chunk) boundary(pc int) bool {
	return pc >= 0 && pc < len(c.starts) && c.starts[pc]
}

// IsLoopHeader reports whether offset is the target of a loop back edge.
func (c *Chunk) IsLoopHeader(offset int) bool {
	return c.headers[offset]
}

type chunkDigest struct {
	Code      []byte
	Constants []string
	Handlers  []Handler
}

// Fingerprint is a content hash over code, constants and handlers.
func (c *Chunk) Fingerprint() string {
	if c.fingerprint != "" {
		return c.fingerprint
	}
	d := chunkDigest{Code: c.Code, Handlers: c.Handlers}
	for _, k := range c.Constants {
		d.Constants = append(d.Constants, k.String())
	}
	h, err := structhash.Hash(d, 1)
	if err != nil {
		panic(fatalPanic{err: (&errors.FatalError{Position: errors.NoPosition, Msg: "cannot fingerprint chunk"}).CausedBy(err)})
	}
	c.fingerprint = h
	return h
}

// --- decoding ------------------------------------------------------------

func (c *Chunk) u8(at int) int  { return int(c.Code[at]) }
func (c *Chunk) u16(at int) int { return int(binary.BigEndian.Uint16(c.Code[at:])) }
func (c *Chunk) i16(at int) int { return int(int16(binary.BigEndian.Uint16(c.Code[at:]))) }

// instr is a decoded instruction.
type instr struct {
	op   OpCode
	pc   int
	next int
	a, b int // first and second operand; jumps hold the absolute target in a
}

// decode reads the instruction at pc. The chunk must be verified.
func (c *Chunk) decode(pc int) instr {
	op := OpCode(c.Code[pc])
	in := instr{op: op, pc: pc, next: pc + op.Size()}
	at := pc + 1
	for i, k := range opTable[op].operands {
		var v int
		switch k {
		case operU8:
			v = c.u8(at)
		case operI16:
			v = c.i16(at)
		case operJump:
			v = in.next + c.i16(at)
		case operLoop:
			v = in.next - c.u16(at)
		default:
			v = c.u16(at)
		}
		if i == 0 {
			in.a = v
		} else {
			in.b = v
		}
		at += k.width()
	}
	return in
}

// --- verification --------------------------------------------------------

// Verify checks that the chunk is well formed: known opcodes, complete
// operands, constant indices of the right kind, jump and handler targets on
// instruction boundaries, and no path that pops below the frame's stack
// bottom. It also records loop headers. Nested function chunks are
// verified too, each once even when functions refer to each other.
func (c *Chunk) Verify(name string) error {
	return c.verify(name, make(map[*Chunk]bool))
}

type verifyFail func(pc int, format string, args ...interface{}) error

func (c *Chunk) verify(name string, visiting map[*Chunk]bool) error {
	if c.verified || visiting[c] {
		return nil
	}
	visiting[c] = true
	fail := func(pc int, format string, args ...interface{}) error {
		return &errors.FatalError{
			Position: errors.Position{Line: c.GetLine(pc), Offset: pc, File: name},
			Msg:      fmt.Sprintf(format, args...),
		}
	}
	if len(c.Constants) > MaxConstants {
		return fail(0, "too many constants: %d, at most %d", len(c.Constants), MaxConstants)
	}
	starts := make([]bool, len(c.Code))
	var targets []instr
	for pc := 0; pc < len(c.Code); {
		op := OpCode(c.Code[pc])
		if op >= opCount {
			return fail(pc, "unknown opcode %d", c.Code[pc])
		}
		if pc+op.Size() > len(c.Code) {
			return fail(pc, "truncated operands for %s", op)
		}
		starts[pc] = true
		in := c.decode(pc)
		for i, k := range opTable[op].operands {
			v := in.a
			if i == 1 {
				v = in.b
			}
			switch k {
			case operConst, operName, operFunc:
				if v >= len(c.Constants) {
					return fail(pc, "%s: constant index %d out of range", op, v)
				}
				kc := c.Constants[v]
				if k == operConst && kc.Kind == ConstFunction {
					return fail(pc, "%s: constant %d is a function, use closure", op, v)
				}
				if k == operName && kc.Kind != ConstString {
					return fail(pc, "%s: constant %d is not a name", op, v)
				}
				if k == operFunc && (kc.Kind != ConstFunction || kc.Function == nil || kc.Function.Chunk == nil) {
					return fail(pc, "%s: constant %d is not a function", op, v)
				}
			case operJump, operLoop:
				targets = append(targets, in)
			}
		}
		pc = in.next
	}
	isStart := func(pc int) bool { return pc >= 0 && pc < len(starts) && starts[pc] }
	headers := make(map[int]bool)
	for _, in := range targets {
		if in.a < 0 || in.a > len(c.Code) || (in.a < len(c.Code) && !isStart(in.a)) {
			return fail(in.pc, "%s: jump target %d is not an instruction boundary", in.op, in.a)
		}
		if in.op == OpLoop {
			if in.a >= in.pc {
				return fail(in.pc, "loop: back edge target %d is not behind %d", in.a, in.pc)
			}
			headers[in.a] = true
		}
	}
	for _, h := range c.Handlers {
		if h.TryStart < 0 || h.TryEnd > len(c.Code) || h.TryStart >= h.TryEnd || !isStart(h.TryStart) {
			return fail(h.TryStart, "invalid handler range [%d, %d)", h.TryStart, h.TryEnd)
		}
		if !isStart(h.HandlerPC) || h.StackDepth < 0 || h.ScopeDepth < 0 {
			return fail(h.HandlerPC, "invalid handler target %d", h.HandlerPC)
		}
	}
	if err := c.checkStack(fail); err != nil {
		return err
	}
	for _, k := range c.Constants {
		if k.Kind == ConstFunction {
			if err := k.Function.Chunk.verify(k.Function.Name, visiting); err != nil {
				return err
			}
		}
	}
	c.starts = starts
	c.headers = headers
	c.verified = true
	return nil
}

// stackEffect returns how many operands the instruction pops and pushes.
func (in instr) stackEffect() (pops, pushes int) {
	switch in.op {
	case OpUndefined, OpNull, OpTrue, OpFalse, OpConst, OpInt,
		OpGetName, OpGetLocal, OpClosure, OpPushThis, OpPushArguments:
		return 0, 1
	case OpDup:
		return 1, 2
	case OpDup2:
		return 2, 4
	case OpSwap:
		return 2, 2
	case OpPop, OpDeclVar, OpJumpIfFalse, OpJumpIfTrue, OpReturn, OpThrow:
		return 1, 0
	case OpNeg, OpPos, OpNot, OpBitNot, OpTypeof,
		OpGetProp, OpDeleteProp, OpSetName, OpSetLocal:
		return 1, 1
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpBitAnd, OpBitOr, OpBitXor, OpShl, OpShr, OpUShr,
		OpEq, OpNe, OpStrictEq, OpStrictNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpInstanceof,
		OpSetProp, OpGetElem, OpDeleteElem:
		return 2, 1
	case OpSetElem:
		return 3, 1
	case OpNewObject:
		return 2 * in.a, 1
	case OpNewArray:
		return in.a, 1
	case OpCall, OpNew:
		return in.a + 1, 1
	case OpCallMethod:
		return in.a + 2, 1
	}
	return 0, 0
}

// checkStack follows every path from the entry and from each handler,
// tracking the smallest operand count above the frame bottom at each
// instruction. An instruction that pops more than that is rejected, as is
// a handler whose StackDepth lies above the stack inside its try range.
func (c *Chunk) checkStack(fail verifyFail) error {
	depth := make(map[int]int)
	var work []int
	reach := func(pc, d int) {
		if old, seen := depth[pc]; seen && old <= d {
			return
		}
		depth[pc] = d
		work = append(work, pc)
	}
	reach(0, 0)
	for _, h := range c.Handlers {
		reach(h.HandlerPC, h.StackDepth+1)
	}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if pc >= len(c.Code) {
			continue
		}
		d := depth[pc]
		in := c.decode(pc)
		pops, pushes := in.stackEffect()
		if d < pops {
			return fail(pc, "%s: stack underflow, needs %d operand(s), has %d", in.op, pops, d)
		}
		d += pushes - pops
		switch in.op {
		case OpReturn, OpThrow:
		case OpJump, OpLoop:
			reach(in.a, d)
		case OpJumpIfFalse, OpJumpIfTrue:
			reach(in.a, d)
			reach(in.next, d)
		default:
			reach(in.next, d)
		}
	}
	for _, h := range c.Handlers {
		for pc, d := range depth {
			if pc >= h.TryStart && pc < h.TryEnd && d < h.StackDepth {
				return fail(pc, "handler at %d expects %d operand(s), only %d on the stack", h.HandlerPC, h.StackDepth, d)
			}
		}
	}
	return nil
}

// handlerFor returns the innermost handler covering pc.
func (c *Chunk) handlerFor(pc int) *Handler {
	var best *Handler
	for i := range c.Handlers {
		h := &c.Handlers[i]
		if pc >= h.TryStart && pc < h.TryEnd {
			if best == nil || h.TryEnd-h.TryStart < best.TryEnd-best.TryStart {
				best = h
			}
		}
	}
	return best
}

// --- disassembly ---------------------------------------------------------

// DisassembleChunk renders the chunk in assembler syntax, followed by each
// nested function once.
func (c *Chunk) DisassembleChunk(name string) string {
	var b strings.Builder
	c.disassemble(&b, name, make(map[*Chunk]bool))
	return b.String()
}

func (c *Chunk) disassemble(b *strings.Builder, name string, seen map[*Chunk]bool) {
	seen[c] = true
	fmt.Fprintf(b, "== %s ==\n", name)
	for pc := 0; pc < len(c.Code); {
		pc = c.disassembleInstruction(b, pc)
	}
	for _, h := range c.Handlers {
		fmt.Fprintf(b, "  try [%04d, %04d) -> %04d depth=%d scopes=%d\n",
			h.TryStart, h.TryEnd, h.HandlerPC, h.StackDepth, h.ScopeDepth)
	}
	for _, k := range c.Constants {
		if k.Kind == ConstFunction && k.Function != nil && k.Function.Chunk != nil && !seen[k.Function.Chunk] {
			k.Function.Chunk.disassemble(b, k.Function.Name, seen)
		}
	}
}

func (c *Chunk) disassembleInstruction(b *strings.Builder, pc int) int {
	fmt.Fprintf(b, "%04d ", pc)
	if pc > 0 && c.GetLine(pc) == c.GetLine(pc-1) {
		b.WriteString("   | ")
	} else {
		fmt.Fprintf(b, "%4d ", c.GetLine(pc))
	}
	op := OpCode(c.Code[pc])
	if op >= opCount || pc+op.Size() > len(c.Code) {
		fmt.Fprintf(b, "<bad opcode %d>\n", c.Code[pc])
		return len(c.Code)
	}
	in := c.decode(pc)
	b.WriteString(op.String())
	for i, k := range opTable[op].operands {
		v := in.a
		if i == 1 {
			v = in.b
		}
		switch k {
		case operConst, operName, operFunc:
			if v < len(c.Constants) {
				fmt.Fprintf(b, " %s", c.Constants[v])
			} else {
				fmt.Fprintf(b, " <const %d>", v)
			}
		case operJump, operLoop:
			fmt.Fprintf(b, " -> %04d", v)
		default:
			fmt.Fprintf(b, " %d", v)
		}
	}
	if c.headers[pc] {
		b.WriteString("    ; loop header")
	}
	b.WriteByte('\n')
	return in.next
}
