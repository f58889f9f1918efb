package vm

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// cleanExponentialFormat removes leading zeros from the exponent to match
// the JS format, e.g. "1e-07" -> "1e-7".
func cleanExponentialFormat(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == 'e' || s[i] == 'E' {
			if i+1 < len(s) && (s[i+1] == '+' || s[i+1] == '-') {
				sign := s[i+1]
				j := i + 2
				for j < len(s) && s[j] == '0' {
					j++
				}
				if j >= len(s) {
					return s[:i+2] + "0"
				}
				return s[:i+1] + string(sign) + s[j:]
			}
			break
		}
	}
	return s
}

// formatNumber implements Number::toString for radix 10.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs < 1e-6 || abs >= 1e21 {
		return cleanExponentialFormat(strconv.FormatFloat(f, 'e', -1, 64))
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

const jsWhitespace = " \t\n\r\v\f\u00a0\ufeff\u2028\u2029"

// parseNumber implements StringToNumber.
func parseNumber(s string) float64 {
	s = strings.Trim(s, jsWhitespace)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && c != '.' && c != 'e' && c != 'E' && c != '+' && c != '-' {
			return math.NaN()
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f
		}
		return math.NaN()
	}
	return f
}

// toInt32 implements ToInt32 on an already numeric value.
func toInt32(f float64) int32 {
	return int32(toUint32(f))
}

func toUint32(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	f = math.Mod(f, 4294967296)
	if f < 0 {
		f += 4294967296
	}
	return uint32(f)
}

// stringLength is the length in UTF-16 code units.
func stringLength(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// toBoolean never calls into script code.
func (h *Heap) toBoolean(v Value) bool {
	switch v.typ {
	case TypeUndefined, TypeNull:
		return false
	case TypeBoolean:
		return v.AsBoolean()
	case TypeNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case TypeRef:
		if s, ok := h.StringOf(v); ok {
			return s != ""
		}
		return true
	}
	panic(fatalf("toBoolean: invalid value type %d", v.typ))
}

// TypeOf implements the typeof operator.
func (h *Heap) TypeOf(v Value) string {
	switch v.typ {
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "object"
	case TypeBoolean:
		return "boolean"
	case TypeNumber:
		return "number"
	case TypeRef:
		switch h.cell(v.ref).class {
		case ClassString:
			return "string"
		case ClassFunction:
			return "function"
		case ClassObject, ClassArray:
			return "object"
		}
	}
	panic(fatalf("typeof: invalid value %#v", v))
}

// isObject is true for Object, Array and Function values.
func (h *Heap) isObject(v Value) bool {
	if v.typ != TypeRef {
		return false
	}
	return h.cell(v.ref).obj != nil
}

// StrictEquals implements ===. Strings compare by content, other heap
// entities by identity.
func (h *Heap) StrictEquals(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeUndefined, TypeNull:
		return true
	case TypeBoolean:
		return a.num == b.num
	case TypeNumber:
		return a.num == b.num
	case TypeRef:
		if a.ref == b.ref {
			return true
		}
		sa, okA := h.StringOf(a)
		sb, okB := h.StringOf(b)
		return okA && okB && sa == sb
	}
	return false
}

// --- coercions that may call into script code ----------------------------

// toPrimitive converts objects through valueOf/toString. hint is "number",
// "string" or "default".
func (vm *VM) toPrimitive(v Value, hint string) (Value, error) {
	if !vm.heap.isObject(v) {
		return v, nil
	}
	order := [2]string{"valueOf", "toString"}
	if hint == "string" {
		order = [2]string{"toString", "valueOf"}
	}
	for _, name := range order {
		m, err := vm.getProp(v, name)
		if err != nil {
			return Undefined, err
		}
		if vm.heap.Class(m) != ClassFunction {
			continue
		}
		res, err := vm.Call(m, v)
		if err != nil {
			return Undefined, err
		}
		if !vm.heap.isObject(res) {
			return res, nil
		}
	}
	return Undefined, vm.throwError(TypeError, "Cannot convert object to primitive value")
}

// ToNumber implements the ToNumber abstract operation.
func (vm *VM) ToNumber(v Value) (float64, error) {
	switch v.typ {
	case TypeUndefined:
		return math.NaN(), nil
	case TypeNull:
		return 0, nil
	case TypeBoolean, TypeNumber:
		return v.num, nil
	}
	if s, ok := vm.heap.StringOf(v); ok {
		return parseNumber(s), nil
	}
	p, err := vm.toPrimitive(v, "number")
	if err != nil {
		return 0, err
	}
	return vm.ToNumber(p)
}

// ToString implements the ToString abstract operation.
func (vm *VM) ToString(v Value) (string, error) {
	switch v.typ {
	case TypeUndefined:
		return "undefined", nil
	case TypeNull:
		return "null", nil
	case TypeBoolean:
		if v.AsBoolean() {
			return "true", nil
		}
		return "false", nil
	case TypeNumber:
		return formatNumber(v.num), nil
	}
	if s, ok := vm.heap.StringOf(v); ok {
		return s, nil
	}
	p, err := vm.toPrimitive(v, "string")
	if err != nil {
		return "", err
	}
	return vm.ToString(p)
}

// toStringValue is ToString returning a heap string, reusing v when it
// already is one.
func (vm *VM) toStringValue(v Value) (Value, error) {
	if vm.heap.IsString(v) {
		return v, nil
	}
	s, err := vm.ToString(v)
	if err != nil {
		return Undefined, err
	}
	return vm.heap.NewString(s), nil
}

// ToBoolean implements the ToBoolean abstract operation.
func (vm *VM) ToBoolean(v Value) bool {
	return vm.heap.toBoolean(v)
}

// LooseEquals implements ==.
func (vm *VM) LooseEquals(a, b Value) (bool, error) {
	h := vm.heap
	for {
		if a.typ == b.typ && (a.typ != TypeRef || h.IsString(a) == h.IsString(b)) {
			return h.StrictEquals(a, b), nil
		}
		switch {
		case a.IsNullish() && b.IsNullish():
			return true, nil
		case a.IsNullish() || b.IsNullish():
			return false, nil
		case a.typ == TypeNumber && h.IsString(b):
			s, _ := h.StringOf(b)
			return a.num == parseNumber(s), nil
		case h.IsString(a) && b.typ == TypeNumber:
			s, _ := h.StringOf(a)
			return parseNumber(s) == b.num, nil
		case a.typ == TypeBoolean:
			a = NumberValue(a.num)
		case b.typ == TypeBoolean:
			b = NumberValue(b.num)
		case h.isObject(a) && !h.isObject(b):
			p, err := vm.toPrimitive(a, "default")
			if err != nil {
				return false, err
			}
			a = p
		case h.isObject(b) && !h.isObject(a):
			p, err := vm.toPrimitive(b, "default")
			if err != nil {
				return false, err
			}
			b = p
		default:
			return false, nil
		}
	}
}

// compareOp identifies a relational operator.
type compareOp uint8

const (
	cmpLt compareOp = iota
	cmpLe
	cmpGt
	cmpGe
)

func compareNumbers(op compareOp, x, y float64) bool {
	switch op {
	case cmpLt:
		return x < y
	case cmpLe:
		return x <= y
	case cmpGt:
		return x > y
	}
	return x >= y
}

func compareStrings(op compareOp, x, y string) bool {
	switch op {
	case cmpLt:
		return x < y
	case cmpLe:
		return x <= y
	case cmpGt:
		return x > y
	}
	return x >= y
}

// arithmetic on numbers, shared by the interpreter and compiled traces so
// both produce bit-identical results.
func arith(op OpCode, x, y float64) float64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		return x / y
	case OpRem:
		return math.Mod(x, y)
	case OpBitAnd:
		return float64(toInt32(x) & toInt32(y))
	case OpBitOr:
		return float64(toInt32(x) | toInt32(y))
	case OpBitXor:
		return float64(toInt32(x) ^ toInt32(y))
	case OpShl:
		return float64(toInt32(x) << (toUint32(y) & 31))
	case OpShr:
		return float64(toInt32(x) >> (toUint32(y) & 31))
	case OpUShr:
		return float64(toUint32(x) >> (toUint32(y) & 31))
	}
	panic(fatalf("arith: %s is not a binary numeric operator", op))
}
