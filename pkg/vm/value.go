package vm

import (
	"fmt"
	"math"
)

// ValueType tags the variant held by a Value.
type ValueType uint8

const (
	TypeUndefined ValueType = iota
	TypeNull
	TypeBoolean
	TypeNumber
	TypeRef
)

func (t ValueType) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeNumber:
		return "number"
	case TypeRef:
		return "ref"
	}
	return fmt.Sprintf("ValueType(%d)", uint8(t))
}

// Ref is a handle into the heap arena. The generation guards against use of
// a handle after its cell has been reclaimed and reused. Index 0 is never
// allocated, so the zero Ref means "no object".
type Ref struct {
	index uint32
	gen   uint32
}

// IsNil reports whether r refers to no object.
func (r Ref) IsNil() bool { return r.index == 0 }

func (r Ref) String() string {
	if r.IsNil() {
		return "#nil"
	}
	return fmt.Sprintf("#%d.%d", r.index, r.gen)
}

// Value is the VM's tagged union. Numbers and booleans live in num, heap
// entities (objects, arrays, functions, strings) are addressed through ref.
type Value struct {
	typ ValueType
	num float64
	ref Ref
}

var (
	Undefined = Value{typ: TypeUndefined}
	Null      = Value{typ: TypeNull}
	True      = Value{typ: TypeBoolean, num: 1}
	False     = Value{typ: TypeBoolean}
	NaN       = Value{typ: TypeNumber, num: math.NaN()}
)

// NumberValue creates a Number value.
func NumberValue(f float64) Value {
	return Value{typ: TypeNumber, num: f}
}

// BooleanValue creates a Boolean value.
func BooleanValue(b bool) Value {
	if b {
		return True
	}
	return False
}

// RefValue wraps a heap handle.
func RefValue(r Ref) Value {
	if r.IsNil() {
		return Null
	}
	return Value{typ: TypeRef, ref: r}
}

func (v Value) Type() ValueType  { return v.typ }
func (v Value) IsUndefined() bool { return v.typ == TypeUndefined }
func (v Value) IsNull() bool      { return v.typ == TypeNull }
func (v Value) IsNullish() bool   { return v.typ == TypeUndefined || v.typ == TypeNull }
func (v Value) IsBoolean() bool   { return v.typ == TypeBoolean }
func (v Value) IsNumber() bool    { return v.typ == TypeNumber }
func (v Value) IsRef() bool       { return v.typ == TypeRef }

// AsNumber returns the float payload. It is only meaningful for numbers.
func (v Value) AsNumber() float64 { return v.num }

// AsBoolean returns the boolean payload.
func (v Value) AsBoolean() bool { return v.num != 0 }

// AsRef returns the heap handle, or the nil Ref for non-reference values.
func (v Value) AsRef() Ref {
	if v.typ != TypeRef {
		return Ref{}
	}
	return v.ref
}

// Is reports identity: same variant and same payload. NaN is identical to
// itself here, which is what the GC and caches want; language-level strict
// equality lives in StrictEquals.
func (v Value) Is(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNumber:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case TypeBoolean:
		return v.num == o.num
	case TypeRef:
		return v.ref == o.ref
	}
	return true
}

// GoString gives a heap-independent debugging form.
func (v Value) GoString() string {
	switch v.typ {
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeBoolean:
		if v.AsBoolean() {
			return "true"
		}
		return "false"
	case TypeNumber:
		return formatNumber(v.num)
	case TypeRef:
		return "ref" + v.ref.String()
	}
	return "<invalid value>"
}
