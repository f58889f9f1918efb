package builtins

import (
	"unicode/utf16"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"jsvm/pkg/vm"
)

type StringInitializer struct {
	collators map[language.Tag]*collate.Collator
}

func (s *StringInitializer) Name() string {
	return "String"
}

func (s *StringInitializer) Priority() int {
	return PriorityString
}

func (s *StringInitializer) InitRuntime(ctx *RuntimeContext) error {
	s.collators = make(map[language.Tag]*collate.Collator)
	proto := ctx.Realm.StringPrototype
	ctx.VM.DefineMethod(proto, "localeCompare", s.localeCompare)
	ctx.VM.DefineMethod(proto, "search", stringSearch)
	ctx.VM.DefineMethod(proto, "match", stringMatch)
	return nil
}

// thisString coerces the receiver of a String.prototype method.
func thisString(call *vm.NativeCall, method string) (string, error) {
	if call.This.IsNullish() {
		return "", call.VM.ThrowTypeError("String.prototype.%s called on null or undefined", method)
	}
	return call.VM.ToString(call.This)
}

func (s *StringInitializer) collator(tag language.Tag) *collate.Collator {
	c, ok := s.collators[tag]
	if !ok {
		c = collate.New(tag)
		s.collators[tag] = c
	}
	return c
}

// localeCompare orders strings by the collation rules of the requested
// locale, the root collation if none is given or it cannot be parsed.
func (s *StringInitializer) localeCompare(call *vm.NativeCall) (vm.Value, error) {
	a, err := thisString(call, "localeCompare")
	if err != nil {
		return vm.Undefined, err
	}
	b, err := call.VM.ToString(call.Arg(0))
	if err != nil {
		return vm.Undefined, err
	}
	tag := language.Und
	if loc := call.Arg(1); !loc.IsUndefined() {
		name, err := call.VM.ToString(loc)
		if err != nil {
			return vm.Undefined, err
		}
		if t, err := language.Parse(name); err == nil {
			tag = t
		}
	}
	return vm.NumberValue(float64(s.collator(tag).CompareString(a, b))), nil
}

// compilePattern builds an ECMAScript regular expression from a pattern
// argument and optional flags. The returned bool reports the g flag.
func compilePattern(call *vm.NativeCall, pattern, flags vm.Value) (*regexp2.Regexp, bool, error) {
	var src string
	if !pattern.IsUndefined() {
		var err error
		if src, err = call.VM.ToString(pattern); err != nil {
			return nil, false, err
		}
	}
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	global := false
	if !flags.IsUndefined() {
		fs, err := call.VM.ToString(flags)
		if err != nil {
			return nil, false, err
		}
		for _, f := range fs {
			switch f {
			case 'g':
				global = true
			case 'i':
				opts |= regexp2.IgnoreCase
			case 'm':
				opts |= regexp2.Multiline
			default:
				return nil, false, call.VM.Throw(call.VM.NewError(vm.PlainError, "Invalid regular expression flags '"+fs+"'"))
			}
		}
	}
	re, err := regexp2.Compile(src, opts)
	if err != nil {
		return nil, false, call.VM.Throw(call.VM.NewError(vm.PlainError, "Invalid regular expression: /"+src+"/: "+err.Error()))
	}
	return re, global, nil
}

// utf16Index converts a rune offset into s to a UTF-16 code unit offset.
func utf16Index(runes []rune, idx int) int {
	n := 0
	for _, r := range runes[:idx] {
		n += utf16.RuneLen(r)
	}
	return n
}

// stringSearch returns the UTF-16 index of the first match or -1.
func stringSearch(call *vm.NativeCall) (vm.Value, error) {
	str, err := thisString(call, "search")
	if err != nil {
		return vm.Undefined, err
	}
	re, _, err := compilePattern(call, call.Arg(0), call.Arg(1))
	if err != nil {
		return vm.Undefined, err
	}
	m, err := re.FindStringMatch(str)
	if err != nil {
		return vm.Undefined, err
	}
	if m == nil {
		return vm.NumberValue(-1), nil
	}
	return vm.NumberValue(float64(utf16Index([]rune(str), m.Index))), nil
}

// stringMatch returns the first match with its capture groups, index and
// input, or with the g flag all matched substrings. No match yields null.
func stringMatch(call *vm.NativeCall) (vm.Value, error) {
	str, err := thisString(call, "match")
	if err != nil {
		return vm.Undefined, err
	}
	re, global, err := compilePattern(call, call.Arg(0), call.Arg(1))
	if err != nil {
		return vm.Undefined, err
	}
	machine := call.VM
	m, err := re.FindStringMatch(str)
	if err != nil {
		return vm.Undefined, err
	}
	if m == nil {
		return vm.Null, nil
	}
	if global {
		var found []string
		for m != nil {
			found = append(found, m.String())
			if m, err = re.FindNextMatch(m); err != nil {
				return vm.Undefined, err
			}
		}
		arr := machine.NewArray(nil)
		for _, f := range found {
			machine.ArrayPush(arr, machine.NewString(f))
		}
		return arr, nil
	}
	arr := machine.NewArray(nil)
	for _, g := range m.Groups() {
		if len(g.Captures) == 0 {
			machine.ArrayPush(arr, vm.Undefined)
			continue
		}
		machine.ArrayPush(arr, machine.NewString(g.String()))
	}
	if err := machine.Set(arr, "index", vm.NumberValue(float64(utf16Index([]rune(str), m.Index)))); err != nil {
		return vm.Undefined, err
	}
	if err := machine.Set(arr, "input", machine.NewString(str)); err != nil {
		return vm.Undefined, err
	}
	return arr, nil
}
