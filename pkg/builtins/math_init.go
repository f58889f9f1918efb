package builtins

import (
	"math"

	"jsvm/pkg/vm"
)

type MathInitializer struct{}

func (m *MathInitializer) Name() string {
	return "Math"
}

func (m *MathInitializer) Priority() int {
	return PriorityMath // 100 - After core types
}

func (m *MathInitializer) InitRuntime(ctx *RuntimeContext) error {
	mathObj, err := namespace(ctx, "Math")
	if err != nil {
		return err
	}
	machine := ctx.VM
	if err := machine.Set(mathObj, "PI", vm.NumberValue(math.Pi)); err != nil {
		return err
	}
	machine.DefineMethod(mathObj, "floor", func(call *vm.NativeCall) (vm.Value, error) {
		n, err := call.VM.ToNumber(call.Arg(0))
		if err != nil {
			return vm.Undefined, err
		}
		return vm.NumberValue(math.Floor(n)), nil
	})
	machine.DefineMethod(mathObj, "pow", func(call *vm.NativeCall) (vm.Value, error) {
		x, err := call.VM.ToNumber(call.Arg(0))
		if err != nil {
			return vm.Undefined, err
		}
		y, err := call.VM.ToNumber(call.Arg(1))
		if err != nil {
			return vm.Undefined, err
		}
		return vm.NumberValue(pow(x, y)), nil
	})
	machine.DefineMethod(mathObj, "random", func(call *vm.NativeCall) (vm.Value, error) {
		return vm.NumberValue(ctx.Rand.Float64()), nil
	})
	return nil
}

// pow is math.Pow with the ECMAScript results for NaN exponents and for a
// base of ±1 raised to ±Infinity.
func pow(x, y float64) float64 {
	if math.IsNaN(y) {
		return math.NaN()
	}
	if math.IsInf(y, 0) && math.Abs(x) == 1 {
		return math.NaN()
	}
	return math.Pow(x, y)
}
