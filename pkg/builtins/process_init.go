package builtins

import (
	"io"

	"jsvm/pkg/vm"
)

type ProcessInitializer struct{}

func (p *ProcessInitializer) Name() string {
	return "process"
}

func (p *ProcessInitializer) Priority() int {
	return PriorityProcess
}

func (p *ProcessInitializer) InitRuntime(ctx *RuntimeContext) error {
	processObj, err := namespace(ctx, "process")
	if err != nil {
		return err
	}
	stdout := ctx.VM.NewObject()
	if err := ctx.VM.Set(processObj, "stdout", stdout); err != nil {
		return err
	}
	// write prints its argument without a trailing newline
	ctx.VM.DefineMethod(stdout, "write", func(call *vm.NativeCall) (vm.Value, error) {
		s, err := call.VM.ToString(call.Arg(0))
		if err != nil {
			return vm.Undefined, err
		}
		if _, err := io.WriteString(ctx.Stdout, s); err != nil {
			return vm.Undefined, err
		}
		return vm.True, nil
	})
	return nil
}
