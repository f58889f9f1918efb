package builtins

import (
	"fmt"
	"strings"

	"jsvm/pkg/vm"
)

type ConsoleInitializer struct{}

func (c *ConsoleInitializer) Name() string {
	return "console"
}

func (c *ConsoleInitializer) Priority() int {
	return PriorityConsole
}

func (c *ConsoleInitializer) InitRuntime(ctx *RuntimeContext) error {
	consoleObj, err := namespace(ctx, "console")
	if err != nil {
		return err
	}
	ctx.VM.DefineMethod(consoleObj, "log", func(call *vm.NativeCall) (vm.Value, error) {
		parts := make([]string, len(call.Args))
		for i, a := range call.Args {
			parts[i] = call.VM.Display(a)
		}
		if _, err := fmt.Fprintln(ctx.Stdout, strings.Join(parts, " ")); err != nil {
			return vm.Undefined, err
		}
		return vm.Undefined, nil
	})
	return nil
}
