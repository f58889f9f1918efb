package builtins

import (
	"math/rand"
	"sort"
	"time"

	"github.com/npillmayer/schuko/tracing"

	"jsvm/pkg/vm"
)

// tracer traces with key 'jsvm.vm'.
func tracer() tracing.Trace {
	return tracing.Select("jsvm.vm")
}

// GetStandardInitializers returns all built-in initializers sorted by priority
func GetStandardInitializers() []BuiltinInitializer {
	var initializers []BuiltinInitializer

	initializers = append(initializers, &ObjectInitializer{})
	initializers = append(initializers, &FunctionInitializer{})
	initializers = append(initializers, &ArrayInitializer{})
	initializers = append(initializers, &StringInitializer{})
	initializers = append(initializers, &MathInitializer{})
	initializers = append(initializers, &ConsoleInitializer{})
	initializers = append(initializers, &ProcessInitializer{})

	// Sort by priority (lower numbers first)
	sort.SliceStable(initializers, func(i, j int) bool {
		return initializers[i].Priority() < initializers[j].Priority()
	})

	return initializers
}

// Install registers the standard natives with machine. Output of console
// and process goes to the VM's configured Stdout.
func Install(machine *vm.VM) error {
	return InstallWith(machine, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// InstallWith is Install with an explicit random source, for reproducible
// runs.
func InstallWith(machine *vm.VM, rnd *rand.Rand) error {
	ctx := &RuntimeContext{
		VM: machine,
		DefineGlobal: func(name string, value vm.Value) error {
			machine.DefineGlobal(name, value)
			return nil
		},
		Realm:  machine.Realm(),
		Stdout: machine.Options().Stdout,
		Rand:   rnd,
	}
	for _, init := range GetStandardInitializers() {
		if err := init.InitRuntime(ctx); err != nil {
			tracer().Errorf("builtin %s failed to initialize: %v", init.Name(), err)
			return err
		}
		tracer().Debugf("builtin %s initialized", init.Name())
	}
	return nil
}

// namespace creates a plain object bound as a global.
func namespace(ctx *RuntimeContext, name string) (vm.Value, error) {
	obj := ctx.VM.NewObject()
	return obj, ctx.DefineGlobal(name, obj)
}
