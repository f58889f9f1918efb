package builtins

import (
	"io"
	"math/rand"

	"jsvm/pkg/vm"
)

// BuiltinInitializer is implemented by each builtin module
type BuiltinInitializer interface {
	// Name returns the module name (e.g., "Array", "String", "Math")
	Name() string

	// Priority returns initialization order (lower = earlier)
	Priority() int

	// InitRuntime creates runtime values for the VM
	InitRuntime(ctx *RuntimeContext) error
}

// RuntimeContext provides everything needed for runtime initialization
type RuntimeContext struct {
	// The VM instance
	VM *vm.VM

	// Define a global value
	DefineGlobal func(name string, value vm.Value) error

	// Intrinsic prototypes of the VM
	Realm *vm.Realm

	// Destination of console and process output
	Stdout io.Writer

	// Source for Math.random
	Rand *rand.Rand
}

// Priority constants for initialization order
const (
	PriorityObject   = 0   // Object must be first (base prototype)
	PriorityFunction = 1   // Function second (inherits from Object)
	PriorityArray    = 3   // Array third
	PriorityString   = 10  // String primitives
	PriorityMath     = 100 // Math object
	PriorityConsole  = 102 // Console object
	PriorityProcess  = 104 // process object
)
