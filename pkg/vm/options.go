package vm

import (
	"io"
	"os"
)

// Options are the tunable policies of a VM. DefaultOptions documents the
// defaults; functional options adjust them.
type Options struct {
	MaxFrames         int // call-frame limit; exceeding it is a fatal stack overflow
	MaxStackDepth     int // operand-stack limit in values
	MaxPrototypeDepth int // links followed during property lookup

	// A collection runs at the next safe point once this many cells were
	// allocated since the previous one. After each pass the trigger is
	// raised to live*(GCGrowthFactor-1) if that is larger.
	GCThreshold    int
	GCGrowthFactor float64

	// ImplicitGlobals makes assignment to an unbound name create a global
	// binding. When false such an assignment throws a ReferenceError.
	ImplicitGlobals bool

	// Stdout receives output of natives that print.
	Stdout io.Writer

	JIT JITOptions
}

// JITOptions configure the tracing compiler.
type JITOptions struct {
	Enabled bool
	// Back edges taken to a loop header before it starts profiling.
	HotLoopThreshold int
	// Recording aborts when a single iteration exceeds this many
	// instructions.
	MaxTraceLength int
	// Guard failures a compiled trace survives before it is evicted and its
	// header falls back to Cold.
	GuardFailureLimit int
	// Evictions and aborted recordings a header survives before it is
	// excluded from compilation for good.
	MaxRetries int
}

// DefaultOptions returns the default policy.
func DefaultOptions() Options {
	return Options{
		MaxFrames:         1024,
		MaxStackDepth:     1 << 16,
		MaxPrototypeDepth: 512,
		GCThreshold:       8192,
		GCGrowthFactor:    2.0,
		ImplicitGlobals:   true,
		Stdout:            os.Stdout,
		JIT: JITOptions{
			Enabled:           true,
			HotLoopThreshold:  50,
			MaxTraceLength:    1024,
			GuardFailureLimit: 3,
			MaxRetries:        3,
		},
	}
}

// Option adjusts Options.
type Option func(*Options)

// WithOptions replaces the whole option set.
func WithOptions(o Options) Option {
	return func(opts *Options) { *opts = o }
}

func WithMaxFrames(n int) Option {
	return func(o *Options) { o.MaxFrames = n }
}

func WithMaxPrototypeDepth(n int) Option {
	return func(o *Options) { o.MaxPrototypeDepth = n }
}

// WithGCThreshold sets the allocation count that triggers a collection.
func WithGCThreshold(n int) Option {
	return func(o *Options) { o.GCThreshold = n }
}

func WithImplicitGlobals(on bool) Option {
	return func(o *Options) { o.ImplicitGlobals = on }
}

func WithStdout(w io.Writer) Option {
	return func(o *Options) { o.Stdout = w }
}

// WithJIT switches the tracing compiler on or off.
func WithJIT(on bool) Option {
	return func(o *Options) { o.JIT.Enabled = on }
}

func WithHotLoopThreshold(n int) Option {
	return func(o *Options) { o.JIT.HotLoopThreshold = n }
}

func WithGuardFailureLimit(n int) Option {
	return func(o *Options) { o.JIT.GuardFailureLimit = n }
}

func WithMaxRetries(n int) Option {
	return func(o *Options) { o.JIT.MaxRetries = n }
}

func WithMaxTraceLength(n int) Option {
	return func(o *Options) { o.JIT.MaxTraceLength = n }
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.MaxFrames <= 0 {
		o.MaxFrames = d.MaxFrames
	}
	if o.MaxStackDepth <= 0 {
		o.MaxStackDepth = d.MaxStackDepth
	}
	if o.MaxPrototypeDepth <= 0 {
		o.MaxPrototypeDepth = d.MaxPrototypeDepth
	}
	if o.GCThreshold <= 0 {
		o.GCThreshold = d.GCThreshold
	}
	if o.GCGrowthFactor < 1 {
		o.GCGrowthFactor = d.GCGrowthFactor
	}
	if o.Stdout == nil {
		o.Stdout = d.Stdout
	}
	if o.JIT.HotLoopThreshold <= 0 {
		o.JIT.HotLoopThreshold = d.JIT.HotLoopThreshold
	}
	if o.JIT.MaxTraceLength <= 0 {
		o.JIT.MaxTraceLength = d.JIT.MaxTraceLength
	}
	if o.JIT.GuardFailureLimit <= 0 {
		o.JIT.GuardFailureLimit = d.JIT.GuardFailureLimit
	}
	if o.JIT.MaxRetries <= 0 {
		o.JIT.MaxRetries = d.JIT.MaxRetries
	}
}
