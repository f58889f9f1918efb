/*
Package vm is the execution engine: the value and heap model, the scope
chain, the mark-and-sweep collector, the stack-based bytecode interpreter and
the tracing JIT that turns hot loops into closure-threaded traces.

A VM owns one heap. Every object, array, function, string and environment
lives in that heap and is addressed by a Ref; Values hold Refs but never Go
pointers, so the collector is free to reclaim and reuse cells.

Script-level exceptions travel as *Exception errors. Any other error
returned from Run or Call is fatal for the evaluation (see package errors).
*/
package vm

import "github.com/npillmayer/schuko/tracing"

// tracer traces with key 'jsvm.vm'.
func tracer() tracing.Trace {
	return tracing.Select("jsvm.vm")
}

// gcTracer traces with key 'jsvm.gc'.
func gcTracer() tracing.Trace {
	return tracing.Select("jsvm.gc")
}

// jitTracer traces with key 'jsvm.jit'.
func jitTracer() tracing.Trace {
	return tracing.Select("jsvm.jit")
}
