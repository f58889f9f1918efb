package errors

import (
	"fmt"
	"io"
	"strings"
)

// EngineError is the interface implemented by all errors the engine reports
// to its embedder.
type EngineError interface {
	error
	Pos() Position
	Kind() string // "Assemble", "Fatal", "StackOverflow", "Uncaught"
	// Message returns the error message without position info.
	Message() string
	Unwrap() error
}

// --- Concrete Error Types ---

// AssembleError is reported for malformed assembler input.
type AssembleError struct {
	Position
	Msg   string
	Cause error
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("Assemble Error at %s: %s", e.Position, e.Msg)
}
func (e *AssembleError) Pos() Position   { return e.Position }
func (e *AssembleError) Kind() string    { return "Assemble" }
func (e *AssembleError) Message() string { return e.Msg }
func (e *AssembleError) Unwrap() error   { return e.Cause }
func (e *AssembleError) CausedBy(cause error) *AssembleError {
	e.Cause = cause
	return e
}

// FatalError is an engine-internal failure: a corrupted instruction stream,
// a heap invariant violation found by the collector, or similar. It
// terminates the current evaluation and is never visible to scripts.
type FatalError struct {
	Position
	Msg   string
	Cause error
}

func (e *FatalError) Error() string {
	if e.Offset >= 0 || e.IsValid() {
		return fmt.Sprintf("Fatal Error at %s: %s", e.Position, e.Msg)
	}
	return "Fatal Error: " + e.Msg
}
func (e *FatalError) Pos() Position   { return e.Position }
func (e *FatalError) Kind() string    { return "Fatal" }
func (e *FatalError) Message() string { return e.Msg }
func (e *FatalError) Unwrap() error   { return e.Cause }
func (e *FatalError) CausedBy(cause error) *FatalError {
	e.Cause = cause
	return e
}

// NewFatal creates a fatal error without position.
func NewFatal(format string, args ...interface{}) *FatalError {
	return &FatalError{Position: NoPosition, Msg: fmt.Sprintf(format, args...)}
}

// StackOverflowError is raised on call-frame or operand-stack exhaustion and
// on runaway prototype chains. Like FatalError it is not catchable.
type StackOverflowError struct {
	Position
	Msg string
}

func (e *StackOverflowError) Error() string {
	return "Stack Overflow: " + e.Msg
}
func (e *StackOverflowError) Pos() Position   { return e.Position }
func (e *StackOverflowError) Kind() string    { return "StackOverflow" }
func (e *StackOverflowError) Message() string { return e.Msg }
func (e *StackOverflowError) Unwrap() error   { return nil }

// StackFrame is one entry of the call-frame chain captured when a script
// exception was thrown.
type StackFrame struct {
	Function string
	Line     int
	Offset   int
}

func (f StackFrame) String() string {
	name := f.Function
	if name == "" {
		name = "<anonymous>"
	}
	if f.Line > 0 {
		return fmt.Sprintf("at %s (line %d, @%04d)", name, f.Line, f.Offset)
	}
	return fmt.Sprintf("at %s (@%04d)", name, f.Offset)
}

// UncaughtError reports a script exception that reached the top-level
// boundary. Thrown holds the original thrown value as produced by the VM;
// Rendered is its string form.
type UncaughtError struct {
	Thrown   interface{}
	Rendered string
	Stack    []StackFrame
}

func (e *UncaughtError) Error() string {
	return "Uncaught " + e.Rendered
}
func (e *UncaughtError) Pos() Position {
	if len(e.Stack) == 0 {
		return NoPosition
	}
	return Position{Line: e.Stack[0].Line, Offset: e.Stack[0].Offset}
}
func (e *UncaughtError) Kind() string    { return "Uncaught" }
func (e *UncaughtError) Message() string { return e.Rendered }
func (e *UncaughtError) Unwrap() error   { return nil }

// IsFatal reports whether err terminates the execution context without a
// script-visible value.
func IsFatal(err error) bool {
	switch err.(type) {
	case *FatalError, *StackOverflowError:
		return true
	}
	return false
}

// --- Error Reporting ---

// DisplayErrors writes a list of engine errors to w. If source is non-empty,
// errors with a line position are shown together with the offending line.
func DisplayErrors(w io.Writer, source string, errs []EngineError) {
	if len(errs) == 0 {
		return
	}
	lines := strings.Split(source, "\n")
	for _, err := range errs {
		pos := err.Pos()
		fmt.Fprintf(w, "%s\n", err.Error())
		if u, ok := err.(*UncaughtError); ok {
			for _, fr := range u.Stack {
				fmt.Fprintf(w, "    %s\n", fr)
			}
			continue
		}
		lineIdx := pos.Line - 1
		if lineIdx < 0 || lineIdx >= len(lines) {
			continue
		}
		fmt.Fprintf(w, "  %s\n", strings.TrimRight(lines[lineIdx], "\r\n\t "))
		col := pos.Column - 1
		if col < 0 {
			col = 0
		}
		fmt.Fprintf(w, "  %s^\n", strings.Repeat(" ", col))
	}
}
