package driver

import (
	"fmt"
	"io"
	"os"

	"github.com/npillmayer/schuko/tracing"
	"github.com/pterm/pterm"

	"jsvm/pkg/asm"
	"jsvm/pkg/builtins"
	"jsvm/pkg/errors"
	"jsvm/pkg/vm"
)

// tracer traces with key 'jsvm.driver'.
func tracer() tracing.Trace {
	return tracing.Select("jsvm.driver")
}

// Session is a VM with the standard natives installed. Programs run in a
// session share its global environment and heap.
type Session struct {
	vm      *vm.VM
	options RunOptions
	sources map[string]string // program text by file name, for error display
}

// RunOptions control diagnostic output of a session.
type RunOptions struct {
	ShowBytecode bool      // print the disassembly before running
	Out          io.Writer // destination of diagnostics, default os.Stdout
}

// NewSession creates a VM configured by opts and installs the builtins.
func NewSession(opts ...vm.Option) (*Session, error) {
	machine := vm.New(opts...)
	if err := builtins.Install(machine); err != nil {
		return nil, err
	}
	return &Session{
		vm:      machine,
		options: RunOptions{Out: os.Stdout},
		sources: make(map[string]string),
	}, nil
}

// SetRunOptions replaces the session's diagnostic options.
func (s *Session) SetRunOptions(o RunOptions) {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	s.options = o
}

// VM returns the session's virtual machine.
func (s *Session) VM() *vm.VM { return s.vm }

// RunString assembles and runs program text.
func (s *Session) RunString(source string) (vm.Value, []errors.EngineError) {
	const name = "<string>"
	s.sources[name] = source
	prog, errs := asm.Assemble(name, source)
	if len(errs) > 0 {
		return vm.Undefined, errs
	}
	return s.RunProgram(prog)
}

// RunFile assembles and runs a program file.
func (s *Session) RunFile(path string) (vm.Value, []errors.EngineError) {
	src, err := os.ReadFile(path)
	if err != nil {
		return vm.Undefined, []errors.EngineError{(&errors.AssembleError{
			Position: errors.Position{File: path, Offset: -1},
			Msg:      "cannot read program",
		}).CausedBy(err)}
	}
	s.sources[path] = string(src)
	prog, errs := asm.Assemble(path, string(src))
	if len(errs) > 0 {
		return vm.Undefined, errs
	}
	return s.RunProgram(prog)
}

// RunProgram runs an assembled program. An exception escaping the program
// is reported as *errors.UncaughtError.
func (s *Session) RunProgram(prog *vm.Program) (vm.Value, []errors.EngineError) {
	if s.options.ShowBytecode {
		fmt.Fprint(s.options.Out, disassemble(prog))
	}
	result, err := s.vm.Run(prog)
	if err == nil {
		return result, nil
	}
	tracer().Infof("run failed: %v", err)
	switch e := err.(type) {
	case *vm.Exception:
		return vm.Undefined, []errors.EngineError{e.Uncaught()}
	case errors.EngineError:
		return vm.Undefined, []errors.EngineError{e}
	}
	return vm.Undefined, []errors.EngineError{(&errors.FatalError{Position: errors.NoPosition, Msg: err.Error()}).CausedBy(err)}
}

// disassemble lists every function reachable from the program's entry.
func disassemble(prog *vm.Program) string {
	return prog.Main.Chunk.DisassembleChunk(prog.Main.Name)
}

// DisplayResult prints the completion value, or the errors. Uncaught
// exceptions are shown with their call stack as a tree. It returns true if
// there were no errors.
func (s *Session) DisplayResult(w io.Writer, value vm.Value, errs []errors.EngineError) bool {
	if len(errs) == 0 {
		if !value.IsUndefined() {
			fmt.Fprintln(w, s.vm.Display(value))
		}
		return true
	}
	for _, err := range errs {
		if u, ok := err.(*errors.UncaughtError); ok {
			renderUncaught(w, u)
			continue
		}
		errors.DisplayErrors(w, s.sources[err.Pos().File], []errors.EngineError{err})
	}
	return false
}

func renderUncaught(w io.Writer, u *errors.UncaughtError) {
	ll := pterm.LeveledList{pterm.LeveledListItem{Level: 0, Text: u.Error()}}
	for _, fr := range u.Stack {
		ll = append(ll, pterm.LeveledListItem{Level: 1, Text: fr.String()})
	}
	tree, err := pterm.DefaultTree.WithRoot(pterm.NewTreeFromLeveledList(ll)).Srender()
	if err != nil {
		errors.DisplayErrors(w, "", []errors.EngineError{u})
		return
	}
	fmt.Fprint(w, tree)
}
