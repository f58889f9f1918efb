package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/npillmayer/schuko/gtrace"
	"github.com/npillmayer/schuko/tracing"
	"github.com/npillmayer/schuko/tracing/gologadapter"
	"github.com/pterm/pterm"

	"jsvm/pkg/driver"
	"jsvm/pkg/vm"
)

// tracer traces with key 'jsvm.driver'.
func tracer() tracing.Trace {
	return tracing.Select("jsvm.driver")
}

var traceKeys = []string{"jsvm.vm", "jsvm.gc", "jsvm.jit", "jsvm.asm", "jsvm.driver"}

// main runs one assembled program: jsvm [flags] program.jsasm
func main() {
	initDisplay()
	gtrace.SyntaxTracer = gologadapter.New()
	tlevel := flag.String("trace", "Error", "Trace level [Debug|Info|Error]")
	noJIT := flag.Bool("nojit", false, "Disable the tracing compiler")
	hot := flag.Int("hot", vm.DefaultOptions().JIT.HotLoopThreshold, "Back edges before a loop is recorded")
	gcThreshold := flag.Int("gc", vm.DefaultOptions().GCThreshold, "Allocations between collections")
	stats := flag.Bool("stats", false, "Print GC and JIT statistics after the run")
	disasm := flag.Bool("disasm", false, "Print the disassembly before running")
	flag.Parse()
	for _, key := range traceKeys {
		tracing.Select(key).SetTraceLevel(tracing.TraceLevelFromString(*tlevel))
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: jsvm [flags] program.jsasm\n")
		flag.PrintDefaults()
		os.Exit(64) // Exit code 64: command line usage error
	}

	session, err := driver.NewSession(
		vm.WithGCThreshold(*gcThreshold),
		vm.WithJIT(!*noJIT),
		vm.WithHotLoopThreshold(*hot),
	)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(70)
	}
	session.SetRunOptions(driver.RunOptions{ShowBytecode: *disasm, Out: os.Stdout})
	tracer().Infof("running %s", flag.Arg(0))
	value, errs := session.RunFile(flag.Arg(0))
	ok := session.DisplayResult(os.Stdout, value, errs)
	if *stats {
		if err := session.PrintStats(os.Stdout); err != nil {
			tracer().Errorf("cannot print statistics: %v", err)
		}
	}
	if !ok {
		os.Exit(70) // Exit code 70: internal software error
	}
}

// We use pterm for moderately fancy output.
func initDisplay() {
	pterm.EnableDebugMessages()
	pterm.Info.Prefix = pterm.Prefix{
		Text:  "  >>",
		Style: pterm.NewStyle(pterm.BgCyan, pterm.FgBlack),
	}
	pterm.Error.Prefix = pterm.Prefix{
		Text:  "  Error",
		Style: pterm.NewStyle(pterm.BgRed, pterm.FgBlack),
	}
}
