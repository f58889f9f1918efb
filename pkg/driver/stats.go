package driver

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"

	"jsvm/pkg/vm"
)

// Stats collects collector and tracing compiler counters of a session.
type Stats struct {
	GC    vm.GCStats
	JIT   vm.JITStats
	Loops []vm.LoopProfile
	Heap  int // live cells
}

// Stats returns the session's current counters.
func (s *Session) Stats() Stats {
	return Stats{
		GC:    s.vm.GCStats(),
		JIT:   s.vm.JITStats(),
		Loops: s.vm.LoopProfiles(),
		Heap:  s.vm.Heap().Live(),
	}
}

// PrintStats renders the counters as tables.
func (s *Session) PrintStats(w io.Writer) error {
	st := s.Stats()
	itoa := strconv.Itoa
	counters := pterm.TableData{
		{"counter", "value"},
		{"gc collections", itoa(st.GC.Collections)},
		{"gc freed cells", strconv.FormatUint(st.GC.Freed, 10)},
		{"gc last pause", st.GC.LastPause.String()},
		{"live cells", itoa(st.Heap)},
		{"traces compiled", itoa(st.JIT.TracesCompiled)},
		{"trace entries", itoa(st.JIT.TraceEntries)},
		{"trace iterations", strconv.FormatUint(st.JIT.Iterations, 10)},
		{"side exits", itoa(st.JIT.SideExits)},
		{"deoptimizations", itoa(st.JIT.Deopts)},
		{"evictions", itoa(st.JIT.Evictions)},
		{"recording aborts", itoa(st.JIT.Aborts)},
		{"excluded loops", itoa(st.JIT.Excluded)},
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(counters).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out)
	if len(st.Loops) == 0 {
		return nil
	}
	loops := pterm.TableData{{"function", "header", "state", "hits", "retries", "trace steps"}}
	for _, l := range st.Loops {
		loops = append(loops, []string{
			l.Function, fmt.Sprintf("%04d", l.Header), l.State.String(),
			itoa(l.Hits), itoa(l.Retries), itoa(l.Steps),
		})
	}
	out, err = pterm.DefaultTable.WithHasHeader().WithData(loops).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out)
	return nil
}
