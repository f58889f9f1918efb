package vm

import (
	"github.com/emirpasic/gods/maps/treemap"
)

// LoopState is the compilation state of one loop header.
type LoopState uint8

const (
	StateCold LoopState = iota
	StateProfiling
	StateCompiling
	StateHot
	StateDeoptimized
	StateExcluded
)

func (s LoopState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateProfiling:
		return "profiling"
	case StateCompiling:
		return "compiling"
	case StateHot:
		return "hot"
	case StateDeoptimized:
		return "deoptimized"
	case StateExcluded:
		return "excluded"
	}
	return "?"
}

// JITStats counts tracing compiler events.
type JITStats struct {
	TracesCompiled int
	TraceEntries   int
	Iterations     uint64 // loop iterations run inside compiled traces
	SideExits      int
	Deopts         int // guard failures
	Evictions      int
	Aborts         int // abandoned recordings
	Excluded       int
}

// LoopProfile is a snapshot of one loop header's state.
type LoopProfile struct {
	Function string
	Header   int
	State    LoopState
	Hits     int
	Retries  int
	Steps    int // length of the compiled trace, 0 if none
}

type loopProfile struct {
	fn      string
	chunk   *Chunk
	header  int
	state   LoopState
	hits    int
	retries int
	trace   *trace
}

// jit keeps per-loop-header profiles and the trace cache. Profiles of one
// chunk are ordered by header offset.
type jit struct {
	opts   JITOptions
	chunks map[*Chunk]*treemap.Map
	order  []*Chunk
	stats  JITStats
}

func newJIT(o JITOptions) *jit {
	return &jit{opts: o, chunks: make(map[*Chunk]*treemap.Map)}
}

func (j *jit) profile(fr *frame, header int) *loopProfile {
	m, ok := j.chunks[fr.chunk]
	if !ok {
		m = treemap.NewWithIntComparator()
		j.chunks[fr.chunk] = m
		j.order = append(j.order, fr.chunk)
	}
	if p, found := m.Get(header); found {
		return p.(*loopProfile)
	}
	p := &loopProfile{fn: fr.name(), chunk: fr.chunk, header: header}
	m.Put(header, p)
	return p
}

func (j *jit) transition(p *loopProfile, to LoopState) {
	jitTracer().Debugf("loop %s@%04d: %s -> %s", p.fn, p.header, p.state, to)
	p.state = to
}

// backEdge is called by the interpreter after a loop back edge jumped to
// header. It advances the header's state machine and, for hot headers,
// runs the compiled trace.
func (j *jit) backEdge(vm *VM, fr *frame, header int) error {
	p := j.profile(fr, header)
	switch p.state {
	case StateCold:
		p.hits++
		if p.hits >= j.opts.HotLoopThreshold {
			j.transition(p, StateProfiling)
			j.startRecording(vm, p)
		}
	case StateProfiling:
		j.startRecording(vm, p)
	case StateHot:
		return j.enter(vm, fr, p)
	}
	return nil
}

func (j *jit) startRecording(vm *VM, p *loopProfile) {
	if vm.rec != nil {
		return
	}
	vm.rec = &recorder{prof: p, chunk: p.chunk, frameIdx: vm.fc - 1}
	jitTracer().Debugf("recording %s@%04d", p.fn, p.header)
}

// abortRecording drops the current recording. Aborts count against the
// header's retry budget.
func (j *jit) abortRecording(vm *VM, reason string) {
	r := vm.rec
	vm.rec = nil
	j.stats.Aborts++
	jitTracer().Infof("recording of %s@%04d aborted: %s", r.prof.fn, r.prof.header, reason)
	j.retry(r.prof)
}

// retry sends a header back to Cold, or excludes it for good once its
// retry budget is spent.
func (j *jit) retry(p *loopProfile) {
	p.retries++
	p.hits = 0
	if p.retries >= j.opts.MaxRetries {
		j.transition(p, StateExcluded)
		j.stats.Excluded++
		jitTracer().Infof("loop %s@%04d excluded from compilation after %d attempts", p.fn, p.header, p.retries)
		return
	}
	j.transition(p, StateCold)
}

// finishRecording compiles the recorded iteration and installs the trace.
// Installation happens only after compilation completed, so a partial
// trace is never visible to the dispatcher.
func (j *jit) finishRecording(vm *VM) {
	r := vm.rec
	vm.rec = nil
	p := r.prof
	j.transition(p, StateCompiling)
	t := j.compile(vm, r)
	p.trace = t
	j.stats.TracesCompiled++
	j.transition(p, StateHot)
	jitTracer().Infof("compiled trace for %s@%04d: %d steps, %d guards", p.fn, p.header, len(t.steps), t.guards)
}

func (j *jit) enter(vm *VM, fr *frame, p *loopProfile) error {
	t := p.trace
	if t.fingerprint != fr.chunk.Fingerprint() {
		jitTracer().Infof("trace for %s@%04d invalidated: code changed", p.fn, p.header)
		p.trace = nil
		p.hits = 0
		j.stats.Evictions++
		j.transition(p, StateCold)
		return nil
	}
	j.stats.TraceEntries++
	return t.run(vm, fr, j, p)
}

// deopt records a guard failure of t, a trace of p, and evicts the trace
// when it failed too often.
func (j *jit) deopt(p *loopProfile, t *trace, pc int) {
	j.stats.Deopts++
	t.failures++
	jitTracer().Debugf("guard failed in %s@%04d at %04d (%d/%d)", p.fn, p.header, pc, t.failures, j.opts.GuardFailureLimit)
	if t.failures < j.opts.GuardFailureLimit {
		return
	}
	j.evict(p, t)
}

// evict drops t and sends p through the retry budget. A recursive entry
// may already have replaced p's trace.
func (j *jit) evict(p *loopProfile, t *trace) {
	if p.trace != t {
		return
	}
	p.trace = nil
	j.stats.Evictions++
	j.transition(p, StateDeoptimized)
	j.retry(p)
}

// sideExit records a branch leaving p's trace after passes complete
// iterations. Entries that leave before finishing one iteration count like
// guard failures when they happen in a row, so a trace recorded on a path
// the loop no longer takes is evicted.
func (j *jit) sideExit(p *loopProfile, t *trace, passes uint64) {
	j.stats.SideExits++
	if passes > 0 {
		t.idle = 0
		return
	}
	t.idle++
	jitTracer().Debugf("trace %s@%04d left before one iteration (%d/%d)", p.fn, p.header, t.idle, j.opts.GuardFailureLimit)
	if t.idle < j.opts.GuardFailureLimit {
		return
	}
	j.evict(p, t)
}

// invalidateChunk drops all profiles and traces of a replaced chunk.
func (j *jit) invalidateChunk(vm *VM, c *Chunk) {
	if vm.rec != nil && vm.rec.chunk == c {
		j.abortRecording(vm, "code replaced")
	}
	if m, ok := j.chunks[c]; ok {
		j.stats.Evictions += m.Size()
		delete(j.chunks, c)
	}
	for i, oc := range j.order {
		if oc == c {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

func (j *jit) markRoots(m *marker) {
	for _, tm := range j.chunks {
		it := tm.Iterator()
		for it.Next() {
			if t := it.Value().(*loopProfile).trace; t != nil {
				m.values(t.roots)
			}
		}
	}
}

// JITStats returns tracing compiler statistics.
func (vm *VM) JITStats() JITStats { return vm.jit.stats }

// LoopState returns the state of the loop whose header is at offset header
// in chunk c.
func (vm *VM) LoopState(c *Chunk, header int) LoopState {
	if m, ok := vm.jit.chunks[c]; ok {
		if p, found := m.Get(header); found {
			return p.(*loopProfile).state
		}
	}
	return StateCold
}

// LoopProfiles lists all loop headers seen so far, per chunk in first-seen
// order and by header offset within a chunk.
func (vm *VM) LoopProfiles() []LoopProfile {
	var out []LoopProfile
	for _, c := range vm.jit.order {
		it := vm.jit.chunks[c].Iterator()
		for it.Next() {
			p := it.Value().(*loopProfile)
			lp := LoopProfile{Function: p.fn, Header: p.header, State: p.state, Hits: p.hits, Retries: p.retries}
			if p.trace != nil {
				lp.Steps = len(p.trace.steps)
			}
			out = append(out, lp)
		}
	}
	return out
}
