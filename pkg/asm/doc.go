/*
Package asm assembles the textual instruction format into programs for the
virtual machine.

A program is a sequence of functions:

	.function fib params=n
	    get.local n
	    int 2
	    lt
	    jump.false recurse
	    get.local n
	    return
	recurse:
	    ...
	.end

Each line holds one instruction, `mnemonic operand*`, optionally preceded by
a `label:`. Comments start with ';'. Operands are integers, numbers and
"strings" for const, names for property and variable instructions, labels
for jumps, and function names for closure. Loop back edges must target a
label defined earlier in the function. `get.local NAME` and `set.local NAME`
address a parameter or local of the current function; the scope depth is
the number of push.scope instructions open at that point of the text.

Directives:

	.function NAME [params=a,b] [rest=r] [locals=x,y]
	.end
	.try START END HANDLER [stack=N] [scopes=N]

The entry function is "main" if present, otherwise the first function. It
runs in the global environment and uses name-based variable access.
*/
package asm

import "github.com/npillmayer/schuko/tracing"

// tracer traces with key 'jsvm.asm'.
func tracer() tracing.Trace {
	return tracing.Select("jsvm.asm")
}
