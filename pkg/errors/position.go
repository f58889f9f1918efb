package errors

import "fmt"

// Position locates an error in assembler input or in an instruction stream.
// Line and Column are 1-based; Offset is the bytecode offset for runtime
// errors and -1 when unknown.
type Position struct {
	Line   int
	Column int
	Offset int
	File   string
}

// NoPosition is used for errors that cannot be attributed to a location.
var NoPosition = Position{Offset: -1}

// IsValid reports whether the position carries a line number.
func (p Position) IsValid() bool {
	return p.Line > 0
}

func (p Position) String() string {
	switch {
	case p.File != "" && p.IsValid():
		return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
	case p.IsValid():
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	case p.Offset >= 0:
		return fmt.Sprintf("@%04d", p.Offset)
	}
	return "?"
}
