package asm

import (
	"fmt"
	"sync"

	"github.com/timtadh/lexmachine"
	"github.com/timtadh/lexmachine/machines"

	"jsvm/pkg/errors"
)

// Token types
const (
	tokEOF = iota
	tokNewline
	tokIdent
	tokDirective
	tokNumber
	tokString
	tokColon
	tokEquals
	tokComma
)

var tokenNames = []string{"end of input", "newline", "identifier", "directive", "number", "string", "':'", "'='", "','"}

// token is a lexeme with its position.
type token struct {
	typ    int
	lexeme string
	line   int
	column int
}

func (t token) String() string {
	if t.typ == tokNewline || t.typ == tokEOF {
		return tokenNames[t.typ]
	}
	return fmt.Sprintf("%s %q", tokenNames[t.typ], t.lexeme)
}

var (
	lexerOnce sync.Once
	theLexer  *lexmachine.Lexer
	lexerErr  error
)

// lexer returns the shared DFA, compiling it on first use.
func lexer() (*lexmachine.Lexer, error) {
	lexerOnce.Do(func() {
		l := lexmachine.NewLexer()
		l.Add([]byte(`;[^\n]*`), skip) // comments run to end of line
		l.Add([]byte(`( |\t|\r)+`), skip)
		l.Add([]byte(`\n`), makeToken(tokNewline))
		l.Add([]byte(`\.([a-z]|[A-Z])+`), makeToken(tokDirective))
		l.Add([]byte(`([a-z]|[A-Z]|_|\$)([a-z]|[A-Z]|[0-9]|_|\$|\.)*`), makeToken(tokIdent))
		l.Add([]byte(`\-?[0-9]+(\.[0-9]+)?((e|E)(\+|\-)?[0-9]+)?`), makeToken(tokNumber))
		l.Add([]byte(`\"([^"\\]|\\.)*\"`), makeToken(tokString))
		l.Add([]byte(`:`), makeToken(tokColon))
		l.Add([]byte(`=`), makeToken(tokEquals))
		l.Add([]byte(`,`), makeToken(tokComma))
		if err := l.Compile(); err != nil {
			tracer().Errorf("error compiling DFA: %v", err)
			lexerErr = err
			return
		}
		theLexer = l
	})
	return theLexer, lexerErr
}

func skip(*lexmachine.Scanner, *machines.Match) (interface{}, error) {
	return nil, nil
}

func makeToken(id int) lexmachine.Action {
	return func(s *lexmachine.Scanner, m *machines.Match) (interface{}, error) {
		return s.Token(id, string(m.Bytes), m), nil
	}
}

// tokenize splits source into lines of tokens. Empty lines are dropped.
// Unrecognized input is reported and skipped so that all lexical errors of
// a file are collected in one pass.
func tokenize(file, source string) ([][]token, []*errors.AssembleError) {
	l, err := lexer()
	if err != nil {
		return nil, []*errors.AssembleError{(&errors.AssembleError{
			Position: errors.Position{File: file, Offset: -1},
			Msg:      "cannot build lexer",
		}).CausedBy(err)}
	}
	scanner, err := l.Scanner([]byte(source))
	if err != nil {
		return nil, []*errors.AssembleError{(&errors.AssembleError{
			Position: errors.Position{File: file, Offset: -1},
			Msg:      "cannot scan input",
		}).CausedBy(err)}
	}
	var lines [][]token
	var cur []token
	var errs []*errors.AssembleError
	for {
		tok, err, eof := scanner.Next()
		if eof {
			break
		}
		if err != nil {
			if ui, ok := err.(*machines.UnconsumedInput); ok {
				errs = append(errs, &errors.AssembleError{
					Position: errors.Position{File: file, Line: ui.StartLine, Column: ui.StartColumn, Offset: ui.StartTC},
					Msg:      fmt.Sprintf("unexpected input %q", string(ui.Text)),
				})
				next := ui.FailTC
				if next <= ui.StartTC {
					next = ui.StartTC + 1
				}
				scanner.TC = next
				continue
			}
			errs = append(errs, (&errors.AssembleError{Position: errors.Position{File: file, Offset: -1}, Msg: "scanner failure"}).CausedBy(err))
			break
		}
		lt := tok.(*lexmachine.Token)
		t := token{typ: lt.Type, lexeme: string(lt.Lexeme), line: lt.StartLine, column: lt.StartColumn}
		if t.typ == tokNewline {
			if len(cur) > 0 {
				lines = append(lines, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		lines = append(lines, cur)
	}
	tracer().Debugf("%s: %d lines of tokens", file, len(lines))
	return lines, errs
}
