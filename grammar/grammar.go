// Package grammar tokenizes and structurally validates the textual
// forest grammar (see the language's canonical form) into a flat,
// order-preserving list of logical nodes: TypeName Params? Children?,
// forests separated by whitespace or commas, children introduced by
// '[' ... ']'. The parser performs no semantic analysis beyond
// resolving type names against a caller-supplied table and validating
// delimiter structure.
package grammar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/npillmayer/schuko/tracing"

	"github.com/canopyrun/taskforge/param"
)

// tracer traces with key 'taskforge.grammar'.
func tracer() tracing.Trace {
	return tracing.Select("taskforge.grammar")
}

// Sentinel errors for programmatic error checking via errors.Is().
var (
	// ErrUnknownType is returned when a type name is not present in
	// the caller's registered type table.
	ErrUnknownType = errors.New("grammar: unknown type name")
	// ErrEmptyName is returned when a type-name position yields a
	// zero-length token (e.g. two delimiters back to back).
	ErrEmptyName = errors.New("grammar: empty type name")
	// ErrInvalidCharacter is returned when a delimiter slot holds a
	// byte that isn't one of '(' '[' ']' ',' or a valid param token.
	ErrInvalidCharacter = errors.New("grammar: invalid character")
)

// ParseError carries the position or name associated with a parse
// failure, alongside one of the sentinel errors above (retrievable via
// errors.Is / errors.As).
type ParseError struct {
	err  error
	Name string // set for ErrUnknownType
	Pos  int    // set for ErrInvalidCharacter and ErrEmptyName (byte offset in source)
}

func (e *ParseError) Error() string {
	switch {
	case errors.Is(e.err, ErrUnknownType):
		return fmt.Sprintf("grammar: unknown type %q", e.Name)
	case errors.Is(e.err, ErrInvalidCharacter):
		return fmt.Sprintf("grammar: invalid character at position %d", e.Pos)
	default:
		return e.err.Error()
	}
}

func (e *ParseError) Unwrap() error { return e.err }

// TypeTable resolves a registered type name to its variant index.
type TypeTable struct {
	index map[string]int
}

// NewTypeTable builds a TypeTable from an ordered list of type names;
// a name's position in the list becomes its variant index.
func NewTypeTable(names ...string) *TypeTable {
	t := &TypeTable{index: make(map[string]int, len(names))}
	for i, name := range names {
		t.index[name] = i
	}
	return t
}

// Index returns the variant index registered for name, and whether it
// was found.
func (t *TypeTable) Index(name string) (int, bool) {
	idx, ok := t.index[name]
	return idx, ok
}

// Node is the logical, pre-compilation representation of one parsed
// tree node: a dense positive ID, its resolved type, nesting level,
// parent ID (0 meaning "a root child"), and its ordered parameters.
type Node struct {
	ID      int
	TypeIdx int
	Level   int
	Parent  int
	Params  []param.Parameter
}

type frame struct {
	level  int
	parent int
}

// Parse tokenizes and structurally validates source against types,
// returning the flat node list in source (pre-)order. An empty (or
// all-whitespace) source parses successfully to a zero-node forest.
//
// A forest separator is either a ',' or plain whitespace: "A, B" and
// "A B" are equivalent. Whitespace is therefore never stripped up
// front (doing so would erase the only separator between two
// comma-less siblings) — it is skipped token-by-token instead.
func Parse(source string, types *TypeTable) ([]Node, error) {
	n := len(source)
	pos := skipSpace(source, 0)
	if pos >= n {
		return nil, nil
	}

	var nodes []Node
	stack := []frame{{level: 0, parent: 0}}
	nextID := 1

	for pos < n {
		pos = skipSpace(source, pos)
		if pos >= n {
			break
		}
		top := stack[len(stack)-1]

		start := pos
		for pos < n && !isDelimiter(source[pos]) && !isSpace(source[pos]) {
			pos++
		}
		name := source[start:pos]
		if len(name) == 0 {
			return nil, &ParseError{err: ErrEmptyName, Pos: pos}
		}
		typeIdx, ok := types.Index(name)
		if !ok {
			return nil, &ParseError{err: ErrUnknownType, Name: name}
		}

		id := nextID
		nextID++
		node := Node{ID: id, TypeIdx: typeIdx, Level: top.level, Parent: top.parent}

		pos = skipSpace(source, pos)
		if pos < n && source[pos] == '(' {
			params, newPos, err := parseParams(source, pos)
			if err != nil {
				return nil, err
			}
			node.Params = params
			pos = newPos
			pos = skipSpace(source, pos)
		}

		nodes = append(nodes, node)
		tracer().Debugf("parsed node #%d type=%d level=%d parent=%d params=%d",
			id, typeIdx, node.Level, node.Parent, len(node.Params))

		if pos >= n {
			break
		}

		switch source[pos] {
		case '[':
			pos++
			stack = append(stack, frame{level: top.level + 1, parent: id})
		case ']':
			for pos < n && source[pos] == ']' {
				if len(stack) <= 1 {
					return nil, &ParseError{err: ErrInvalidCharacter, Pos: pos}
				}
				stack = stack[:len(stack)-1]
				pos++
				pos = skipSpace(source, pos)
			}
			if pos < n && source[pos] == ',' {
				pos++
			}
		case ',':
			pos++
		default:
			// Not one of the delimiters handled above. If it isn't a
			// delimiter byte at all, it's the start of the next
			// sibling's name with whitespace as the only separator —
			// loop back without consuming anything. A stray ')' (or
			// an unopened '(') reaching here is genuinely malformed.
			if isDelimiter(source[pos]) {
				return nil, &ParseError{err: ErrInvalidCharacter, Pos: pos}
			}
		}
	}

	return nodes, nil
}

func isDelimiter(b byte) bool {
	return b == '(' || b == ')' || b == '[' || b == ']' || b == ','
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', '\v':
		return true
	default:
		return false
	}
}

func skipSpace(s string, pos int) int {
	for pos < len(s) && isSpace(s[pos]) {
		pos++
	}
	return pos
}

// stripWhitespace removes space, tab, CR, LF, form-feed and vertical
// tab from a parameter-list interior before it is split into tokens.
func stripWhitespace(source string) string {
	var b strings.Builder
	b.Grow(len(source))
	for i := 0; i < len(source); i++ {
		switch source[i] {
		case ' ', '\t', '\r', '\n', '\f', '\v':
			continue
		default:
			b.WriteByte(source[i])
		}
	}
	return b.String()
}

// parseParams parses a balanced '(' ... ')' parameter list starting at
// openPos (which must hold '('), returning the parsed parameters and
// the position just past the closing ')'.
func parseParams(s string, openPos int) ([]param.Parameter, int, error) {
	depth := 0
	i := openPos
	for i < len(s) {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				goto closed
			}
		}
		i++
	}
	return nil, 0, &ParseError{err: ErrInvalidCharacter, Pos: openPos}

closed:
	inner := stripWhitespace(s[openPos+1 : i])
	tokens := splitTopLevel(inner)
	params := make([]param.Parameter, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		p, err := parseParamToken(tok, openPos)
		if err != nil {
			return nil, 0, err
		}
		params = append(params, p)
	}
	return params, i + 1, nil
}

// splitTopLevel splits a parameter-list interior on commas that are
// not nested inside a further balanced '(' ... ')' pair.
func splitTopLevel(s string) []string {
	if s == "" {
		return nil
	}
	var tokens []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				tokens = append(tokens, s[start:i])
				start = i + 1
			}
		}
	}
	tokens = append(tokens, s[start:])
	return tokens
}

// parseParamToken classifies and parses a single parameter token per
// the grammar's numeric discrimination rule: '$'-prefixed is a dynamic
// reference, 'true'/'false' is bool, a token containing '.' or 'f' is
// a float, otherwise a signed integer.
func parseParamToken(tok string, pos int) (param.Parameter, error) {
	switch tok {
	case "true":
		return param.Bool(true), nil
	case "false":
		return param.Bool(false), nil
	}
	if strings.HasPrefix(tok, "$") {
		n, err := strconv.ParseUint(tok[1:], 10, 32)
		if err != nil {
			return param.Parameter{}, &ParseError{err: ErrInvalidCharacter, Pos: pos}
		}
		return param.Dyn(uint32(n)), nil
	}
	if strings.ContainsAny(tok, ".f") {
		f, err := strconv.ParseFloat(strings.TrimSuffix(tok, "f"), 32)
		if err != nil {
			return param.Parameter{}, &ParseError{err: ErrInvalidCharacter, Pos: pos}
		}
		return param.Float(float32(f)), nil
	}
	iv, err := strconv.ParseInt(tok, 10, 32)
	if err != nil {
		return param.Parameter{}, &ParseError{err: ErrInvalidCharacter, Pos: pos}
	}
	return param.Int(int32(iv)), nil
}
