package expr

import (
	"strings"

	"github.com/dop251/goja"
	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
)

const (
	openDelim  = "${"
	closeDelim = '}'
)

// segment is either literal text or a compiled expression.
type segment struct {
	literal string
	source  string
	program *goja.Program
}

func (s segment) isExpression() bool {
	return s.program != nil
}

// template is a parsed, compiled template.
type template struct {
	text     string
	segments []segment
}

// single reports whether the whole template is exactly one expression.
func (t *template) single() bool {
	return len(t.segments) == 1 && t.segments[0].isExpression()
}

// IsTemplate reports whether s contains at least one expression region.
func IsTemplate(s string) bool {
	return strings.Contains(s, openDelim)
}

// Split breaks a template into literal text and expression sources without
// compiling them. Expression sources are returned trimmed and flagged.
func Split(text string) ([]Part, error) {
	var parts []Part
	rest := 0
	for {
		start := strings.Index(text[rest:], openDelim)
		if start < 0 {
			if rest < len(text) {
				parts = append(parts, Part{Text: text[rest:]})
			}
			return parts, nil
		}
		start += rest
		if start > rest {
			parts = append(parts, Part{Text: text[rest:start]})
		}
		end := scanExpression(text, start+len(openDelim))
		if end < 0 {
			return nil, cerrors.NewConfigurationError("", "unterminated expression in template "+quote(text), cerrors.ErrMalformedTemplate)
		}
		src := strings.TrimSpace(text[start+len(openDelim) : end])
		if src == "" {
			return nil, cerrors.NewConfigurationError("", "empty expression in template "+quote(text), cerrors.ErrMalformedTemplate)
		}
		parts = append(parts, Part{Text: src, Expression: true})
		rest = end + 1
	}
}

// Part is one piece of a split template.
type Part struct {
	Text       string
	Expression bool
}

// scanExpression returns the index of the brace closing the region that
// starts at from, skipping nested braces and quoted strings. It returns -1
// when the region is not terminated.
func scanExpression(s string, from int) int {
	depth := 0
	var quoteChar byte
	for i := from; i < len(s); i++ {
		c := s[i]
		if quoteChar != 0 {
			switch c {
			case '\\':
				i++
			case quoteChar:
				quoteChar = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quoteChar = c
		case '{':
			depth++
		case closeDelim:
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// compileSource compiles an expression. Parenthesizing first lets object
// literals such as {a: 1} evaluate as values; sources with statements fall
// back to plain script compilation, where the last expression statement
// provides the value.
func compileSource(src string) (*goja.Program, error) {
	prog, err := goja.Compile("expression", "("+src+"\n)", false)
	if err == nil {
		return prog, nil
	}
	prog, scriptErr := goja.Compile("expression", src, false)
	if scriptErr != nil {
		return nil, scriptErr
	}
	return prog, nil
}

func quote(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}
