package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// SplitMode selects how a script is cut into statements.
type SplitMode string

const (
	// SplitNaive cuts on every ';'. A ';' inside a string literal, a comment
	// or a procedure body ends the statement there.
	SplitNaive SplitMode = "naive"
	// SplitQuoted ignores ';' inside strings, quoted identifiers and
	// comments, following MySQL's lexical rules.
	SplitQuoted SplitMode = "quoted"
)

// Splitter returns the split function for mode.
func Splitter(mode SplitMode) (func(string) []string, error) {
	switch mode {
	case SplitNaive, "":
		return Split, nil
	case SplitQuoted:
		return SplitMySQL, nil
	default:
		return nil, fmt.Errorf("unknown split mode %q", mode)
	}
}

// Split cuts script on ';', trims each piece and drops the empty ones.
// Order of appearance is kept.
func Split(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// SplitMySQL cuts script on ';' following MySQL's lexical rules: a ';'
// inside a '...' or "..." string (with backslash escapes and doubled
// quotes), a `...` identifier, or a "-- ", "#" or "/* */" comment does not
// end a statement. Comments stay attached to the statement they precede and
// pieces holding nothing but comments are dropped. BEGIN...END bodies and
// DELIMITER directives are not recognised.
func SplitMySQL(script string) []string {
	var (
		out     []string
		current strings.Builder
		hasCode bool
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if hasCode && stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
		hasCode = false
	}

	src := []rune(script)
	n := len(src)
	for i := 0; i < n; i++ {
		r := src[i]
		switch {
		case r == '\'', r == '"', r == '`':
			end := skipQuoted(src, i)
			current.WriteString(string(src[i:end]))
			hasCode = true
			i = end - 1
		case r == '#', r == '-' && isDashComment(src, i):
			end := i
			for end < n && src[end] != '\n' {
				end++
			}
			current.WriteString(string(src[i:end]))
			i = end - 1
		case r == '/' && i+1 < n && src[i+1] == '*':
			end := i + 2
			for end < n && !(src[end] == '*' && end+1 < n && src[end+1] == '/') {
				end++
			}
			end = min(end+2, n)
			// "/*!50001 ... */" runs on the server and "/*+ ... */" is an
			// optimizer hint.
			if i+2 < n && (src[i+2] == '!' || src[i+2] == '+') {
				hasCode = true
			}
			current.WriteString(string(src[i:end]))
			i = end - 1
		case r == ';':
			flush()
		default:
			if !unicode.IsSpace(r) {
				hasCode = true
			}
			current.WriteRune(r)
		}
	}
	flush()
	return out
}

// skipQuoted returns the index just past the quoted run that starts at
// src[start]. An unterminated run extends to the end of src.
func skipQuoted(src []rune, start int) int {
	quote := src[start]
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			if quote != '`' {
				i++
			}
		case quote:
			if i+1 < len(src) && src[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(src)
}

// isDashComment reports whether src[i:] starts a "-- " comment. MySQL needs
// whitespace or end of input after the two dashes.
func isDashComment(src []rune, i int) bool {
	if i+1 >= len(src) || src[i+1] != '-' {
		return false
	}
	return i+2 >= len(src) || unicode.IsSpace(src[i+2])
}
