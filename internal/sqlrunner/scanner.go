package sqlrunner

import (
	"strconv"
	"strings"
)

// Statement is one normalized, non-empty unit of a script.
type Statement struct {
	Ordinal      int
	Text         string
	Placeholders int
}

type BindStyle int

const (
	// BindQuestion leaves `?` markers untouched.
	BindQuestion BindStyle = iota
	// BindDollar rewrites markers to $1, $2, ... per statement.
	BindDollar
)

func (b BindStyle) String() string {
	switch b {
	case BindDollar:
		return "dollar"
	default:
		return "question"
	}
}

type segmentKind int

const (
	segmentCode segmentKind = iota
	segmentLiteral
	segmentComment
)

// walk cuts text into code, quoted literal and comment segments. Literals keep
// their quotes; an unterminated literal or block comment runs to the end.
func walk(text string, visit func(kind segmentKind, segment string)) {
	start := 0
	flushCode := func(end int) {
		if end > start {
			visit(segmentCode, text[start:end])
		}
	}

	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '\'' || c == '"':
			flushCode(i)
			end := literalEnd(text, i)
			visit(segmentLiteral, text[i:end])
			i, start = end, end
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			flushCode(i)
			end := len(text)
			if idx := strings.IndexByte(text[i:], '\n'); idx >= 0 {
				end = i + idx
			}
			visit(segmentComment, text[i:end])
			i, start = end, end
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			flushCode(i)
			end := len(text)
			if idx := strings.Index(text[i+2:], "*/"); idx >= 0 {
				end = i + 2 + idx + 2
			}
			visit(segmentComment, text[i:end])
			i, start = end, end
		default:
			i++
		}
	}
	flushCode(len(text))
}

func literalEnd(text string, start int) int {
	quote := text[start]
	for j := start + 1; j < len(text); j++ {
		if text[j] != quote {
			continue
		}
		if j+1 < len(text) && text[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(text)
}

// Split turns raw script text into its ordered statements. Comments are
// dropped, whitespace runs outside literals collapse to one space, and
// segments that are empty after trimming are discarded without consuming an
// ordinal.
func Split(script string) []Statement {
	var (
		statements   []Statement
		buf          strings.Builder
		pendingSpace bool
	)

	write := func(s string) {
		if pendingSpace && buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		pendingSpace = false
		buf.WriteString(s)
	}
	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		pendingSpace = false
		if text == "" {
			return
		}
		statements = append(statements, Statement{
			Ordinal:      len(statements),
			Text:         text,
			Placeholders: CountPlaceholders(text),
		})
	}

	walk(script, func(kind segmentKind, segment string) {
		switch kind {
		case segmentLiteral:
			write(segment)
		case segmentComment:
			pendingSpace = true
		case segmentCode:
			from := 0
			for i := 0; i < len(segment); i++ {
				c := segment[i]
				if c != ';' && !isSpace(c) {
					continue
				}
				if i > from {
					write(segment[from:i])
				}
				if c == ';' {
					flush()
				} else {
					pendingSpace = true
				}
				from = i + 1
			}
			if from < len(segment) {
				write(segment[from:])
			}
		}
	})
	flush()

	return statements
}

// CountPlaceholders returns the number of positional `?` markers outside
// literals and comments.
func CountPlaceholders(text string) int {
	count := 0
	walk(text, func(kind segmentKind, segment string) {
		if kind == segmentCode {
			count += strings.Count(segment, "?")
		}
	})
	return count
}

// Rebind rewrites `?` markers into the driver's placeholder style.
func Rebind(text string, style BindStyle) string {
	if style != BindDollar || !strings.Contains(text, "?") {
		return text
	}

	var buf strings.Builder
	buf.Grow(len(text) + 8)
	n := 0
	walk(text, func(kind segmentKind, segment string) {
		if kind != segmentCode {
			buf.WriteString(segment)
			return
		}
		for i := 0; i < len(segment); i++ {
			if segment[i] != '?' {
				buf.WriteByte(segment[i])
				continue
			}
			n++
			buf.WriteByte('$')
			buf.WriteString(strconv.Itoa(n))
		}
	})
	return buf.String()
}

// FirstKeyword returns the upper-cased leading word of a normalized
// statement, skipping opening parentheses.
func FirstKeyword(text string) string {
	text = strings.TrimLeft(text, " \t\r\n(")
	end := 0
	for end < len(text) && isWordByte(text[end]) {
		end++
	}
	return strings.ToUpper(text[:end])
}

// HasKeyword reports whether keyword appears as a whole word outside literals
// and comments.
func HasKeyword(text, keyword string) bool {
	found := false
	walk(text, func(kind segmentKind, segment string) {
		if found || kind != segmentCode {
			return
		}
		for _, word := range strings.FieldsFunc(segment, func(r rune) bool { return r > 0x7f || !isWordByte(byte(r)) }) {
			if strings.EqualFold(word, keyword) {
				found = true
				return
			}
		}
	})
	return found
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}
