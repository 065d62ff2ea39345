package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorRunes bounds the length of a caller-visible error message.
const MaxErrorRunes = 300

// genericError replaces messages that are empty after redaction.
const genericError = "An error occurred"

const (
	pathMark = "[PATH]"
	lineMark = "[REDACTED]"
)

var (
	framePattern  = regexp.MustCompile(`File "[^"\n]*"`)
	quotedPattern = regexp.MustCompile(`'[^'\n]*'|"[^"\n]*"`)
	linePattern   = regexp.MustCompile(`(?i)line \d+`)
	colonPattern  = regexp.MustCompile(`:\d+(?::\d+)*:`)
)

// Redact strips filesystem paths, stack frames and line references from msg,
// collapses a traceback to its final line, and truncates the result.
// Redact(Redact(s)) == Redact(s).
func Redact(msg string) string {
	if !utf8.ValidString(msg) {
		msg = strings.ToValidUTF8(msg, "�")
	}

	collapse := strings.Contains(msg, "Traceback") || strings.Contains(msg, `File "`)

	s := framePattern.ReplaceAllString(msg, `File "`+pathMark+`"`)
	s = quotedPattern.ReplaceAllStringFunc(s, func(q string) string {
		if strings.ContainsAny(q[1:len(q)-1], `/\`) {
			return q[:1] + pathMark + q[len(q)-1:]
		}
		return q
	})
	s = redactPaths(s)
	s = linePattern.ReplaceAllString(s, "line "+lineMark)
	s = colonPattern.ReplaceAllString(s, ":"+lineMark+":")

	if collapse {
		s = lastLine(s)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return genericError
	}
	return truncate(s, MaxErrorRunes)
}

// redactPaths replaces every unquoted path in s with pathMark. A path runs
// until a delimiter. A single space stays inside the path when the next word
// holds a separator, looks like a file name, or is the last word before a
// delimiter.
func redactPaths(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		n := pathStart(s, i)
		if n == 0 {
			b.WriteByte(s[i])
			i++
			continue
		}
		b.WriteString(pathMark)
		i = pathEnd(s, i+n)
	}
	return b.String()
}

// pathStart reports the length of the path prefix at s[i], or 0.
func pathStart(s string, i int) int {
	c := s[i]
	switch {
	case isDriveLetter(c) && i+2 < len(s) && s[i+1] == ':' && (s[i+2] == '\\' || s[i+2] == '/') &&
		(i == 0 || !isWordByte(s[i-1])):
		return 3
	case c == '~' && i+1 < len(s) && s[i+1] == '/':
		return 2
	case (c == '/' || c == '\\') && i+1 < len(s) && s[i+1] != ' ' && !isPathDelim(s[i+1]):
		return 1
	}
	return 0
}

// pathEnd returns the index just past the path that continues at s[j].
func pathEnd(s string, j int) int {
	for j < len(s) {
		c := s[j]
		if c == ' ' {
			if !continuesPath(s, j+1) {
				return j
			}
		} else if isPathDelim(c) {
			return j
		}
		j++
	}
	return j
}

func continuesPath(s string, k int) bool {
	m := k
	for m < len(s) && s[m] != ' ' && !isPathDelim(s[m]) {
		m++
	}
	word := s[k:m]
	if word == "" {
		return false
	}
	if strings.ContainsAny(word, `/\`) {
		return true
	}
	if dot := strings.LastIndexByte(word, '.'); dot > 0 && dot < len(word)-1 {
		return true
	}
	return m == len(s) || s[m] != ' '
}

func isPathDelim(c byte) bool {
	switch c {
	case '\n', '\r', '\t', '"', '\'', '`', ',', '(', ')', ':', ';', '<', '>', '|', '[', ']', '{', '}':
		return true
	}
	return false
}

func isDriveLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isWordByte(c byte) bool {
	return isDriveLetter(c) || (c >= '0' && c <= '9') || c == '_' || c >= 0x80
}

// lastLine returns the final non-blank line of s.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
