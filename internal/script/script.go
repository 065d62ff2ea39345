// Package script builds host programs from catalog templates.
//
// A template is an operation body containing {{name}} slots. Synthesize
// indents the body into a fixed skeleton and fills each slot with exactly one
// encoded literal. Because literals never contain a newline and slots are
// filled in a single pass, the statement structure of the program depends
// only on the template.
package script

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/fontbridge/internal/literal"
)

var (
	// ErrMalformedTemplate reports a template that cannot be synthesized.
	ErrMalformedTemplate = errors.New("malformed template")
	// ErrUnfilledSlot reports a slot with no literal.
	ErrUnfilledSlot = errors.New("unfilled slot")
	// ErrUnusedLiteral reports a literal with no slot.
	ErrUnusedLiteral = errors.New("literal has no slot")
)

var slotPattern = regexp.MustCompile(`\{\{([a-z][a-z0-9_]*)\}\}`)

// Program is a synthesized host script.
type Program struct {
	Operation string
	Source    string
	Digest    string // blake3:<hex> of Source
}

// Slots returns the distinct slot names of body in order of first use.
func Slots(body string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range slotPattern.FindAllStringSubmatch(body, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// CheckTemplate verifies that body is non-empty, uses no tabs and has no
// brace pairs outside well-formed slots.
func CheckTemplate(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty body", ErrMalformedTemplate)
	}
	if strings.Contains(body, "\t") {
		return fmt.Errorf("%w: tabs are not allowed", ErrMalformedTemplate)
	}
	stripped := slotPattern.ReplaceAllString(body, "")
	if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
		return fmt.Errorf("%w: unrecognized slot syntax", ErrMalformedTemplate)
	}
	return nil
}

// Synthesize builds the program for operation from body and lits. Every slot
// must have a literal and every literal must have a slot.
func Synthesize(operation, body string, lits map[string]literal.Text) (Program, error) {
	if err := CheckTemplate(body); err != nil {
		return Program{}, fmt.Errorf("%s: %w", operation, err)
	}

	slots := Slots(body)
	used := make(map[string]struct{}, len(slots))
	for _, name := range slots {
		lit, ok := lits[name]
		if !ok || lit.IsZero() {
			return Program{}, fmt.Errorf("%s: %w: %s", operation, ErrUnfilledSlot, name)
		}
		used[name] = struct{}{}
	}
	var unused []string
	for name := range lits {
		if _, ok := used[name]; !ok {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return Program{}, fmt.Errorf("%s: %w: %s", operation, ErrUnusedLiteral, unused[0])
	}

	filled := slotPattern.ReplaceAllStringFunc(body, func(tok string) string {
		return lits[tok[2:len(tok)-2]].String()
	})

	var b strings.Builder
	b.WriteString(skeletonHead)
	for _, line := range strings.Split(strings.TrimRight(filled, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			b.WriteByte('\n')
			continue
		}
		b.WriteString(bodyIndent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(skeletonTail)

	src := b.String()
	sum := blake3.Sum256([]byte(src))
	return Program{
		Operation: operation,
		Source:    src,
		Digest:    "blake3:" + hex.EncodeToString(sum[:]),
	}, nil
}
