// Package literal renders validated values as Python data literals.
//
// The output alphabet is closed: strings are always double-quoted, every
// non-printable or non-ASCII rune is escaped, and separators are fixed. A
// literal can therefore be placed into a template slot without changing the
// structure of the surrounding program.
package literal

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mattjoyce/fontbridge/internal/validate"
)

// ErrUnencodable is returned for values that have no safe literal form.
var ErrUnencodable = errors.New("value cannot be encoded")

// Text is an encoded literal. It can only be produced by Encode.
type Text struct {
	s string
}

// String returns the literal source text.
func (t Text) String() string { return t.s }

// IsZero reports whether t was never produced by Encode.
func (t Text) IsZero() bool { return t.s == "" }

const hexDigits = "0123456789abcdef"

// Encode renders v as a Python literal.
func Encode(v validate.Value) (Text, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return Text{}, err
	}
	return Text{s: b.String()}, nil
}

// EncodeSet encodes every value of a validated parameter set, keyed by name.
func EncodeSet(set validate.Set) (map[string]Text, error) {
	out := make(map[string]Text, set.Len())
	for _, name := range set.Names() {
		v, _ := set.Get(name)
		t, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func encode(b *strings.Builder, v validate.Value) error {
	switch v.Kind() {
	case validate.KindNull:
		b.WriteString("None")
	case validate.KindBool:
		if v.Bool() {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case validate.KindInt:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case validate.KindFloat:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite number", ErrUnencodable)
		}
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		b.WriteString(s)
	case validate.KindString:
		return quote(b, v.Str())
	case validate.KindList:
		b.WriteByte('[')
		for i, it := range v.Items() {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := encode(b, it); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case validate.KindRecord:
		b.WriteByte('{')
		for i, f := range v.Fields() {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := quote(b, f.Name); err != nil {
				return err
			}
			b.WriteString(": ")
			if err := encode(b, f.Value); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrUnencodable, v.Kind())
	}
	return nil
}

// quote writes s as a double-quoted Python string literal using only
// printable ASCII.
func quote(b *strings.Builder, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid UTF-8", ErrUnencodable)
	}
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		case r < 0x100:
			b.WriteString(`\x`)
			writeHex(b, uint32(r), 2)
		case r < 0x10000:
			b.WriteString(`\u`)
			writeHex(b, uint32(r), 4)
		default:
			b.WriteString(`\U`)
			writeHex(b, uint32(r), 8)
		}
	}
	b.WriteByte('"')
	return nil
}

func writeHex(b *strings.Builder, v uint32, width int) {
	for shift := (width - 1) * 4; shift >= 0; shift -= 4 {
		b.WriteByte(hexDigits[(v>>uint(shift))&0xf])
	}
}
