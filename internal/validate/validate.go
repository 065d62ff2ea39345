// Package validate checks caller-supplied parameters against their declared
// type and constraints before anything is encoded into a host script.
//
// All checks are pure, with one exception: path parameters walk their
// ancestor directories to reject symbolic links.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Error reports the offending field and the violated constraint. It never
// carries the raw value.
type Error struct {
	Field      string
	Constraint string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Constraint
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Constraint)
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func fail(field, format string, args ...any) error {
	return &Error{Field: field, Constraint: fmt.Sprintf(format, args...)}
}

// Options carries runtime policy that is not part of the catalog.
type Options struct {
	// ExportRoot, when set, is the only directory tree path parameters may
	// point into.
	ExportRoot string
}

// Validator applies Specs to raw values.
type Validator struct {
	opts Options
}

// New creates a Validator.
func New(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Params validates a raw parameter mapping against specs. Unknown names are
// rejected; absent optional parameters take their default, or null.
func (v *Validator) Params(specs []Spec, raw map[string]any) (Set, error) {
	known := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		known[s.Name] = struct{}{}
	}
	var unknown []string
	for name := range raw {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Set{}, fail(safeFieldName(unknown[0]), "unknown parameter")
	}

	set := Set{
		names:  make([]string, 0, len(specs)),
		values: make(map[string]Value, len(specs)),
	}
	for _, s := range specs {
		rv, present := raw[s.Name]
		var (
			val Value
			err error
		)
		switch {
		case present && rv != nil:
			val, err = v.value(s, rv, s.Name)
		case s.Required:
			err = fail(s.Name, "is required")
		case s.Default != nil:
			val, err = v.value(s, s.Default, s.Name)
		}
		if err != nil {
			return Set{}, err
		}
		set.names = append(set.names, s.Name)
		set.values[s.Name] = val
	}
	return set, nil
}

// Value validates a single raw value against spec.
func (v *Validator) Value(spec Spec, raw any) (Value, error) {
	return v.value(spec, raw, spec.Name)
}

func (v *Validator) value(s Spec, raw any, field string) (Value, error) {
	switch s.Type {
	case TypeGlyphName:
		str, err := asString(raw, field)
		if err != nil {
			return Value{}, err
		}
		if err := checkName(str, s.LengthLimit(), field); err != nil {
			return Value{}, err
		}
		return Value{kind: KindString, s: str}, nil

	case TypeString, TypeText:
		str, err := asString(raw, field)
		if err != nil {
			return Value{}, err
		}
		if err := checkText(s, str, field); err != nil {
			return Value{}, err
		}
		return Value{kind: KindString, s: str}, nil

	case TypeEnum:
		str, err := asString(raw, field)
		if err != nil {
			return Value{}, err
		}
		for _, allowed := range s.Enum {
			if str == allowed {
				return Value{kind: KindString, s: str}, nil
			}
		}
		return Value{}, fail(field, "must be one of %s", strings.Join(s.Enum, ", "))

	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fail(field, "must be a boolean")
		}
		return Value{kind: KindBool, b: b}, nil

	case TypeInteger, TypeCoordinate, TypeCodepoint:
		f, err := asNumber(raw, field)
		if err != nil {
			return Value{}, err
		}
		if f != math.Trunc(f) {
			return Value{}, fail(field, "must be an integer")
		}
		if err := checkRange(s, f, field); err != nil {
			return Value{}, err
		}
		if s.Type == TypeCodepoint && f >= surrogateLow && f <= surrogateHigh {
			return Value{}, fail(field, "must not be a surrogate code point")
		}
		return Value{kind: KindInt, i: int64(f)}, nil

	case TypeNumber:
		f, err := asNumber(raw, field)
		if err != nil {
			return Value{}, err
		}
		if err := checkRange(s, f, field); err != nil {
			return Value{}, err
		}
		if f == math.Trunc(f) {
			return Value{kind: KindInt, i: int64(f)}, nil
		}
		return Value{kind: KindFloat, f: f}, nil

	case TypePath:
		str, err := asString(raw, field)
		if err != nil {
			return Value{}, err
		}
		abs, err := v.checkPath(s, str, field)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindString, s: abs}, nil

	case TypeList:
		items, ok := raw.([]any)
		if !ok {
			return Value{}, fail(field, "must be a list")
		}
		if len(items) < s.MinItems {
			return Value{}, fail(field, "must contain at least %d items", s.MinItems)
		}
		if len(items) > s.ItemLimit() {
			return Value{}, fail(field, "must contain at most %d items", s.ItemLimit())
		}
		out := make([]Value, 0, len(items))
		for i, it := range items {
			if it == nil {
				return Value{}, fail(fmt.Sprintf("%s[%d]", field, i), "must not be null")
			}
			val, err := v.value(*s.Item, it, fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return Value{}, err
			}
			out = append(out, val)
		}
		return Value{kind: KindList, items: out}, nil

	case TypeRecord:
		m, ok := raw.(map[string]any)
		if !ok {
			return Value{}, fail(field, "must be an object")
		}
		known := make(map[string]struct{}, len(s.Fields))
		for _, f := range s.Fields {
			known[f.Name] = struct{}{}
		}
		var unknown []string
		for k := range m {
			if _, ok := known[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return Value{}, fail(field+"."+safeFieldName(unknown[0]), "unknown field")
		}
		out := make([]Field, 0, len(s.Fields))
		for _, f := range s.Fields {
			sub := field + "." + f.Name
			rv, present := m[f.Name]
			var val Value
			switch {
			case present && rv != nil:
				var err error
				if val, err = v.value(f, rv, sub); err != nil {
					return Value{}, err
				}
			case f.Required:
				return Value{}, fail(sub, "is required")
			case f.Default != nil:
				var err error
				if val, err = v.value(f, f.Default, sub); err != nil {
					return Value{}, err
				}
			}
			out = append(out, Field{Name: f.Name, Value: val})
		}
		return Value{kind: KindRecord, fields: out}, nil
	}

	return Value{}, fail(field, "has unsupported type %q", s.Type)
}

func asString(raw any, field string) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fail(field, "must be a string")
	}
	if !utf8.ValidString(s) {
		return "", fail(field, "must be valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return "", fail(field, "must not contain NUL")
	}
	return s, nil
}

func asNumber(raw any, field string) (float64, error) {
	var f float64
	switch n := raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		if n > maxSafeInteger || n < -maxSafeInteger {
			return 0, fail(field, "is outside the representable range")
		}
		f = float64(n)
	case json.Number:
		parsed, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, fail(field, "must be a number")
		}
		f = parsed
	default:
		return 0, fail(field, "must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fail(field, "must be finite")
	}
	return f, nil
}

func checkRange(s Spec, f float64, field string) error {
	lo, hi, _ := s.Bounds()
	if f < lo || f > hi {
		return fail(field, "out of range: must be between %s and %s", formatBound(lo), formatBound(hi))
	}
	return nil
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// isNameRune is the glyph-name alphabet: ASCII letters, digits, period,
// underscore and hyphen.
func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

func isGlobRune(r rune) bool {
	return isNameRune(r) || strings.ContainsRune("*?[]!", r)
}

func checkName(s string, limit int, field string) error {
	if s == "" {
		return fail(field, "must not be empty")
	}
	if len(s) > limit {
		return fail(field, "exceeds maximum length %d", limit)
	}
	for _, r := range s {
		if !isNameRune(r) {
			return fail(field, "contains a disallowed character (%s)", describeRune(r))
		}
	}
	return nil
}

func checkText(s Spec, str, field string) error {
	if len(str) > s.LengthLimit() {
		return fail(field, "exceeds maximum length %d", s.LengthLimit())
	}
	for _, r := range str {
		ok := true
		switch s.Charset {
		case CharsetIdentifier:
			ok = isNameRune(r)
		case CharsetGlob:
			ok = isGlobRune(r)
		case CharsetPrintable:
			ok = unicode.IsPrint(r)
		default:
			if unicode.IsControl(r) {
				ok = s.Type == TypeText && (r == '\n' || r == '\r' || r == '\t')
			}
		}
		if !ok {
			return fail(field, "contains a disallowed character (%s)", describeRune(r))
		}
	}
	return nil
}

// describeRune names a rejected rune without echoing it.
func describeRune(r rune) string {
	switch r {
	case '"', '\'', '`':
		return "quote"
	case '\\':
		return "backslash"
	case '/':
		return "path separator"
	case 0:
		return "NUL"
	}
	if unicode.IsControl(r) {
		return "control character"
	}
	if unicode.IsSpace(r) {
		return "whitespace"
	}
	return fmt.Sprintf("U+%04X", r)
}

// safeFieldName renders a caller-chosen key for an error message. Keys that
// are not plain identifiers are replaced so logs never carry payloads.
func safeFieldName(name string) string {
	if len(name) <= 64 && isIdentifier(name) {
		return name
	}
	return "<invalid name>"
}
