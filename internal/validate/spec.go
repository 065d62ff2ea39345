package validate

import (
	"fmt"
	"strings"
)

// Type is the semantic type of an operation parameter.
type Type string

const (
	TypeGlyphName  Type = "glyph_name"
	TypeInteger    Type = "integer"
	TypeNumber     Type = "number"
	TypeCoordinate Type = "coordinate"
	TypeCodepoint  Type = "codepoint"
	TypeEnum       Type = "enum"
	TypeString     Type = "string"
	TypeText       Type = "text"
	TypeBoolean    Type = "boolean"
	TypePath       Type = "path"
	TypeList       Type = "list"
	TypeRecord     Type = "record"
)

// Charset restricts the runes a string parameter may contain.
type Charset string

const (
	// CharsetDefault rejects control characters (text also allows \n, \r, \t).
	CharsetDefault Charset = ""
	// CharsetPrintable only allows printable Unicode runes and spaces.
	CharsetPrintable Charset = "printable"
	// CharsetIdentifier is the glyph-name alphabet.
	CharsetIdentifier Charset = "identifier"
	// CharsetGlob is the glyph-name alphabet plus *, ?, [, ] and !.
	CharsetGlob Charset = "glob"
)

// Domain limits shared by the catalog and the validator.
const (
	MaxNameLength       = 255
	MaxLabelLength      = 255
	MaxTextLength       = 10000
	MaxPathLength       = 4096
	MinCoordinate       = -10000
	MaxCoordinate       = 10000
	MaxCodepoint        = 0x10FFFF
	surrogateLow        = 0xD800
	surrogateHigh       = 0xDFFF
	maxSafeInteger      = 1 << 53
	defaultMaxListItems = 1000
)

// Spec describes one parameter: its semantic type and constraint set.
// Every constraint is checkable without executing caller-supplied code.
type Spec struct {
	Name        string   `yaml:"name" json:"name"`
	Type        Type     `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Min         *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	MaxLength   int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Charset     Charset  `yaml:"charset,omitempty" json:"charset,omitempty"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	MinItems    int      `yaml:"min_items,omitempty" json:"min_items,omitempty"`
	MaxItems    int      `yaml:"max_items,omitempty" json:"max_items,omitempty"`
	Item        *Spec    `yaml:"item,omitempty" json:"item,omitempty"`
	Fields      []Spec   `yaml:"fields,omitempty" json:"fields,omitempty"`
	Extensions  []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

// Bounds returns the effective numeric range for numeric types.
func (s Spec) Bounds() (lo, hi float64, ok bool) {
	switch s.Type {
	case TypeCoordinate:
		lo, hi, ok = MinCoordinate, MaxCoordinate, true
	case TypeCodepoint:
		lo, hi, ok = 0, MaxCodepoint, true
	case TypeInteger, TypeNumber:
		lo, hi, ok = -maxSafeInteger, maxSafeInteger, true
	default:
		return 0, 0, false
	}
	if s.Min != nil && *s.Min > lo {
		lo = *s.Min
	}
	if s.Max != nil && *s.Max < hi {
		hi = *s.Max
	}
	return lo, hi, true
}

// LengthLimit returns the effective maximum length in bytes for string types.
func (s Spec) LengthLimit() int {
	var ceiling int
	switch s.Type {
	case TypeGlyphName:
		ceiling = MaxNameLength
	case TypeText:
		ceiling = MaxTextLength
	case TypePath:
		ceiling = MaxPathLength
	default:
		ceiling = MaxLabelLength
	}
	if s.MaxLength > 0 && s.MaxLength < ceiling {
		return s.MaxLength
	}
	return ceiling
}

// ItemLimit returns the effective maximum cardinality of a list.
func (s Spec) ItemLimit() int {
	if s.MaxItems > 0 {
		return s.MaxItems
	}
	return defaultMaxListItems
}

// Check verifies the spec itself is well formed. It runs when the catalog is
// loaded so malformed descriptors fail at startup, never per request.
func Check(s Spec) error {
	return check(s, s.Name)
}

func check(s Spec, path string) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%s: parameter name is empty", path)
	}
	if !isIdentifier(s.Name) {
		return fmt.Errorf("%s: parameter name must be an identifier", path)
	}

	switch s.Type {
	case TypeGlyphName, TypeString, TypeText, TypeBoolean:
	case TypeInteger, TypeNumber, TypeCoordinate, TypeCodepoint:
		lo, hi, _ := s.Bounds()
		if lo > hi {
			return fmt.Errorf("%s: min %v exceeds max %v", path, lo, hi)
		}
	case TypeEnum:
		if len(s.Enum) == 0 {
			return fmt.Errorf("%s: enum parameter declares no values", path)
		}
		for _, e := range s.Enum {
			if e == "" || !isIdentifier(e) {
				return fmt.Errorf("%s: enum value %q is not an identifier", path, e)
			}
		}
	case TypePath:
		for _, ext := range s.Extensions {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("%s: extension %q must start with a dot", path, ext)
			}
		}
	case TypeList:
		if s.Item == nil {
			return fmt.Errorf("%s: list parameter has no item spec", path)
		}
		if s.MinItems < 0 || (s.MaxItems > 0 && s.MinItems > s.MaxItems) {
			return fmt.Errorf("%s: invalid item bounds", path)
		}
		item := *s.Item
		if item.Name == "" {
			item.Name = "item"
		}
		if err := check(item, path+"[]"); err != nil {
			return err
		}
	case TypeRecord:
		if len(s.Fields) == 0 {
			return fmt.Errorf("%s: record parameter has no fields", path)
		}
		seen := make(map[string]struct{}, len(s.Fields))
		for _, f := range s.Fields {
			if _, dup := seen[f.Name]; dup {
				return fmt.Errorf("%s: duplicate field %q", path, f.Name)
			}
			seen[f.Name] = struct{}{}
			if err := check(f, path+"."+f.Name); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unknown parameter type %q", path, s.Type)
	}

	switch s.Charset {
	case CharsetDefault, CharsetPrintable, CharsetIdentifier, CharsetGlob:
	default:
		return fmt.Errorf("%s: unknown charset %q", path, s.Charset)
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
