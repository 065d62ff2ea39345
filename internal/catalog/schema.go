package catalog

import (
	"github.com/mattjoyce/fontbridge/internal/validate"
)

// glyphNamePattern mirrors the validator's glyph-name alphabet.
const glyphNamePattern = `^[A-Za-z0-9._-]+$`

// InputSchema returns the JSON Schema of the operation's parameters. The
// validator remains authoritative; the schema only advertises it.
func (o *Operation) InputSchema() map[string]any {
	props := make(map[string]any, len(o.Params))
	required := make([]string, 0)
	for _, p := range o.Params {
		props[p.Name] = specSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func specSchema(s validate.Spec) map[string]any {
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Default != nil {
		out["default"] = s.Default
	}

	switch s.Type {
	case validate.TypeGlyphName:
		out["type"] = "string"
		out["minLength"] = 1
		out["maxLength"] = s.LengthLimit()
		out["pattern"] = glyphNamePattern
	case validate.TypeString, validate.TypeText:
		out["type"] = "string"
		out["maxLength"] = s.LengthLimit()
		if s.Charset == validate.CharsetIdentifier {
			out["pattern"] = glyphNamePattern
		}
	case validate.TypePath:
		out["type"] = "string"
		out["maxLength"] = s.LengthLimit()
		exts := s.Extensions
		if len(exts) == 0 {
			exts = validate.DefaultExportExtensions
		}
		out["x-extensions"] = exts
	case validate.TypeEnum:
		out["type"] = "string"
		out["enum"] = s.Enum
	case validate.TypeBoolean:
		out["type"] = "boolean"
	case validate.TypeInteger, validate.TypeCoordinate, validate.TypeCodepoint:
		out["type"] = "integer"
		lo, hi, _ := s.Bounds()
		out["minimum"] = lo
		out["maximum"] = hi
	case validate.TypeNumber:
		out["type"] = "number"
		lo, hi, _ := s.Bounds()
		out["minimum"] = lo
		out["maximum"] = hi
	case validate.TypeList:
		out["type"] = "array"
		if s.Item != nil {
			out["items"] = specSchema(*s.Item)
		}
		if s.MinItems > 0 {
			out["minItems"] = s.MinItems
		}
		out["maxItems"] = s.ItemLimit()
	case validate.TypeRecord:
		props := make(map[string]any, len(s.Fields))
		var required []string
		for _, f := range s.Fields {
			props[f.Name] = specSchema(f)
			if f.Required {
				required = append(required, f.Name)
			}
		}
		out["type"] = "object"
		out["properties"] = props
		out["additionalProperties"] = false
		if len(required) > 0 {
			out["required"] = required
		}
	}
	return out
}
