/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package googlebackend

import (
	"google.golang.org/genai"
)

// schemaFromMap converts a raw JSON-schema map into the typed schema the
// Gemini API takes. Keywords the API has no field for are dropped; a nil or
// empty input becomes an empty object schema so the declaration stays valid.
func schemaFromMap(m map[string]any) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject}
	if m == nil {
		return s
	}
	if ts, ok := m["type"].(string); ok {
		s.Type = schemaType(ts)
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	if format, ok := m["format"].(string); ok {
		s.Format = format
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(sub)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, v := range required {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	if required, ok := m["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	return s
}

func schemaType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}
