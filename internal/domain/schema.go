package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaType is the validation-schema type vocabulary the type mapper
// targets.
type SchemaType string

const (
	SchemaString  SchemaType = "string"
	SchemaNumber  SchemaType = "number"
	SchemaBoolean SchemaType = "boolean"
	SchemaDate    SchemaType = "date"
	SchemaArray   SchemaType = "array"
	SchemaObject  SchemaType = "object"
)

// SchemaProps describes the expected shape of a tool input or one of its
// fields.
type SchemaProps struct {
	Type        SchemaType             `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]SchemaProps `json:"properties,omitempty"` // for type "object"
	Required    []string               `json:"required,omitempty"`   // for type "object"
	Items       *SchemaProps           `json:"items,omitempty"`      // for type "array"
}

// EmptyObjectSchema is the permissive fallback the type mapper returns when
// a structured type cannot be resolved.
func EmptyObjectSchema() SchemaProps {
	return SchemaProps{Type: SchemaObject, Properties: map[string]SchemaProps{}}
}

// JSONSchema renders the props as a plain JSON Schema fragment. The "date"
// type renders as a string with a date-time format, since JSON Schema has no
// native date type.
func (s SchemaProps) JSONSchema() map[string]any {
	out := map[string]any{}
	switch s.Type {
	case SchemaDate:
		out["type"] = "string"
		out["format"] = "date-time"
	case "":
		// permissive: no type constraint
	default:
		out["type"] = string(s.Type)
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Type == SchemaObject && s.Properties != nil {
		props := map[string]any{}
		for name, p := range s.Properties {
			props[name] = p.JSONSchema()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			out["required"] = s.Required
		}
	}
	if s.Type == SchemaArray && s.Items != nil {
		out["items"] = s.Items.JSONSchema()
	}
	return out
}

// Issue is one structured validation problem, addressed by field path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string { return i.Path + ": " + i.Message }

// Validate checks a caller-supplied argument map against an object schema
// and returns the full issue list (empty on success). Unknown fields are
// rejected with a message naming the allowed set so an automated caller can
// self-correct.
func (s SchemaProps) Validate(args map[string]any) []Issue {
	if s.Type != SchemaObject {
		return []Issue{{Path: "$", Message: "input schema is not an object"}}
	}
	var issues []Issue
	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			issues = append(issues, Issue{Path: req, Message: "required field is missing"})
		}
	}
	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			issues = append(issues, Issue{
				Path:    name,
				Message: fmt.Sprintf("unknown field (allowed: %s)", strings.Join(propertyNames(s.Properties), ", ")),
			})
			continue
		}
		issues = append(issues, prop.validateValue(name, value)...)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

func (s SchemaProps) validateValue(path string, value any) []Issue {
	if value == nil {
		return nil
	}
	switch s.Type {
	case SchemaString, SchemaDate:
		if _, ok := value.(string); !ok {
			return []Issue{{Path: path, Message: "expected a string"}}
		}
	case SchemaNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
		default:
			return []Issue{{Path: path, Message: "expected a number"}}
		}
	case SchemaBoolean:
		if _, ok := value.(bool); !ok {
			return []Issue{{Path: path, Message: "expected a boolean"}}
		}
	case SchemaArray:
		items, ok := value.([]any)
		if !ok {
			return []Issue{{Path: path, Message: "expected an array"}}
		}
		if s.Items == nil {
			return nil
		}
		var issues []Issue
		for i, item := range items {
			issues = append(issues, s.Items.validateValue(fmt.Sprintf("%s[%d]", path, i), item)...)
		}
		return issues
	case SchemaObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return []Issue{{Path: path, Message: "expected an object"}}
		}
		if len(s.Properties) == 0 {
			return nil // permissive object
		}
		var issues []Issue
		for _, req := range s.Required {
			if _, ok := obj[req]; !ok {
				issues = append(issues, Issue{Path: path + "." + req, Message: "required field is missing"})
			}
		}
		for name, v := range obj {
			prop, ok := s.Properties[name]
			if !ok {
				issues = append(issues, Issue{Path: path + "." + name, Message: "unknown field"})
				continue
			}
			issues = append(issues, prop.validateValue(path+"."+name, v)...)
		}
		return issues
	}
	return nil
}

func propertyNames(props map[string]SchemaProps) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
