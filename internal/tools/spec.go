// Package tools defines the tool surface: the parameter-spec records
// that drive validation and routing for the model tools, the provider
// declaration shapes, and the built-in search tools models can call
// back into.
package tools

import (
	"fmt"
	"math"

	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
)

// Route says which subsystem consumes a parameter.
type Route string

const (
	RoutePrompt         Route = "prompt"
	RouteAdapter        Route = "adapter"
	RouteVectorStore    Route = "vector_store"
	RouteSession        Route = "session"
	RouteVectorStoreIDs Route = "vector_store_ids"
)

// ParamType is the wire type of a parameter.
type ParamType string

const (
	TypeString      ParamType = "string"
	TypeInteger     ParamType = "integer"
	TypeNumber      ParamType = "number"
	TypeBoolean     ParamType = "boolean"
	TypeStringArray ParamType = "array[string]"
)

// ParamSpec declares one routed tool parameter.
type ParamSpec struct {
	Name        string
	Type        ParamType
	Route       Route
	Required    bool
	Description string

	// Default is used when the argument is absent. DefaultFactory wins
	// over Default and is re-evaluated per call (fresh slices, ids).
	Default        any
	DefaultFactory func() any
}

// Args is the validated, routed argument set.
type Args map[Route]map[string]any

// Get reads one routed argument.
func (a Args) Get(route Route, name string) (any, bool) {
	v, ok := a[route][name]
	return v, ok
}

// String reads a routed string argument, or "" when absent.
func (a Args) String(route Route, name string) string {
	s, _ := a[route][name].(string)
	return s
}

// Strings reads a routed string-array argument, or nil when absent.
func (a Args) Strings(route Route, name string) []string {
	s, _ := a[route][name].([]string)
	return s
}

// Validate walks the spec list against raw arguments, coercing types and
// applying defaults. Unknown arguments are rejected: a typo'd parameter
// silently ignored is worse than a failed call.
func Validate(specs []ParamSpec, raw map[string]any) (Args, error) {
	known := make(map[string]struct{}, len(specs))
	out := make(Args)

	for _, spec := range specs {
		known[spec.Name] = struct{}{}
		if out[spec.Route] == nil {
			out[spec.Route] = make(map[string]any)
		}

		val, present := raw[spec.Name]
		if !present || val == nil {
			if spec.Required {
				return nil, &llm.ValidationError{Field: spec.Name, Reason: "required"}
			}
			switch {
			case spec.DefaultFactory != nil:
				out[spec.Route][spec.Name] = spec.DefaultFactory()
			case spec.Default != nil:
				out[spec.Route][spec.Name] = spec.Default
			}
			continue
		}

		coerced, err := coerce(spec.Type, val)
		if err != nil {
			return nil, &llm.ValidationError{Field: spec.Name, Reason: err.Error()}
		}
		out[spec.Route][spec.Name] = coerced
	}

	for name := range raw {
		if _, ok := known[name]; !ok {
			return nil, &llm.ValidationError{Field: name, Reason: "unknown parameter"}
		}
	}
	return out, nil
}

// coerce normalizes JSON-decoded values. JSON numbers arrive as float64;
// integers are accepted only when they are whole.
func coerce(t ParamType, val any) (any, error) {
	switch t {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return s, nil
	case TypeInteger:
		switch v := val.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int(v), nil
		case int:
			return v, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", val)
	case TypeNumber:
		switch v := val.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		}
		return nil, fmt.Errorf("expected number, got %T", val)
	case TypeBoolean:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", val)
		}
		return b, nil
	case TypeStringArray:
		switch v := val.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, len(v))
			for i, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string at index %d, got %T", i, item)
				}
				out[i] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected string array, got %T", val)
	}
	return nil, fmt.Errorf("unknown parameter type %q", t)
}

// JSONSchema renders the spec list as a JSON Schema object for MCP tool
// registration.
func JSONSchema(specs []ParamSpec) map[string]any {
	props := make(map[string]any, len(specs))
	var required []string
	for _, spec := range specs {
		prop := map[string]any{"description": spec.Description}
		switch spec.Type {
		case TypeStringArray:
			prop["type"] = "array"
			prop["items"] = map[string]any{"type": "string"}
		default:
			prop["type"] = string(spec.Type)
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		props[spec.Name] = prop
		if spec.Required {
			required = append(required, spec.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
