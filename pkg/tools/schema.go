package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ParamType is the declared kind of a tool parameter.
type ParamType string

const (
	ParamText    ParamType = "text"
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamBoolean ParamType = "boolean"
	ParamList    ParamType = "list"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Default     any
	Optional    bool
}

func (p Param) jsonType() string {
	switch p.Type {
	case ParamText:
		return "string"
	case ParamInteger:
		return "integer"
	case ParamFloat:
		return "number"
	case ParamBoolean:
		return "boolean"
	case ParamList:
		return "array"
	default:
		return "string"
	}
}

// Required reports whether callers must supply the parameter.
func (p Param) Required() bool {
	return p.Default == nil && !p.Optional
}

// BuildSchema turns parameter descriptors into a JSON schema object.
func BuildSchema(params []Param) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]any{"type": p.jsonType()}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Type == ParamList {
			prop["items"] = map[string]any{"type": "string"}
		}
		props[p.Name] = prop
		if p.Required() {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// NewTool declares a tool from explicit parameter descriptors.
func NewTool(name, description string, params []Param, invoke Invoker) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Schema:      BuildSchema(params),
		Invoke:      invoke,
	}
}

// NewTyped declares a tool whose parameters are the fields of T. The schema
// is reflected from T; arguments are decoded into a fresh T per call.
func NewTyped[T any](name, description string, fn func(ctx context.Context, call Call, args T) (string, error)) (Tool, error) {
	schema, err := ReflectSchema[T]()
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Invoke: func(ctx context.Context, call Call) (string, error) {
			var args T
			raw, err := json.Marshal(call.Arguments)
			if err != nil {
				return "", err
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
			}
			return fn(ctx, call, args)
		},
	}, nil
}

// ReflectSchema builds the parameter schema of T with inline definitions.
func ReflectSchema[T any]() (map[string]any, error) {
	r := &jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(new(T))
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if _, ok := out["required"]; !ok {
		out["required"] = []any{}
	}
	return out, nil
}
