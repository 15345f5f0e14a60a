package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// TypedToolHandler executes a tool whose arguments are decoded into A.
type TypedToolHandler[A any] func(ctx context.Context, ex *Exchange, args A) (CallToolResult, error)

// NewTypedTool builds a ToolSpec whose input schema is reflected from the struct A, using the json
// and jsonschema struct tags. Call arguments are validated against that schema before being decoded,
// a violation is reported to the model as a tool error result rather than a protocol error.
func NewTypedTool[A any](name, description string, handler TypedToolHandler[A]) (ToolSpec, error) {
	schemaBs, err := reflectInputSchema[A]()
	if err != nil {
		return ToolSpec{}, fmt.Errorf("failed to reflect input schema of tool %s: %w", name, err)
	}

	compiled, err := validator.CompileString(name+".schema.json", string(schemaBs))
	if err != nil {
		return ToolSpec{}, fmt.Errorf("failed to compile input schema of tool %s: %w", name, err)
	}

	return ToolSpec{
		Tool: Tool{
			Name:        name,
			Description: description,
			InputSchema: schemaBs,
		},
		Handler: func(ctx context.Context, ex *Exchange, req CallToolRequest) (CallToolResult, error) {
			raw := req.Arguments
			if len(raw) == 0 || string(raw) == "null" {
				raw = json.RawMessage("{}")
			}

			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return toolErrorResult(fmt.Sprintf("arguments are not valid JSON: %s", err)), nil
			}
			if err := compiled.Validate(doc); err != nil {
				return toolErrorResult(fmt.Sprintf("invalid arguments: %s", err)), nil
			}

			var args A
			if err := json.Unmarshal(raw, &args); err != nil {
				return toolErrorResult(fmt.Sprintf("failed to decode arguments: %s", err)), nil
			}
			return handler(ctx, ex, args)
		},
	}, nil
}

// MustTypedTool is like NewTypedTool but panics on error. It is meant for package-level tool tables.
func MustTypedTool[A any](name, description string, handler TypedToolHandler[A]) ToolSpec {
	spec, err := NewTypedTool(name, description, handler)
	if err != nil {
		panic(err)
	}
	return spec
}

// TextResult is a CallToolResult carrying a single text content.
func TextResult(text string) CallToolResult {
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: text}},
	}
}

func reflectInputSchema[A any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))
	if s.Type != "object" {
		return nil, fmt.Errorf("tool arguments must be a struct, got schema type %q", s.Type)
	}
	// The schema is embedded in a tool description, the meta fields would only confuse clients.
	s.Version = ""
	s.ID = ""
	return json.Marshal(s)
}

func toolErrorResult(msg string) CallToolResult {
	res := TextResult(msg)
	res.IsError = true
	return res
}
