package mcp

import (
	"fmt"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// ToolSpec pairs a Tool description with the handler that executes it.
type ToolSpec struct {
	Tool    Tool
	Handler ToolHandler
}

// ResourceSpec pairs a Resource with the handler that reads it. A Resource whose URI contains a
// template placeholder serves every concrete URI matching the template.
type ResourceSpec struct {
	Resource Resource
	Handler  ResourceHandler

	template *uritemplate.Template
}

// PromptSpec pairs a Prompt with the handler that renders it.
type PromptSpec struct {
	Prompt  Prompt
	Handler PromptHandler
}

// CompletionSpec registers argument completion for the prompt or resource template named by Ref.
type CompletionSpec struct {
	Ref     CompleteReference
	Handler CompletionHandler
}

func (t ToolSpec) validate() error {
	if t.Tool.Name == "" {
		return &ValidationError{Message: "tool name must not be empty"}
	}
	if t.Handler == nil {
		return &ValidationError{Message: "tool call handler must not be nil"}
	}
	return nil
}

func (p PromptSpec) validate() error {
	if p.Prompt.Name == "" {
		return &ValidationError{Message: "prompt name must not be empty"}
	}
	if p.Handler == nil {
		return &ValidationError{Message: "prompt handler must not be nil"}
	}
	return nil
}

func (c CompletionSpec) validate() error {
	switch c.Ref.Type {
	case CompletionRefPrompt, CompletionRefResource:
	default:
		return validationErrorf("unknown completion reference type %q", c.Ref.Type)
	}
	if c.Handler == nil {
		return &ValidationError{Message: "completion handler must not be nil"}
	}
	return nil
}

// compile validates the resource and parses its URI template when it has one.
func (r *ResourceSpec) compile() error {
	if r.Resource.URI == "" {
		return &ValidationError{Message: "resource URI must not be empty"}
	}
	if r.Handler == nil {
		return &ValidationError{Message: "resource read handler must not be nil"}
	}
	if !isTemplateURI(r.Resource.URI) {
		return nil
	}
	tmpl, err := uritemplate.New(r.Resource.URI)
	if err != nil {
		return validationErrorf("invalid resource URI template '%s': %s", r.Resource.URI, err)
	}
	r.template = tmpl
	return nil
}

// match reports whether uri is served by this resource, and returns the template variables it binds.
func (r ResourceSpec) match(uri string) (map[string]string, bool) {
	if r.template == nil {
		return nil, r.Resource.URI == uri
	}
	values := r.template.Match(uri)
	if values == nil {
		return nil, false
	}
	vars := make(map[string]string, len(values))
	for name, v := range values {
		vars[name] = v.String()
	}
	return vars, true
}

// variables returns the placeholder names of a template resource.
func (r ResourceSpec) variables() []string {
	if r.template == nil {
		return nil
	}
	return r.template.Varnames()
}

func (r ResourceSpec) asTemplate() ResourceTemplate {
	return ResourceTemplate{
		URITemplate: r.Resource.URI,
		Name:        r.Resource.Name,
		Description: r.Resource.Description,
		MimeType:    r.Resource.MimeType,
		Annotations: r.Resource.Annotations,
	}
}

func (c CompleteReference) String() string {
	switch c.Type {
	case CompletionRefPrompt:
		return fmt.Sprintf("%s(%s)", c.Type, c.Name)
	case CompletionRefResource:
		return fmt.Sprintf("%s(%s)", c.Type, c.URI)
	default:
		return c.Type
	}
}

// key drops the field that does not belong to the reference type, so lookups ignore stray values.
func (c CompleteReference) key() CompleteReference {
	switch c.Type {
	case CompletionRefPrompt:
		return CompleteReference{Type: c.Type, Name: c.Name}
	case CompletionRefResource:
		return CompleteReference{Type: c.Type, URI: c.URI}
	default:
		return c
	}
}

func isTemplateURI(uri string) bool {
	return strings.Contains(uri, "{")
}
