package everything

import (
	"context"
	"fmt"
	"strings"

	"github.com/TangGee/go-mcp-runtime"
)

var promptCompletions = map[string][]string{
	"temperature": {"0", "0.5", "0.7", "1.0"},
	"style":       {"casual", "formal", "technical", "friendly"},
}

func (s *Server) prompts() []mcp.PromptSpec {
	return []mcp.PromptSpec{
		{
			Prompt: mcp.Prompt{
				Name:        "simple_prompt",
				Description: "A prompt without arguments",
			},
			Handler: s.getSimplePrompt,
		},
		{
			Prompt: mcp.Prompt{
				Name:        "complex_prompt",
				Description: "A prompt with arguments",
				Arguments: []mcp.PromptArgument{
					{Name: "temperature", Description: "Temperature setting", Required: true},
					{Name: "style", Description: "Output style"},
				},
			},
			Handler: s.getComplexPrompt,
		},
	}
}

func (s *Server) completions() []mcp.CompletionSpec {
	return []mcp.CompletionSpec{
		{
			Ref:     mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "complex_prompt"},
			Handler: s.completePromptArgument,
		},
		{
			Ref:     mcp.CompleteReference{Type: mcp.CompletionRefResource, URI: staticResourceTemplate},
			Handler: s.completeResourceID,
		},
	}
}

func (s *Server) getSimplePrompt(ctx context.Context, ex *mcp.Exchange, _ mcp.GetPromptRequest) (
	mcp.GetPromptResult, error,
) {
	s.log(ctx, ex, mcp.LogLevelDebug, "GetPrompt: simple_prompt")

	return mcp.GetPromptResult{
		Description: "A simple prompt without arguments",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.Content{Type: mcp.ContentTypeText, Text: "This is a simple prompt without arguments."},
			},
		},
	}, nil
}

func (s *Server) getComplexPrompt(ctx context.Context, ex *mcp.Exchange, req mcp.GetPromptRequest) (
	mcp.GetPromptResult, error,
) {
	s.log(ctx, ex, mcp.LogLevelDebug, "GetPrompt: complex_prompt")

	temperature, ok := req.Arguments["temperature"]
	if !ok {
		return mcp.GetPromptResult{}, fmt.Errorf("missing required argument: temperature")
	}
	style := req.Arguments["style"]

	return mcp.GetPromptResult{
		Description: "A complex prompt with arguments",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("This is a complex prompt with arguments: temperature=%s, style=%s", temperature, style),
				},
			},
			{
				Role: mcp.RoleAssistant,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: "I understand. You've provided a complex prompt with temperature and style arguments.",
				},
			},
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type:     mcp.ContentTypeImage,
					Data:     mcpTinyImage,
					MimeType: "image/png",
				},
			},
		},
	}, nil
}

func (s *Server) completePromptArgument(ctx context.Context, ex *mcp.Exchange, req mcp.CompleteRequest) (
	mcp.CompleteResult, error,
) {
	s.log(ctx, ex, mcp.LogLevelDebug, fmt.Sprintf("Complete: %s", req.Ref))

	var values []string
	for _, c := range promptCompletions[req.Argument.Name] {
		if strings.HasPrefix(c, req.Argument.Value) {
			values = append(values, c)
		}
	}
	return mcp.CompleteResult{Completion: mcp.Completion{Values: values, Total: len(values)}}, nil
}
