package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TangGee/go-mcp-runtime"
)

const dynamicToolName = "dynamicTool"

func (s *Server) tools() []mcp.ToolSpec {
	return []mcp.ToolSpec{
		mcp.MustTypedTool("echo", "Echoes back the input", s.callEcho),
		mcp.MustTypedTool("add", "Adds two numbers", s.callAdd),
		{
			Tool: mcp.Tool{
				Name:        "longRunningOperation",
				Description: "Demonstrates a long running operation with progress updates",
				InputSchema: longRunningOperationSchema,
			},
			Handler: s.callLongRunningOperation,
		},
		{
			Tool: mcp.Tool{
				Name:        "printEnv",
				Description: "Prints all environment variables, helpful for debugging MCP server configuration",
			},
			Handler: s.callPrintEnv,
		},
		mcp.MustTypedTool("sampleLLM", "Samples from an LLM using MCP's sampling feature", s.callSampleLLM),
		{
			Tool: mcp.Tool{
				Name:        "getTinyImage",
				Description: "Returns the MCP_TINY_IMAGE",
			},
			Handler: s.callGetTinyImage,
		},
		{
			Tool: mcp.Tool{
				Name:        "toggleDynamicTool",
				Description: "Adds the dynamicTool when it is absent and removes it otherwise",
			},
			Handler: s.callToggleDynamicTool,
		},
	}
}

func (s *Server) dynamicToolSpec() mcp.ToolSpec {
	return mcp.ToolSpec{
		Tool: mcp.Tool{
			Name:        dynamicToolName,
			Description: "A tool that comes and goes with toggleDynamicTool",
		},
		Handler: func(context.Context, *mcp.Exchange, mcp.CallToolRequest) (mcp.CallToolResult, error) {
			return mcp.TextResult("Hello from the dynamic tool"), nil
		},
	}
}

func (s *Server) callEcho(ctx context.Context, ex *mcp.Exchange, args EchoArgs) (mcp.CallToolResult, error) {
	s.log(ctx, ex, mcp.LogLevelDebug, "CallTool: echo")

	return mcp.TextResult(fmt.Sprintf("Echo: %s", args.Message)), nil
}

func (s *Server) callAdd(ctx context.Context, ex *mcp.Exchange, args AddArgs) (mcp.CallToolResult, error) {
	s.log(ctx, ex, mcp.LogLevelDebug, "CallTool: add")

	return mcp.TextResult(fmt.Sprintf("The sum of %v and %v is %v", args.A, args.B, args.A+args.B)), nil
}

func (s *Server) callLongRunningOperation(
	ctx context.Context,
	ex *mcp.Exchange,
	req mcp.CallToolRequest,
) (mcp.CallToolResult, error) {
	args := LongRunningOperationArgs{Duration: 10, Steps: 5}
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
	}
	if args.Steps < 1 {
		return mcp.CallToolResult{}, fmt.Errorf("steps must be at least 1, got %v", args.Steps)
	}

	stepDuration := time.Duration(args.Duration / args.Steps * float64(time.Second))
	for i := range int(args.Steps) {
		select {
		case <-time.After(stepDuration):
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-s.done:
			return mcp.CallToolResult{}, fmt.Errorf("server closed")
		}

		if err := s.reportProgress(ctx, ex, req.Meta, float64(i+1), args.Steps); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to report progress: %w", err)
		}
	}

	return mcp.TextResult(fmt.Sprintf("Long running operation completed. Duration: %v seconds, Steps: %v",
		args.Duration, args.Steps)), nil
}

func (s *Server) callPrintEnv(context.Context, *mcp.Exchange, mcp.CallToolRequest) (mcp.CallToolResult, error) {
	return mcp.TextResult(fmt.Sprintf("Environment variables:\n%s", strings.Join(os.Environ(), "\n"))), nil
}

func (s *Server) callSampleLLM(ctx context.Context, ex *mcp.Exchange, args SampleLLMArgs) (mcp.CallToolResult, error) {
	maxTokens := int(args.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 100
	}

	result, err := ex.CreateMessage(ctx, mcp.CreateMessageRequest{
		Messages: []mcp.SamplingMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("Resource sampleLLM context: %s", args.Prompt),
				},
			},
		},
		ModelPreferences: &mcp.ModelPreferences{
			CostPriority:         1,
			SpeedPriority:        2,
			IntelligencePriority: 3,
		},
		SystemPrompt: "You are a helpful assistant.",
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}

	return mcp.TextResult(fmt.Sprintf("LLM sampling result: %s", result.Content.Text)), nil
}

func (s *Server) callToggleDynamicTool(
	ctx context.Context,
	ex *mcp.Exchange,
	_ mcp.CallToolRequest,
) (mcp.CallToolResult, error) {
	srv := s.srv.Load()
	if srv == nil {
		return mcp.CallToolResult{}, fmt.Errorf("everything server is not started")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dynamicTool {
		if err := srv.RemoveTool(ctx, dynamicToolName); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to remove %s: %w", dynamicToolName, err)
		}
		s.dynamicTool = false
		s.log(ctx, ex, mcp.LogLevelInfo, "Removed "+dynamicToolName)
		return mcp.TextResult(fmt.Sprintf("Removed %s", dynamicToolName)), nil
	}

	if err := srv.AddTool(ctx, s.dynamicToolSpec()); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to add %s: %w", dynamicToolName, err)
	}
	s.dynamicTool = true
	s.log(ctx, ex, mcp.LogLevelInfo, "Added "+dynamicToolName)
	return mcp.TextResult(fmt.Sprintf("Added %s", dynamicToolName)), nil
}

func (s *Server) callGetTinyImage(context.Context, *mcp.Exchange, mcp.CallToolRequest) (mcp.CallToolResult, error) {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: "This is a tiny image:",
			},
			{
				Type:     mcp.ContentTypeImage,
				Data:     mcpTinyImage,
				MimeType: "image/png",
			},
		},
	}, nil
}
