package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/TangGee/go-mcp-runtime/servers/everything"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// prober is the client side of the probe command. It answers sampling requests with a canned message
// and prints every notification it receives.
type prober struct {
	out io.Writer
}

func newProbeCmd(configPath *string) *cobra.Command {
	var (
		serverURL string
		message   string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a running everything server and exercise its features",
		Long: `probe connects to an everything server over SSE (http:// or https:// URL of the
SSE endpoint) or WebSocket (ws:// or wss:// URL), lists its tools, resources
and prompts, and calls a few tools.`,
		Example: `  everything probe --url http://localhost:8080/sse
  everything probe --url ws://localhost:8080/ws --message hello`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.applyFlags(cmd); err != nil {
				return err
			}
			logger, err := cfg.logger()
			if err != nil {
				return err
			}

			transport, err := clientTransport(serverURL)
			if err != nil {
				return err
			}

			p := prober{out: cmd.OutOrStdout()}
			cli := mcp.NewClient(mcp.Implementation{Name: "everything-probe", Version: "1.0"}, transport,
				mcp.WithSamplingHandler(p),
				mcp.WithResourceSubscribedWatcher(p),
				mcp.WithToolListWatcher(p),
				mcp.WithProgressListener(p),
				mcp.WithLogReceiver(p),
				mcp.WithClientLogger(logger),
			)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return p.run(ctx, cli, message)
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "http://localhost:8080/sse", "URL of the server endpoint")
	cmd.Flags().StringVar(&message, "message", "Hello from the probe", "message sent to the echo tool")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout of the probe")
	return cmd
}

func clientTransport(serverURL string) (mcp.ClientTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return mcp.NewSSEClient(serverURL, nil), nil
	case "ws", "wss":
		return mcp.NewWebSocketClient(serverURL), nil
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func (p prober) run(ctx context.Context, cli *mcp.Client, message string) error {
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer func() {
		_ = cli.CloseGracefully(ctx)
	}()

	info := cli.ServerInfo()
	fmt.Fprintf(p.out, "Connected to %s %s (protocol %s)\n", info.Name, info.Version, cli.ProtocolVersion())
	if instructions := cli.Instructions(); instructions != "" {
		fmt.Fprintf(p.out, "Instructions: %s\n", instructions)
	}

	if err := cli.SetLogLevel(ctx, mcp.LogLevelDebug); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}

	if err := p.listTools(ctx, cli); err != nil {
		return err
	}
	if err := p.listResources(ctx, cli); err != nil {
		return err
	}
	if err := p.listPrompts(ctx, cli); err != nil {
		return err
	}

	argsBs, _ := json.Marshal(everything.EchoArgs{Message: message})
	if err := p.callTool(ctx, cli, mcp.CallToolRequest{Name: "echo", Arguments: argsBs}); err != nil {
		return err
	}

	argsBs, _ = json.Marshal(everything.LongRunningOperationArgs{Duration: 1, Steps: 4})
	return p.callTool(ctx, cli, mcp.CallToolRequest{
		Name:      "longRunningOperation",
		Arguments: argsBs,
		Meta:      &mcp.RequestMeta{ProgressToken: mcp.StringID(uuid.New().String())},
	})
}

func (p prober) listTools(ctx context.Context, cli *mcp.Client) error {
	cursor := ""
	for {
		res, err := cli.ListTools(ctx, cursor)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		for _, tool := range res.Tools {
			fmt.Fprintf(p.out, "Tool: %s - %s\n", tool.Name, tool.Description)
		}
		if res.NextCursor == "" {
			return nil
		}
		cursor = res.NextCursor
	}
}

func (p prober) listResources(ctx context.Context, cli *mcp.Client) error {
	res, err := cli.ListResources(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}
	for _, resource := range res.Resources {
		fmt.Fprintf(p.out, "Resource: %s\n", resource.URI)
	}
	if res.NextCursor != "" {
		fmt.Fprintln(p.out, "More resources are available on the next pages")
	}

	templates, err := cli.ListResourceTemplates(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list resource templates: %w", err)
	}
	for _, template := range templates.ResourceTemplates {
		fmt.Fprintf(p.out, "Resource template: %s\n", template.URITemplate)
	}

	if len(res.Resources) == 0 {
		return nil
	}
	first := res.Resources[0]
	contents, err := cli.ReadResource(ctx, first.URI)
	if err != nil {
		return fmt.Errorf("failed to read resource %s: %w", first.URI, err)
	}
	for _, c := range contents.Contents {
		if c.Text != "" {
			fmt.Fprintf(p.out, "Data for resource %s: %s\n", c.URI, c.Text)
		} else {
			fmt.Fprintf(p.out, "Binary data of length %d for resource %s\n", len(c.Blob), c.URI)
		}
	}
	return cli.SubscribeResource(ctx, first.URI)
}

func (p prober) listPrompts(ctx context.Context, cli *mcp.Client) error {
	res, err := cli.ListPrompts(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list prompts: %w", err)
	}
	for _, prompt := range res.Prompts {
		fmt.Fprintf(p.out, "Prompt: %s\n", prompt.Name)
	}

	ac, err := cli.Complete(ctx, mcp.CompleteRequest{
		Ref:      mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "complex_prompt"},
		Argument: mcp.CompleteArgument{Name: "style", Value: ""},
	})
	if err != nil {
		return fmt.Errorf("failed to complete prompt argument: %w", err)
	}
	fmt.Fprintf(p.out, "Completions for complex_prompt style: %v\n", ac.Completion.Values)
	return nil
}

func (p prober) callTool(ctx context.Context, cli *mcp.Client, req mcp.CallToolRequest) error {
	res, err := cli.CallTool(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to call tool %s: %w", req.Name, err)
	}
	for _, content := range res.Content {
		switch content.Type {
		case mcp.ContentTypeText:
			fmt.Fprintf(p.out, "%s: %s\n", req.Name, content.Text)
		default:
			fmt.Fprintf(p.out, "%s: %s content\n", req.Name, content.Type)
		}
	}
	return nil
}

func (p prober) CreateMessage(_ context.Context, req mcp.CreateMessageRequest) (mcp.CreateMessageResult, error) {
	userPrompt := req.Messages[0].Content.Text
	return mcp.CreateMessageResult{
		Role: mcp.RoleAssistant,
		Content: mcp.Content{
			Type: mcp.ContentTypeText,
			Text: fmt.Sprintf("This is a sample message from external LLM for prompt \"%s\" with max tokens %d",
				userPrompt, req.MaxTokens),
		},
		Model:      "ai-overlord-1.0",
		StopReason: "finished",
	}, nil
}

func (p prober) OnResourceSubscribedChanged(uri string) {
	fmt.Fprintf(p.out, "Update for resource %s received at %s\n", uri, time.Now().Format(time.RFC3339))
}

func (p prober) OnToolListChanged() {
	fmt.Fprintln(p.out, "Tool list changed")
}

func (p prober) OnProgress(params mcp.ProgressNotification) {
	fmt.Fprintf(p.out, "Progress: %v/%v\n", params.Progress, params.Total)
}

func (p prober) OnLog(params mcp.LoggingMessageNotification) {
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params.Data, &data); err != nil {
		fmt.Fprintf(p.out, "failed to unmarshal log data: %v\n", err)
		return
	}
	fmt.Fprintf(p.out, "%s: Level %s: %s\n", time.Now().Format(time.RFC3339), params.Level, data.Message)
}
