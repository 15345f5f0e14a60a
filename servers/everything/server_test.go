package everything_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/TangGee/go-mcp-runtime/servers/everything"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	ev := everything.New(everything.WithLogger(logger), everything.WithUpdateInterval(50*time.Millisecond))
	srv, err := mcp.NewServer(everything.Info, mcp.NewStdIO(serverReader, serverWriter),
		append(ev.Options(), mcp.WithServerLogger(logger))...)
	require.NoError(t, err)

	go func() { _ = srv.Serve() }()
	ev.Start(srv)

	cli := mcp.NewClient(mcp.Implementation{Name: "everything-test", Version: "1.0"},
		mcp.NewStdIO(clientReader, clientWriter),
		append(options, mcp.WithClientLogger(logger))...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = cli.Close()
		_ = srv.Shutdown(ctx)
		assert.NoError(t, ev.Close(ctx))
	})
	return cli
}

type updates chan string

func (u updates) OnResourceSubscribedChanged(uri string) {
	select {
	case u <- uri:
	default:
	}
}

type toolsChanged chan struct{}

func (c toolsChanged) OnToolListChanged() {
	select {
	case c <- struct{}{}:
	default:
	}
}

type logs chan mcp.LoggingMessageNotification

func (l logs) OnLog(params mcp.LoggingMessageNotification) {
	select {
	case l <- params:
	default:
	}
}

func TestTools(t *testing.T) {
	cli := connect(t)
	ctx := context.Background()

	tools, err := cli.ListTools(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 7)

	res, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "add", Arguments: json.RawMessage(`{"a":1.5,"b":2}`)})
	require.NoError(t, err)
	assert.Equal(t, "The sum of 1.5 and 2 is 3.5", res.Content[0].Text)

	res, err = cli.CallTool(ctx, mcp.CallToolRequest{Name: "echo", Arguments: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = cli.CallTool(ctx, mcp.CallToolRequest{
		Name:      "longRunningOperation",
		Arguments: json.RawMessage(`{"duration":0.05,"steps":2}`),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content[0].Text, "Long running operation completed")
}

func TestResourcesPaginateAndResolve(t *testing.T) {
	cli := connect(t)
	ctx := context.Background()

	first, err := cli.ListResources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, first.Resources, 10)
	assert.NotEmpty(t, first.NextCursor)

	res, err := cli.ReadResource(ctx, "test://static/resource/1")
	require.NoError(t, err)
	assert.Equal(t, "Resource 1: This is a plain text resource", res.Contents[0].Text)

	// Served by the template.
	res, err = cli.ReadResource(ctx, "test://static/resource/101")
	require.NoError(t, err)
	assert.Equal(t, "test://static/resource/101", res.Contents[0].URI)

	complete, err := cli.Complete(ctx, mcp.CompleteRequest{
		Ref:      mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "complex_prompt"},
		Argument: mcp.CompleteArgument{Name: "style", Value: "f"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"formal", "friendly"}, complete.Completion.Values)
}

func TestSimulatedResourceUpdates(t *testing.T) {
	received := make(updates, 16)
	cli := connect(t, mcp.WithResourceSubscribedWatcher(received))

	require.NoError(t, cli.SubscribeResource(context.Background(), "test://static/resource/7"))

	select {
	case uri := <-received:
		assert.Equal(t, "test://static/resource/7", uri)
	case <-time.After(2 * time.Second):
		t.Fatal("no simulated update received")
	}
}

func TestToggleDynamicTool(t *testing.T) {
	changed := make(toolsChanged, 1)
	cli := connect(t, mcp.WithToolListWatcher(changed))
	ctx := context.Background()

	res, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "toggleDynamicTool"})
	require.NoError(t, err)
	assert.Equal(t, "Added dynamicTool", res.Content[0].Text)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no tools/list_changed received")
	}

	res, err = cli.CallTool(ctx, mcp.CallToolRequest{Name: "dynamicTool"})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the dynamic tool", res.Content[0].Text)

	res, err = cli.CallTool(ctx, mcp.CallToolRequest{Name: "toggleDynamicTool"})
	require.NoError(t, err)
	assert.Equal(t, "Removed dynamicTool", res.Content[0].Text)

	tools, err := cli.ListTools(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 7)
}

func TestSimulatedLogging(t *testing.T) {
	received := make(logs, 16)
	cli := connect(t, mcp.WithLogReceiver(received))

	require.NoError(t, cli.SetLogLevel(context.Background(), mcp.LogLevelDebug))

	select {
	case msg := <-received:
		assert.Equal(t, "everything", msg.Logger)
		assert.Contains(t, string(msg.Data), "message")
	case <-time.After(2 * time.Second):
		t.Fatal("no simulated log message received")
	}
}
