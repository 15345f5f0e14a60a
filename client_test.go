package mcp_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listWatcher struct {
	prompts   chan struct{}
	resources chan struct{}
}

func (w listWatcher) OnPromptListChanged() { w.prompts <- struct{}{} }

func (w listWatcher) OnResourceListChanged() { w.resources <- struct{}{} }

func TestClientRootsEditing(t *testing.T) {
	ctx := context.Background()
	cli := mcp.NewClient(testClientInfo, mcp.NewStdIO(strings.NewReader(""), nil),
		mcp.WithClientLogger(testLogger()),
		mcp.WithRoots(true, mcp.Root{URI: "file:///a", Name: "a"}))

	var validationErr *mcp.ValidationError
	require.ErrorAs(t, cli.AddRoot(ctx, mcp.Root{URI: "file:///a"}), &validationErr)
	assert.Equal(t, "Root with URI 'file:///a' already exists", validationErr.Message)

	require.ErrorAs(t, cli.RemoveRoot(ctx, "file:///missing"), &validationErr)
	assert.Equal(t, "Root with URI 'file:///missing' not found", validationErr.Message)

	// Edits before the handshake are kept without notifying anyone.
	require.NoError(t, cli.AddRoot(ctx, mcp.Root{URI: "file:///b"}))
	require.NoError(t, cli.RemoveRoot(ctx, "file:///a"))

	noRoots := mcp.NewClient(testClientInfo, mcp.NewStdIO(strings.NewReader(""), nil),
		mcp.WithClientLogger(testLogger()))
	var capErr *mcp.CapabilityError
	require.ErrorAs(t, noRoots.AddRoot(ctx, mcp.Root{URI: "file:///a"}), &capErr)
}

func TestExchangeListRoots(t *testing.T) {
	rootsTool := mcp.ToolSpec{
		Tool: mcp.Tool{Name: "roots"},
		Handler: func(ctx context.Context, ex *mcp.Exchange, _ mcp.CallToolRequest) (mcp.CallToolResult, error) {
			res, err := ex.ListRoots(ctx, "")
			if err != nil {
				return mcp.CallToolResult{}, err
			}
			uris := make([]string, len(res.Roots))
			for i, root := range res.Roots {
				uris[i] = root.URI
			}
			return mcp.TextResult(strings.Join(uris, ",")), nil
		},
	}
	_, transport := startServer(t, mcp.WithTools(rootsTool))

	cli := connectClient(t, transport,
		mcp.WithRoots(false, mcp.Root{URI: "file:///a"}, mcp.Root{URI: "file:///b"}))

	res, err := cli.CallTool(context.Background(), mcp.CallToolRequest{Name: "roots"})
	require.NoError(t, err)
	assert.Equal(t, "file:///a,file:///b", res.Content[0].Text)

	// A client without the roots capability answers roots/list with "method not found".
	plain := connectClient(t, transport)
	_, err = plain.CallTool(context.Background(), mcp.CallToolRequest{Name: "roots"})
	var protoErr *mcp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, mcp.ErrorCodeMethodNotFound, protoErr.Code)
}

func TestClientListWatchers(t *testing.T) {
	srv, transport := startServer(t, mcp.WithCapabilities(mcp.ServerCapabilities{
		Prompts:   &mcp.PromptsCapability{ListChanged: true},
		Resources: &mcp.ResourcesCapability{ListChanged: true},
	}))

	watcher := listWatcher{
		prompts:   make(chan struct{}, 1),
		resources: make(chan struct{}, 1),
	}
	connectClient(t, transport, mcp.WithPromptListWatcher(watcher), mcp.WithResourceListWatcher(watcher))
	ctx := context.Background()

	require.NoError(t, srv.AddPrompt(ctx, mcp.PromptSpec{
		Prompt: mcp.Prompt{Name: "p"},
		Handler: func(context.Context, *mcp.Exchange, mcp.GetPromptRequest) (mcp.GetPromptResult, error) {
			return mcp.GetPromptResult{}, nil
		},
	}))
	select {
	case <-watcher.prompts:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt list change not delivered")
	}

	require.NoError(t, srv.AddResource(ctx, textResource("test://r")))
	select {
	case <-watcher.resources:
	case <-time.After(2 * time.Second):
		t.Fatal("resource list change not delivered")
	}
}

func TestClientDoneAfterServerShutdown(t *testing.T) {
	srv, transport := startServer(t)
	cli := connectClient(t, transport)

	select {
	case <-cli.Done():
		t.Fatal("client done while connected")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case <-cli.Done():
	case <-ctx.Done():
		t.Fatal("client session outlived the server")
	}
}

func TestClientKeepAlive(t *testing.T) {
	_, transport := startServer(t, mcp.WithTools(echoTool("echo")))
	cli := connectClient(t, transport, mcp.WithClientPingInterval(10*time.Millisecond))

	time.Sleep(100 * time.Millisecond)

	_, err := cli.CallTool(context.Background(), mcp.CallToolRequest{Name: "echo"})
	require.NoError(t, err)

	require.NoError(t, cli.Close())
	select {
	case <-cli.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not done after Close")
	}
}
