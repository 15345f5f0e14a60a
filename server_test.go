package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolListWatcher struct {
	changed chan struct{}
}

type resourceWatcher struct {
	updated chan string
}

type logCollector struct {
	mu   sync.Mutex
	logs []mcp.LoggingMessageNotification
}

type progressCollector struct {
	mu       sync.Mutex
	progress []float64
}

type fakeSampler struct{}

func (w toolListWatcher) OnToolListChanged() { w.changed <- struct{}{} }

func (w resourceWatcher) OnResourceSubscribedChanged(uri string) { w.updated <- uri }

func (l *logCollector) OnLog(n mcp.LoggingMessageNotification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, n)
}

func (l *logCollector) levels() []mcp.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	levels := make([]mcp.LogLevel, len(l.logs))
	for i, n := range l.logs {
		levels[i] = n.Level
	}
	return levels
}

func (p *progressCollector) OnProgress(n mcp.ProgressNotification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, n.Progress)
}

func (p *progressCollector) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.progress)
}

func (fakeSampler) CreateMessage(_ context.Context, req mcp.CreateMessageRequest) (mcp.CreateMessageResult, error) {
	return mcp.CreateMessageResult{
		Role:    "assistant",
		Content: mcp.Content{Type: mcp.ContentTypeText, Text: "sampled: " + req.Messages[0].Content.Text},
		Model:   "fake",
	}, nil
}

func echoTool(name string) mcp.ToolSpec {
	return mcp.ToolSpec{
		Tool: mcp.Tool{Name: name, Description: "Echoes its arguments"},
		Handler: func(_ context.Context, _ *mcp.Exchange, req mcp.CallToolRequest) (mcp.CallToolResult, error) {
			return mcp.TextResult(string(req.Arguments)), nil
		},
	}
}

func textResource(uri string) mcp.ResourceSpec {
	return mcp.ResourceSpec{
		Resource: mcp.Resource{URI: uri, Name: uri},
		Handler: func(_ context.Context, _ *mcp.Exchange, req mcp.ReadResourceRequest, vars map[string]string) (
			mcp.ReadResourceResult, error,
		) {
			varsBs, _ := json.Marshal(vars)
			return mcp.ReadResourceResult{
				Contents: []mcp.ResourceContents{{URI: req.URI, Text: uri + " " + string(varsBs)}},
			}, nil
		},
	}
}

func TestServerRegistryErrors(t *testing.T) {
	srv, _ := startServer(t,
		mcp.WithCapabilities(mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		}),
		mcp.WithTools(echoTool("echo")),
		mcp.WithResources(textResource("test://a")),
	)
	ctx := context.Background()

	var validationErr *mcp.ValidationError

	err := srv.AddTool(ctx, echoTool("echo"))
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "Tool with name 'echo' already exists", validationErr.Message)

	err = srv.RemoveTool(ctx, "missing")
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "Tool with name 'missing' not found", validationErr.Message)

	err = srv.AddResource(ctx, textResource("test://a"))
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "Resource with URI 'test://a' already exists", validationErr.Message)

	err = srv.RemovePrompt(ctx, "missing")
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "Prompt with name 'missing' not found", validationErr.Message)

	require.NoError(t, srv.RemoveTool(ctx, "echo"))
	assert.Empty(t, srv.ListTools())
}

func TestServerCapabilityPreconditions(t *testing.T) {
	srv, _ := startServer(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "add tool", err: srv.AddTool(ctx, echoTool("echo")), want: "server must be configured with tool capabilities"},
		{name: "remove tool", err: srv.RemoveTool(ctx, "echo"), want: "server must be configured with tool capabilities"},
		{
			name: "add resource",
			err:  srv.AddResource(ctx, textResource("test://a")),
			want: "server must be configured with resource capabilities",
		},
		{
			name: "remove prompt",
			err:  srv.RemovePrompt(ctx, "p"),
			want: "server must be configured with prompt capabilities",
		},
		{
			name: "remove completion",
			err:  srv.RemoveCompletion(ctx, mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "p"}),
			want: "server must be configured with completion capabilities",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var capErr *mcp.CapabilityError
			require.ErrorAs(t, tc.err, &capErr)
			assert.Equal(t, tc.want, capErr.Message)
		})
	}
}

func TestServerDerivesCapabilitiesFromFeatures(t *testing.T) {
	srv, _ := startServer(t, mcp.WithTools(echoTool("echo")))

	caps := srv.Capabilities()
	require.NotNil(t, caps.Tools)
	assert.False(t, caps.Tools.ListChanged)
	assert.Nil(t, caps.Prompts)
}

func TestCallTool(t *testing.T) {
	_, transport := startServer(t, mcp.WithTools(echoTool("echo")))
	cli := connectClient(t, transport)
	ctx := context.Background()

	res, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "echo", Arguments: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.JSONEq(t, `{"a":1}`, res.Content[0].Text)

	_, err = cli.CallTool(ctx, mcp.CallToolRequest{Name: "nope"})
	var protoErr *mcp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, mcp.ErrorCodeInternalError, protoErr.Code)
	assert.Equal(t, "Tool not found: nope", protoErr.Message)
}

func TestToolListChangedNotifications(t *testing.T) {
	testCases := []struct {
		name        string
		listChanged bool
	}{
		{name: "broadcast when declared", listChanged: true},
		{name: "silent when not declared", listChanged: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, transport := startServer(t,
				mcp.WithCapabilities(mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: tc.listChanged}}))

			watchers := []toolListWatcher{
				{changed: make(chan struct{}, 4)},
				{changed: make(chan struct{}, 4)},
			}
			for _, w := range watchers {
				connectClient(t, transport, mcp.WithToolListWatcher(w))
			}
			require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, srv.AddTool(context.Background(), echoTool("late")))

			for i, w := range watchers {
				select {
				case <-w.changed:
					if !tc.listChanged {
						t.Errorf("client %d notified without listChanged", i)
					}
				case <-time.After(300 * time.Millisecond):
					if tc.listChanged {
						t.Errorf("client %d not notified", i)
					}
				}
			}
			// One registration, one notification per session.
			for i, w := range watchers {
				select {
				case <-w.changed:
					t.Errorf("client %d notified twice", i)
				case <-time.After(100 * time.Millisecond):
				}
			}
		})
	}
}

func TestReadResource(t *testing.T) {
	_, transport := startServer(t,
		mcp.WithResources(
			textResource("test://items/{id}"),
			textResource("test://items/special"),
			textResource("test://static"),
		))
	cli := connectClient(t, transport)
	ctx := context.Background()

	// The template was registered first, so it wins over the exact resource.
	res, err := cli.ReadResource(ctx, "test://items/special")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, `test://items/{id} {"id":"special"}`, res.Contents[0].Text)

	res, err = cli.ReadResource(ctx, "test://static")
	require.NoError(t, err)
	assert.Equal(t, "test://static null", res.Contents[0].Text)

	_, err = cli.ReadResource(ctx, "test://unknown")
	var protoErr *mcp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "Resource not found: test://unknown", protoErr.Message)

	templates, err := cli.ListResourceTemplates(ctx, "")
	require.NoError(t, err)
	require.Len(t, templates.ResourceTemplates, 1)
	assert.Equal(t, "test://items/{id}", templates.ResourceTemplates[0].URITemplate)
}

func TestResourceSubscription(t *testing.T) {
	srv, transport := startServer(t,
		mcp.WithCapabilities(mcp.ServerCapabilities{Resources: &mcp.ResourcesCapability{Subscribe: true}}),
		mcp.WithResources(textResource("test://a"), textResource("test://b")))

	watcher := resourceWatcher{updated: make(chan string, 4)}
	cli := connectClient(t, transport, mcp.WithResourceSubscribedWatcher(watcher))
	ctx := context.Background()

	require.NoError(t, cli.SubscribeResource(ctx, "test://a"))

	var protoErr *mcp.ProtocolError
	require.ErrorAs(t, cli.SubscribeResource(ctx, "test://missing"), &protoErr)

	srv.NotifyResourceUpdated(ctx, "test://b")
	srv.NotifyResourceUpdated(ctx, "test://a")

	select {
	case uri := <-watcher.updated:
		assert.Equal(t, "test://a", uri)
	case <-time.After(2 * time.Second):
		t.Fatal("resource update not delivered")
	}

	require.NoError(t, cli.UnsubscribeResource(ctx, "test://a"))
	srv.NotifyResourceUpdated(ctx, "test://a")
	select {
	case uri := <-watcher.updated:
		t.Fatalf("unexpected update for %s after unsubscribe", uri)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestComplete(t *testing.T) {
	greet := mcp.PromptSpec{
		Prompt: mcp.Prompt{Name: "greet", Arguments: []mcp.PromptArgument{{Name: "name", Required: true}}},
		Handler: func(_ context.Context, _ *mcp.Exchange, req mcp.GetPromptRequest) (mcp.GetPromptResult, error) {
			return mcp.GetPromptResult{Messages: []mcp.PromptMessage{{
				Role:    "user",
				Content: mcp.Content{Type: mcp.ContentTypeText, Text: "Hello " + req.Arguments["name"]},
			}}}, nil
		},
	}
	bare := greet
	bare.Prompt.Name = "bare"

	names := []string{"alice", "albert", "bob"}
	_, transport := startServer(t,
		mcp.WithPrompts(greet, bare),
		mcp.WithResources(textResource("test://users/{id}")),
		mcp.WithCompletions(
			mcp.CompletionSpec{
				Ref: mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "greet"},
				Handler: func(_ context.Context, _ *mcp.Exchange, req mcp.CompleteRequest) (mcp.CompleteResult, error) {
					var values []string
					for _, n := range names {
						if strings.HasPrefix(n, req.Argument.Value) {
							values = append(values, n)
						}
					}
					return mcp.CompleteResult{Completion: mcp.Completion{Values: values, Total: len(values)}}, nil
				},
			},
			mcp.CompletionSpec{
				Ref: mcp.CompleteReference{Type: mcp.CompletionRefResource, URI: "test://users/{id}"},
				Handler: func(context.Context, *mcp.Exchange, mcp.CompleteRequest) (mcp.CompleteResult, error) {
					return mcp.CompleteResult{Completion: mcp.Completion{Values: []string{"1", "2"}}}, nil
				},
			},
		))
	cli := connectClient(t, transport)
	ctx := context.Background()

	res, err := cli.Complete(ctx, mcp.CompleteRequest{
		Ref:      mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "greet"},
		Argument: mcp.CompleteArgument{Name: "name", Value: "al"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "albert"}, res.Completion.Values)

	res, err = cli.Complete(ctx, mcp.CompleteRequest{
		Ref:      mcp.CompleteReference{Type: mcp.CompletionRefResource, URI: "test://users/{id}"},
		Argument: mcp.CompleteArgument{Name: "id"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, res.Completion.Values)

	prompt, err := cli.GetPrompt(ctx, mcp.GetPromptRequest{Name: "greet", Arguments: map[string]string{"name": "bob"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello bob", prompt.Messages[0].Content.Text)

	failures := []struct {
		name string
		req  mcp.CompleteRequest
		want string
	}{
		{
			name: "unknown prompt",
			req: mcp.CompleteRequest{
				Ref:      mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "missing"},
				Argument: mcp.CompleteArgument{Name: "name"},
			},
			want: "Prompt not found: missing",
		},
		{
			name: "undeclared argument",
			req: mcp.CompleteRequest{
				Ref:      mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "greet"},
				Argument: mcp.CompleteArgument{Name: "other"},
			},
			want: "Argument not found: other",
		},
		{
			name: "undeclared template variable",
			req: mcp.CompleteRequest{
				Ref:      mcp.CompleteReference{Type: mcp.CompletionRefResource, URI: "test://users/{id}"},
				Argument: mcp.CompleteArgument{Name: "name"},
			},
			want: "Argument not found: name",
		},
		{
			name: "no provider",
			req: mcp.CompleteRequest{
				Ref:      mcp.CompleteReference{Type: mcp.CompletionRefPrompt, Name: "bare"},
				Argument: mcp.CompleteArgument{Name: "name"},
			},
			want: "completion specification not found: ref/prompt(bare)",
		},
	}

	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cli.Complete(ctx, tc.req)
			var protoErr *mcp.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, tc.want, protoErr.Message)
		})
	}
}

func TestLoggingLevelFilter(t *testing.T) {
	logTool := mcp.ToolSpec{
		Tool: mcp.Tool{Name: "log"},
		Handler: func(ctx context.Context, ex *mcp.Exchange, _ mcp.CallToolRequest) (mcp.CallToolResult, error) {
			levels := []mcp.LogLevel{
				mcp.LogLevelDebug, mcp.LogLevelInfo, mcp.LogLevelNotice, mcp.LogLevelError, mcp.LogLevelCritical,
			}
			for _, level := range levels {
				err := ex.LoggingNotification(ctx, mcp.LoggingMessageNotification{
					Level:  level,
					Logger: "test",
					Data:   json.RawMessage(strconv.Quote(level.String())),
				})
				if err != nil {
					return mcp.CallToolResult{}, err
				}
			}
			return mcp.TextResult("logged"), nil
		},
	}
	_, transport := startServer(t,
		mcp.WithCapabilities(mcp.ServerCapabilities{Logging: &mcp.LoggingCapability{}}),
		mcp.WithTools(logTool))

	logs := &logCollector{}
	cli := connectClient(t, transport, mcp.WithLogReceiver(logs))
	ctx := context.Background()

	require.NoError(t, cli.SetLogLevel(ctx, mcp.LogLevelNotice))
	_, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "log"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(logs.levels()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []mcp.LogLevel{mcp.LogLevelNotice, mcp.LogLevelError, mcp.LogLevelCritical}, logs.levels())
}

func TestLoggingNotificationsKeepOrder(t *testing.T) {
	const count = 200

	logTool := mcp.ToolSpec{
		Tool: mcp.Tool{Name: "log"},
		Handler: func(ctx context.Context, ex *mcp.Exchange, _ mcp.CallToolRequest) (mcp.CallToolResult, error) {
			for i := range count {
				level := mcp.LogLevelNotice
				if i%2 == 1 {
					level = mcp.LogLevelError
				}
				err := ex.LoggingNotification(ctx, mcp.LoggingMessageNotification{
					Level: level,
					Data:  json.RawMessage(strconv.Itoa(i)),
				})
				if err != nil {
					return mcp.CallToolResult{}, err
				}
			}
			return mcp.TextResult("logged"), nil
		},
	}
	_, transport := startServer(t,
		mcp.WithCapabilities(mcp.ServerCapabilities{Logging: &mcp.LoggingCapability{}}),
		mcp.WithTools(logTool))

	logs := &logCollector{}
	cli := connectClient(t, transport, mcp.WithLogReceiver(logs))
	ctx := context.Background()

	require.NoError(t, cli.SetLogLevel(ctx, mcp.LogLevelNotice))
	_, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "log"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(logs.levels()) == count }, 2*time.Second, 10*time.Millisecond)

	logs.mu.Lock()
	defer logs.mu.Unlock()
	for i, n := range logs.logs {
		assert.Equal(t, strconv.Itoa(i), string(n.Data), "message %d out of order", i)
	}
}

func TestExchangeCreateMessage(t *testing.T) {
	sampleTool := mcp.ToolSpec{
		Tool: mcp.Tool{Name: "sample"},
		Handler: func(ctx context.Context, ex *mcp.Exchange, _ mcp.CallToolRequest) (mcp.CallToolResult, error) {
			res, err := ex.CreateMessage(ctx, mcp.CreateMessageRequest{
				Messages:  []mcp.SamplingMessage{{Role: "user", Content: mcp.Content{Type: mcp.ContentTypeText, Text: "hi"}}},
				MaxTokens: 10,
			})
			if err != nil {
				res := mcp.TextResult(err.Error())
				res.IsError = true
				return res, nil
			}
			return mcp.TextResult(res.Content.Text), nil
		},
	}

	testCases := []struct {
		name        string
		options     []mcp.ClientOption
		wantText    string
		wantIsError bool
	}{
		{
			name:        "client without sampling",
			wantText:    "client must be configured with sampling capabilities",
			wantIsError: true,
		},
		{
			name:     "client with sampling",
			options:  []mcp.ClientOption{mcp.WithSamplingHandler(fakeSampler{})},
			wantText: "sampled: hi",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, transport := startServer(t, mcp.WithTools(sampleTool))
			cli := connectClient(t, transport, tc.options...)

			res, err := cli.CallTool(context.Background(), mcp.CallToolRequest{Name: "sample"})
			require.NoError(t, err)
			assert.Equal(t, tc.wantIsError, res.IsError)
			assert.Equal(t, tc.wantText, res.Content[0].Text)
		})
	}
}

func TestRootsChangeHandler(t *testing.T) {
	changes := make(chan []mcp.Root, 1)
	_, transport := startServer(t,
		mcp.WithRootsChangeHandler(func(_ context.Context, _ *mcp.Exchange, roots []mcp.Root) error {
			changes <- roots
			return nil
		}))

	cli := connectClient(t, transport, mcp.WithRoots(true, mcp.Root{URI: "file:///a", Name: "a"}))
	require.NoError(t, cli.AddRoot(context.Background(), mcp.Root{URI: "file:///b", Name: "b"}))

	select {
	case roots := <-changes:
		assert.Equal(t, []mcp.Root{{URI: "file:///a", Name: "a"}, {URI: "file:///b", Name: "b"}}, roots)
	case <-time.After(2 * time.Second):
		t.Fatal("roots change handler not called")
	}

	var validationErr *mcp.ValidationError
	require.ErrorAs(t, cli.AddRoot(context.Background(), mcp.Root{URI: "file:///a"}), &validationErr)
}

func TestRootsChangeStopsOnRepeatedCursor(t *testing.T) {
	called := make(chan struct{}, 1)
	_, transport := startServer(t,
		mcp.WithRootsChangeHandler(func(context.Context, *mcp.Exchange, []mcp.Root) error {
			called <- struct{}{}
			return nil
		}))

	ctx := context.Background()
	conn, err := transport.dial(t).Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	msgs := make(chan mcp.JSONRPCMessage, 16)
	go func() {
		for msg := range conn.Messages() {
			msgs <- msg
		}
	}()
	next := func() mcp.JSONRPCMessage {
		t.Helper()
		select {
		case msg := <-msgs:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
			return mcp.JSONRPCMessage{}
		}
	}

	initBs, err := json.Marshal(mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{Roots: &mcp.RootsCapability{ListChanged: true}},
		ClientInfo:      testClientInfo,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(1), Method: mcp.MethodInitialize, Params: initBs,
	}))
	initResp := next()
	require.Nil(t, initResp.Error)
	assert.Equal(t, mcp.NumberID(1), initResp.ID)

	require.NoError(t, conn.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion, Method: mcp.MethodNotificationsInitialized,
	}))
	require.NoError(t, conn.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion, Method: mcp.MethodNotificationsRootsListChanged,
	}))

	// The client answers every page with the same cursor.
	var cursors []string
	for range 2 {
		req := next()
		require.Equal(t, mcp.MethodRootsList, req.Method)
		var page mcp.PaginatedRequest
		if len(req.Params) > 0 {
			require.NoError(t, json.Unmarshal(req.Params, &page))
		}
		cursors = append(cursors, page.Cursor)
		require.NoError(t, conn.Send(ctx, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{"roots":[{"uri":"file:///a"}],"nextCursor":"again"}`),
		}))
	}
	assert.Equal(t, []string{"", "again"}, cursors)

	select {
	case msg := <-msgs:
		t.Fatalf("unexpected %s after a repeated cursor", msg.Method)
	case <-called:
		t.Fatal("roots change handler called with an incomplete list")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProgressNotifications(t *testing.T) {
	slowTool := mcp.ToolSpec{
		Tool: mcp.Tool{Name: "slow"},
		Handler: func(ctx context.Context, ex *mcp.Exchange, req mcp.CallToolRequest) (mcp.CallToolResult, error) {
			var token mcp.RequestID
			if req.Meta != nil {
				token = req.Meta.ProgressToken
			}
			for i := range 3 {
				err := ex.Progress(ctx, mcp.ProgressNotification{ProgressToken: token, Progress: float64(i + 1), Total: 3})
				if err != nil {
					return mcp.CallToolResult{}, err
				}
			}
			return mcp.TextResult("done"), nil
		},
	}
	_, transport := startServer(t, mcp.WithTools(slowTool))

	progress := &progressCollector{}
	cli := connectClient(t, transport, mcp.WithProgressListener(progress))

	_, err := cli.CallTool(context.Background(), mcp.CallToolRequest{
		Name: "slow",
		Meta: &mcp.RequestMeta{ProgressToken: mcp.StringID("tok")},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return progress.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	// Without a token nothing is reported.
	_, err = cli.CallTool(context.Background(), mcp.CallToolRequest{Name: "slow"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, progress.count())
}

func TestListToolsPagination(t *testing.T) {
	var tools []mcp.ToolSpec
	for i := range 5 {
		tools = append(tools, echoTool(fmt.Sprintf("tool-%d", i)))
	}
	_, transport := startServer(t, mcp.WithTools(tools...), mcp.WithPageSize(2))
	cli := connectClient(t, transport)

	var names []string
	cursor := ""
	for {
		res, err := cli.ListTools(context.Background(), cursor)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Tools), 2)
		for _, tool := range res.Tools {
			names = append(names, tool.Name)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	assert.Equal(t, []string{"tool-0", "tool-1", "tool-2", "tool-3", "tool-4"}, names)

	_, err := cli.ListTools(context.Background(), "garbage!")
	var protoErr *mcp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, mcp.ErrorCodeInvalidParams, protoErr.Code)
}

type addArgs struct {
	A int `json:"a" jsonschema:"required"`
	B int `json:"b" jsonschema:"required"`
}

func TestTypedTool(t *testing.T) {
	add := mcp.MustTypedTool("add", "Adds two numbers",
		func(_ context.Context, _ *mcp.Exchange, args addArgs) (mcp.CallToolResult, error) {
			return mcp.TextResult(fmt.Sprint(args.A + args.B)), nil
		})

	var schema map[string]any
	require.NoError(t, json.Unmarshal(add.Tool.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.ElementsMatch(t, []any{"a", "b"}, schema["required"])

	_, transport := startServer(t, mcp.WithTools(add))
	cli := connectClient(t, transport)
	ctx := context.Background()

	res, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "add", Arguments: json.RawMessage(`{"a":2,"b":3}`)})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "5", res.Content[0].Text)

	res, err = cli.CallTool(ctx, mcp.CallToolRequest{Name: "add", Arguments: json.RawMessage(`{"a":"two"}`)})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "invalid arguments")
}
