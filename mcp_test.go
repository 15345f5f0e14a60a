package mcp_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport is a ServerTransport handing out one side of an in-memory stdio pipe per dial.
type memTransport struct {
	conns chan mcp.Conn
	done  chan struct{}
	once  sync.Once
}

var (
	testServerInfo = mcp.Implementation{Name: "test-server", Version: "1.0.0"}
	testClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}
)

func newMemTransport() *memTransport {
	return &memTransport{
		conns: make(chan mcp.Conn),
		done:  make(chan struct{}),
	}
}

func (m *memTransport) Conns() iter.Seq[mcp.Conn] {
	return func(yield func(mcp.Conn) bool) {
		for {
			select {
			case <-m.done:
				return
			case c := <-m.conns:
				if !yield(c) {
					return
				}
			}
		}
	}
}

func (m *memTransport) Shutdown(context.Context) error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// dial registers a new server-side connection and returns the transport of its client side.
func (m *memTransport) dial(t *testing.T) mcp.ClientTransport {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverConn, err := mcp.NewStdIO(serverReader, serverWriter, mcp.WithStdIOLogger(testLogger())).
		Connect(context.Background())
	require.NoError(t, err)

	select {
	case m.conns <- serverConn:
	case <-time.After(2 * time.Second):
		t.Fatal("server is not accepting connections")
	}
	return mcp.NewStdIO(clientReader, clientWriter, mcp.WithStdIOLogger(testLogger()))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, options ...mcp.ServerOption) (*mcp.Server, *memTransport) {
	t.Helper()

	transport := newMemTransport()
	options = append([]mcp.ServerOption{mcp.WithServerLogger(testLogger())}, options...)
	srv, err := mcp.NewServer(testServerInfo, transport, options...)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		assert.NoError(t, srv.Shutdown(ctx))
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Error("Serve did not return after Shutdown")
		}
	})
	return srv, transport
}

func connectClient(t *testing.T, transport *memTransport, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	options = append([]mcp.ClientOption{mcp.WithClientLogger(testLogger())}, options...)
	cli := mcp.NewClient(testClientInfo, transport.dial(t), options...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))

	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestHandshake(t *testing.T) {
	connected := make(chan mcp.Implementation, 1)
	disconnected := make(chan string, 1)
	srv, transport := startServer(t,
		mcp.WithInstructions("be nice"),
		mcp.WithServerOnClientConnected(func(_ string, info mcp.Implementation) { connected <- info }),
		mcp.WithServerOnClientDisconnected(func(id string) { disconnected <- id }),
	)

	cli := connectClient(t, transport)

	assert.Equal(t, testServerInfo, cli.ServerInfo())
	assert.Equal(t, mcp.LatestProtocolVersion, cli.ProtocolVersion())
	assert.Equal(t, "be nice", cli.Instructions())

	select {
	case info := <-connected:
		assert.Equal(t, testClientInfo, info)
	case <-time.After(2 * time.Second):
		t.Fatal("connected callback not called")
	}
	assert.Equal(t, 1, srv.SessionCount())

	require.NoError(t, cli.Ping(context.Background()))

	require.NoError(t, cli.Close())
	select {
	case id := <-disconnected:
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected callback not called")
	}
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestProtocolVersionNegotiation(t *testing.T) {
	testCases := []struct {
		name      string
		supported []string
		requested string
		want      string
	}{
		{
			name:      "supported version is echoed",
			requested: mcp.ProtocolVersion20241105,
			want:      mcp.ProtocolVersion20241105,
		},
		{
			name:      "unknown version falls back to the newest",
			requested: "1999-01-01",
			want:      mcp.ProtocolVersion20250326,
		},
		{
			name:      "fallback follows the configured list",
			supported: []string{mcp.ProtocolVersion20241105},
			requested: mcp.ProtocolVersion20250326,
			want:      mcp.ProtocolVersion20241105,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var options []mcp.ServerOption
			if tc.supported != nil {
				options = append(options, mcp.WithProtocolVersions(tc.supported...))
			}
			_, transport := startServer(t, options...)

			cli := connectClient(t, transport, mcp.WithClientProtocolVersion(tc.requested))
			assert.Equal(t, tc.want, cli.ProtocolVersion())
		})
	}
}

func TestClientFailsFastBeforeInitialization(t *testing.T) {
	_, transport := startServer(t, mcp.WithCapabilities(mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}}))
	cli := mcp.NewClient(testClientInfo, transport.dial(t), mcp.WithClientLogger(testLogger()))

	_, err := cli.ListTools(context.Background(), "")
	require.ErrorIs(t, err, mcp.ErrClientNotInitialized)

	var capErr *mcp.CapabilityError
	require.ErrorAs(t, cli.Ping(context.Background()), &capErr)
	assert.Equal(t, "client must be initialized first", capErr.Message)
}

func TestClientRequiresServerCapability(t *testing.T) {
	_, transport := startServer(t, mcp.WithCapabilities(mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}}))
	cli := connectClient(t, transport)

	_, err := cli.ListPrompts(context.Background(), "")
	var capErr *mcp.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, capErr.Message, "prompts")

	err = cli.SubscribeResource(context.Background(), "test://x")
	require.ErrorAs(t, err, &capErr)

	tools, err := cli.ListTools(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, tools.Tools)
}

func TestClientConnectTimeout(t *testing.T) {
	// The peer never answers, so the handshake is bounded by the init timeout.
	clientReader, _ := io.Pipe()

	cli := mcp.NewClient(testClientInfo, mcp.NewStdIO(clientReader, io.Discard),
		mcp.WithClientLogger(testLogger()),
		mcp.WithClientInitTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := cli.Connect(ctx)
	var timeoutErr *mcp.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, mcp.MethodInitialize, timeoutErr.Method)

	_, err = cli.ListTools(context.Background(), "")
	assert.ErrorIs(t, err, mcp.ErrClientNotInitialized)
}

// retryTransport hands out a connection to a peer that never answers, then connections of next.
type retryTransport struct {
	mu       sync.Mutex
	attempts int
	next     mcp.ClientTransport
}

func (r *retryTransport) Connect(ctx context.Context) (mcp.Conn, error) {
	r.mu.Lock()
	r.attempts++
	first := r.attempts == 1
	r.mu.Unlock()

	if first {
		silent, _ := io.Pipe()
		return mcp.NewStdIO(silent, io.Discard, mcp.WithStdIOLogger(testLogger())).Connect(ctx)
	}
	return r.next.Connect(ctx)
}

func TestClientReconnectAfterFailedHandshake(t *testing.T) {
	_, transport := startServer(t, mcp.WithTools(echoTool("echo")))

	cli := mcp.NewClient(testClientInfo, &retryTransport{next: transport.dial(t)},
		mcp.WithClientLogger(testLogger()),
		mcp.WithClientInitTimeout(100*time.Millisecond))
	t.Cleanup(func() { _ = cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var timeoutErr *mcp.TimeoutError
	require.ErrorAs(t, cli.Connect(ctx), &timeoutErr)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.After)
	assert.True(t, timeoutErr.Timeout())

	require.NoError(t, cli.Connect(ctx))
	_, err := cli.CallTool(ctx, mcp.CallToolRequest{Name: "echo"})
	require.NoError(t, err)
}
