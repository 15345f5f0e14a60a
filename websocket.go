package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// WebSocketSubprotocol is the subprotocol negotiated by the websocket transport.
const WebSocketSubprotocol = "mcp"

// WebSocketServer is a ServerTransport accepting one connection per websocket upgrade. Every text
// frame carries one JSON-RPC message. Use it as an http.Handler.
type WebSocketServer struct {
	logger         *slog.Logger
	originPatterns []string
	readLimit      int64

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// WebSocketServerOption represents the options for the WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

// WebSocketClient is a ClientTransport dialing a WebSocketServer.
type WebSocketClient struct {
	url        string
	httpClient *http.Client
	header     http.Header
	readLimit  int64
	logger     *slog.Logger
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type wsConn struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	// Writes on a websocket.Conn are safe for concurrent use but not ordered, the mutex keeps Send
	// calls in order.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

const defaultWebSocketReadLimit = 4 << 20

// WithWebSocketOriginPatterns sets the host patterns of the cross origin requests accepted.
func WithWebSocketOriginPatterns(patterns ...string) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.originPatterns = patterns
	}
}

// WithWebSocketServerReadLimit sets the maximum size of a message read from a client.
func WithWebSocketServerReadLimit(limit int64) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.readLimit = limit
	}
}

// WithWebSocketServerLogger sets the logger of the websocket server.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger
	}
}

// WithWebSocketClientHeader sets headers sent with the upgrade request.
func WithWebSocketClientHeader(header http.Header) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.header = header
	}
}

// WithWebSocketClientHTTPClient sets the HTTP client used for the upgrade request.
func WithWebSocketClientHTTPClient(client *http.Client) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.httpClient = client
	}
}

// WithWebSocketClientLogger sets the logger of the websocket client.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger
	}
}

// NewWebSocketServer creates a websocket server transport.
func NewWebSocketServer(options ...WebSocketServerOption) *WebSocketServer {
	s := &WebSocketServer{
		logger:    slog.Default(),
		readLimit: defaultWebSocketReadLimit,
		conns:     make(chan Conn),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(
		slog.String("package", "go-mcp-runtime"),
		slog.String("component", "websocket"),
	)
	return s
}

// NewWebSocketClient creates a client transport dialing url, a ws:// or wss:// address.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url:       url,
		readLimit: defaultWebSocketReadLimit,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Conns yields the accepted connections until Shutdown is called.
func (s *WebSocketServer) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		for {
			select {
			case <-s.done:
				return
			case conn := <-s.conns:
				if !yield(conn) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting connections.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return ctx.Err()
}

// ServeHTTP upgrades the request and keeps it open until the connection is closed.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{WebSocketSubprotocol},
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("failed to accept websocket", slog.String("err", err.Error()))
		return
	}
	ws.SetReadLimit(s.readLimit)

	conn := newWSConn(uuid.New().String(), ws, s.logger)

	select {
	case s.conns <- conn:
	case <-s.done:
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	case <-r.Context().Done():
		_ = ws.CloseNow()
		return
	}

	<-conn.done
}

// Connect dials the server and completes the websocket upgrade.
func (c *WebSocketClient) Connect(ctx context.Context) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient:   c.httpClient,
		HTTPHeader:   c.header,
		Subprotocols: []string{WebSocketSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	ws.SetReadLimit(c.readLimit)

	return newWSConn(uuid.New().String(), ws, c.logger), nil
}

func newWSConn(id string, ws *websocket.Conn, logger *slog.Logger) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		id:     id,
		conn:   ws,
		logger: logger.With(slog.String("connID", id)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, msg JSONRPCMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *wsConn) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer c.finish()

		for {
			var msg JSONRPCMessage
			if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
				status := websocket.CloseStatus(err)
				if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
					errors.Is(err, context.Canceled) {
					return
				}
				if status == -1 {
					c.logger.Warn("failed to read message", slog.String("err", err.Error()))
					return
				}
				c.logger.Info("websocket closed by peer", slog.Int("status", int(status)))
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// CloseGracefully takes the write lock so queued sends finish first, then runs the closing
// handshake.
func (c *wsConn) CloseGracefully(ctx context.Context) error {
	locked := make(chan struct{})
	go func() {
		c.writeMu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		defer c.writeMu.Unlock()
	case <-ctx.Done():
		c.logger.Warn("closing with unsent messages", slog.String("err", ctx.Err().Error()))
		go func() {
			<-locked
			c.writeMu.Unlock()
		}()
		return c.Close()
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.finish()
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return fmt.Errorf("failed to close websocket: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	err := c.conn.CloseNow()
	c.finish()
	return err
}

func (c *wsConn) finish() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
}
