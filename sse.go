package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport. It handles
// server-to-client streaming through SSE and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management and message routing through its HandleSSE and
// HandleMessage http.Handlers. These handlers can be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and shut down through Server.Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	conns chan Conn

	mu       sync.RWMutex
	sessions map[string]*sseServerConn

	done      chan struct{}
	closeOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. It receives server messages
// through an SSE stream and posts client messages to the endpoint announced by the server.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerConn struct {
	id       string
	received chan JSONRPCMessage
	sendMsgs chan sseSendMsg
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan error
}

type sseClientConn struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
}

var jsonMediaType = contenttype.NewMediaType("application/json")

// WithSSEServerLogger sets the logger of the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// NewSSEServer creates and initializes a new SSE server that tells its clients to post their
// messages to messageURL. The server is immediately operational upon creation.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		conns:      make(chan Conn),
		sessions:   make(map[string]*sseServerConn),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(
		slog.String("package", "go-mcp-runtime"),
		slog.String("component", "sse"),
	)
	return s
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// Conns returns an iterator over new client connections. The iteration ends when Shutdown is
// called.
func (s *SSEServer) Conns() iter.Seq[Conn] {
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

// Shutdown stops accepting connections. Open SSE streams are ended by closing their connections.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to close SSE server: %w", err)
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique connection IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the connection is closed.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		connID := uuid.New().String()

		// Form an url for the client that can be used to communicate with the server connection.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, connID)

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE URL", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
			return
		}

		conn := &sseServerConn{
			id:       connID,
			received: make(chan JSONRPCMessage),
			sendMsgs: make(chan sseSendMsg),
			logger:   s.logger.With(slog.String("connID", connID)),
			done:     make(chan struct{}),
		}

		s.mu.Lock()
		s.sessions[connID] = conn
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, connID)
			s.mu.Unlock()
			_ = conn.Close()
		}()

		// Feed the conns channel that would be consumed in Conns loop, so it can be forwarded to caller.
		select {
		case s.conns <- conn:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		// The handler goroutine owns the response writer, every event is written from here.
		for {
			select {
			case sm := <-conn.sendMsgs:
				sm.errs <- writeSSE(sess, sm.msg)
			case <-conn.done:
				return
			case <-s.done:
				return
			case <-r.Context().Done():
				conn.logger.Info("client disconnected")
				return
			}
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. Valid messages are routed to their corresponding connection's message stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			s.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		connID := r.URL.Query().Get("sessionID")
		if connID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		conn, ok := s.sessions[connID]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case conn.received <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-conn.done:
			http.Error(w, "session closed", http.StatusNotFound)
		case <-r.Context().Done():
		}
	})
}

// Connect establishes the SSE stream and waits for the endpoint event announcing where client
// messages are posted.
func (s *SSEClient) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}

	// The stream outlives ctx, which only bounds the connection setup.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	conn := &sseClientConn{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
	}
	endpoints := make(chan string, 1)
	go s.listenSSEMessages(streamCtx, resp.Body, conn, endpoints)

	select {
	case endpoint, ok := <-endpoints:
		if !ok {
			cancel()
			return nil, errors.New("stream ended before the endpoint event")
		}
		u, err := base.Parse(endpoint)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
		}
		conn.messageURL = u.String()
		if id := u.Query().Get("sessionID"); id != "" {
			conn.id = id
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	return conn, nil
}

func (s *SSEClient) listenSSEMessages(
	ctx context.Context,
	body io.ReadCloser,
	conn *sseClientConn,
	endpoints chan<- string,
) {
	defer func() {
		body.Close()
		close(conn.messages)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointSeen := false
	defer func() {
		if !endpointSeen {
			close(endpoints)
		}
	}()

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSeen {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			if ev.Data == "" {
				s.logger.Error("empty endpoint URL")
				return
			}
			endpointSeen = true
			endpoints <- ev.Data
		case "message":
			if !endpointSeen {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case conn.messages <- msg:
			case <-ctx.Done():
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (c *sseServerConn) ID() string { return c.id }

func (c *sseServerConn) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	return c.enqueue(ctx, sseMsg)
}

// enqueue hands msg to the stream handler and waits for the write result. A nil msg is a barrier
// that only waits for the earlier writes.
func (c *sseServerConn) enqueue(ctx context.Context, msg *sse.Message) error {
	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case c.sendMsgs <- sseSendMsg{msg: msg, errs: errs}:
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sseServerConn) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-c.received:
				if !yield(msg) {
					return
				}
			case <-c.done:
				return
			}
		}
	}
}

func (c *sseServerConn) CloseGracefully(ctx context.Context) error {
	if err := c.enqueue(ctx, nil); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.logger.Warn("closing with unsent messages", slog.String("err", err.Error()))
	}
	return c.Close()
}

func (c *sseServerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func writeSSE(sess *sse.Session, msg *sse.Message) error {
	if msg == nil {
		return nil
	}
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (c *sseClientConn) ID() string { return c.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (c *sseClientConn) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (c *sseClientConn) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range c.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// CloseGracefully closes the stream. Sends are synchronous POSTs, nothing is left to drain.
func (c *sseClientConn) CloseGracefully(context.Context) error {
	return c.Close()
}

func (c *sseClientConn) Close() error {
	c.cancel()
	return nil
}
