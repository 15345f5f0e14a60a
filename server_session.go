package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// ServerSession is the server side of one client connection. It owns the session engine, runs the
// handshake and hands an Exchange to the server's handlers once the client is initialized.
type ServerSession struct {
	server *Server
	sess   *session

	mu              sync.Mutex
	handshaked      bool
	clientCaps      ClientCapabilities
	clientInfo      Implementation
	protocolVersion string
	subscriptions   map[string]struct{}

	exchange      *Exchange
	exchangeReady chan struct{}
	exchangeOnce  sync.Once
}

func newServerSession(srv *Server, conn Conn) *ServerSession {
	ss := &ServerSession{
		server:        srv,
		subscriptions: make(map[string]struct{}),
		exchangeReady: make(chan struct{}),
	}
	ss.sess = newSession(conn.ID(), conn, srv.requestTimeout, ss, srv.logger)
	return ss
}

// ID returns the session id, which is the id of the underlying connection.
func (ss *ServerSession) ID() string { return ss.sess.id }

// ProtocolVersion returns the negotiated protocol version, empty before the handshake.
func (ss *ServerSession) ProtocolVersion() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.protocolVersion
}

// Exchange returns the session's exchange, waiting until the client completed the handshake or ctx
// is done.
func (ss *ServerSession) Exchange(ctx context.Context) (*Exchange, error) {
	select {
	case <-ss.exchangeReady:
		return ss.exchange, nil
	case <-ss.sess.done:
		return nil, &TransportError{Op: "receive", Err: ErrSessionClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the session immediately.
func (ss *ServerSession) Close() error {
	return ss.sess.close()
}

// CloseGracefully waits for running handlers, then closes the session.
func (ss *ServerSession) CloseGracefully(ctx context.Context) error {
	return ss.sess.closeGracefully(ctx)
}

func (ss *ServerSession) requestHandler(method string) (requestHandler, bool) {
	if method == MethodInitialize {
		return ss.handleInitialize, true
	}

	handler, ok := ss.server.requestHandlers[method]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		ex, err := ss.Exchange(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, ss, ex, params)
	}, true
}

func (ss *ServerSession) notificationHandler(method string) (notificationHandler, bool) {
	if method == MethodNotificationsInitialized {
		return ss.handleInitialized, true
	}

	handler, ok := ss.server.notificationHandlers[method]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, params json.RawMessage) error {
		ex, err := ss.Exchange(ctx)
		if err != nil {
			return err
		}
		return handler(ctx, ex, params)
	}, true
}

func (ss *ServerSession) handleInitialize(_ context.Context, params json.RawMessage) (any, error) {
	var req InitializeRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}

	version := ss.server.negotiateProtocolVersion(req.ProtocolVersion)
	if version != req.ProtocolVersion {
		ss.sess.logger.Warn("client requested unsupported protocol version, proposing another one",
			slog.String("requested", req.ProtocolVersion),
			slog.String("proposed", version))
	}

	ss.mu.Lock()
	// Peer capabilities are recorded once, a repeated initialize only renegotiates the version.
	if !ss.handshaked {
		ss.handshaked = true
		ss.clientCaps = req.Capabilities
		ss.clientInfo = req.ClientInfo
	}
	ss.protocolVersion = version
	ss.mu.Unlock()

	ss.sess.logger.Info("client initialize request",
		slog.String("protocolVersion", req.ProtocolVersion),
		slog.String("clientName", req.ClientInfo.Name),
		slog.String("clientVersion", req.ClientInfo.Version))

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    ss.server.capabilities,
		ServerInfo:      ss.server.info,
		Instructions:    ss.server.instructions,
	}, nil
}

func (ss *ServerSession) handleInitialized(context.Context, json.RawMessage) error {
	opened := false
	ss.exchangeOnce.Do(func() {
		ss.mu.Lock()
		ss.exchange = newExchange(ss, ss.clientCaps, ss.clientInfo)
		info := ss.clientInfo
		ss.mu.Unlock()

		close(ss.exchangeReady)
		opened = true

		if ss.server.onClientConnected != nil {
			ss.server.onClientConnected(ss.ID(), info)
		}
	})
	if !opened {
		ss.sess.logger.Warn("duplicate initialized notification")
	}
	return nil
}

func (ss *ServerSession) subscribe(uri string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.subscriptions[uri] = struct{}{}
}

func (ss *ServerSession) unsubscribe(uri string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	delete(ss.subscriptions, uri)
}

func (ss *ServerSession) subscribed(uri string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	_, ok := ss.subscriptions[uri]
	return ok
}
