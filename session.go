package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// requestHandler answers one inbound request. A nil result is sent as an empty object.
type requestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// notificationHandler consumes one inbound notification.
type notificationHandler func(ctx context.Context, params json.RawMessage) error

// dispatcher resolves the handlers of a session by method name. The tables behind it are built once
// and never mutated while the session runs.
type dispatcher interface {
	requestHandler(method string) (requestHandler, bool)
	notificationHandler(method string) (notificationHandler, bool)
}

// session is the JSON-RPC engine shared by ServerSession and Client. It correlates outbound requests
// with inbound responses, routes inbound requests and notifications to the dispatcher, and tracks the
// handshake state.
type session struct {
	id             string
	conn           Conn
	converter      ValueConverter
	requestTimeout time.Duration
	dispatcher     dispatcher
	logger         *slog.Logger

	requestCounter atomic.Int64

	pendingMu sync.Mutex
	pending   map[RequestID]chan JSONRPCMessage

	inflightMu sync.Mutex
	inflight   map[RequestID]context.CancelFunc

	state atomic.Int32

	// Notifications are handled one at a time, in arrival order, off the read loop.
	notifyMu      sync.Mutex
	notifyQueue   []queuedNotification
	notifyStopped bool
	notifyReady   chan struct{}

	handlers   sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

type queuedNotification struct {
	msg     JSONRPCMessage
	handler notificationHandler
}

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateInitialized
)

func newSession(id string, conn Conn, requestTimeout time.Duration, d dispatcher, logger *slog.Logger) *session {
	converter, ok := conn.(ValueConverter)
	if !ok {
		converter = jsonConverter{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &session{
		id:             id,
		conn:           conn,
		converter:      converter,
		requestTimeout: requestTimeout,
		dispatcher:     d,
		logger:         logger.With(slog.String("sessionID", id)),
		pending:        make(map[RequestID]chan JSONRPCMessage),
		inflight:       make(map[RequestID]context.CancelFunc),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		notifyReady:    make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// run consumes inbound messages until the connection closes. Every pending request is failed
// once it returns.
func (s *session) run() {
	defer s.shutdown()

	go s.dispatchNotifications()

	for msg := range s.conn.Messages() {
		s.handleMessage(msg)
	}
	s.logger.Debug("connection closed, session loop stopped")
}

func (s *session) handleMessage(msg JSONRPCMessage) {
	if err := msg.Validate(); err != nil {
		s.logger.Warn("dropping invalid message",
			slog.String("kind", msg.Kind().String()),
			slog.String("err", err.Error()))
		if msg.Kind() == KindRequest {
			s.send(newErrorResponse(msg.ID, ErrorCodeInvalidRequest, err.Error(), nil))
		}
		return
	}

	switch msg.Kind() {
	case KindResponse:
		s.handleResponse(msg)
	case KindRequest:
		s.handleRequest(msg)
	case KindNotification:
		s.handleNotification(msg)
	case KindInvalid:
	}
}

func (s *session) handleResponse(msg JSONRPCMessage) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.pendingMu.Unlock()

	if !ok {
		// Late responses after a timeout and duplicates end up here.
		s.logger.Warn("unexpected response for unknown id", slog.String("id", msg.ID.String()))
		return
	}
	ch <- msg
}

func (s *session) handleRequest(msg JSONRPCMessage) {
	switch {
	case msg.Method == MethodInitialize:
		// The handshake runs regardless of the current state.
		s.state.CompareAndSwap(stateUninitialized, stateInitializing)
	case msg.Method == MethodPing:
	case s.state.Load() == stateUninitialized:
		s.logger.Warn("rejecting request before initialization", slog.String("method", msg.Method))
		s.send(newErrorResponse(msg.ID, ErrorCodeInvalidRequest, errSessionNotInitialized.Error(), nil))
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.inflightMu.Lock()
	s.inflight[msg.ID] = cancel
	s.inflightMu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, msg.ID)
			s.inflightMu.Unlock()
			cancel()
		}()

		start := time.Now()
		resp := s.processRequest(ctx, msg)
		s.logger.Debug("request handled",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID.String()),
			slog.Bool("ok", resp.Error == nil),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		s.send(resp)
	}()
}

func (s *session) processRequest(ctx context.Context, msg JSONRPCMessage) (resp JSONRPCMessage) {
	if msg.Method == MethodPing {
		res, _ := newResponse(msg.ID, struct{}{})
		return res
	}

	handler, ok := s.dispatcher.requestHandler(msg.Method)
	if !ok {
		return newErrorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found: "+msg.Method, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
			resp = newErrorResponse(msg.ID, ErrorCodeInternalError, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()

	result, err := handler(ctx, msg.Params)
	if err != nil {
		s.logger.Error("request handler failed",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return errorResponse(msg.ID, err)
	}

	resp, err = newResponse(msg.ID, result)
	if err != nil {
		return newErrorResponse(msg.ID, ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *session) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsInitialized:
		s.state.Store(stateInitialized)
	case MethodNotificationsCancelled:
		s.cancelInflight(msg.Params)
		return
	default:
		if s.state.Load() == stateUninitialized {
			s.logger.Warn("dropping notification before initialization", slog.String("method", msg.Method))
			return
		}
	}

	handler, ok := s.dispatcher.notificationHandler(msg.Method)
	if !ok {
		if msg.Method != MethodNotificationsInitialized {
			s.logger.Warn("no handler registered for notification", slog.String("method", msg.Method))
		}
		return
	}

	// The initialized notification opens the exchange gate, it must complete before the next
	// message is classified.
	if msg.Method == MethodNotificationsInitialized {
		s.runNotificationHandler(msg, handler)
		return
	}

	s.enqueueNotification(msg, handler)
}

func (s *session) enqueueNotification(msg JSONRPCMessage, handler notificationHandler) {
	s.notifyMu.Lock()
	if s.notifyStopped {
		s.notifyMu.Unlock()
		s.logger.Debug("dropping notification after close", slog.String("method", msg.Method))
		return
	}
	s.notifyQueue = append(s.notifyQueue, queuedNotification{msg: msg, handler: handler})
	s.handlers.Add(1)
	s.notifyMu.Unlock()

	select {
	case s.notifyReady <- struct{}{}:
	default:
	}
}

// dispatchNotifications runs queued notification handlers in arrival order. Handlers may send requests
// of their own, the read loop keeps consuming responses meanwhile. It returns once the session is
// closed and the queue is drained.
func (s *session) dispatchNotifications() {
	for {
		s.notifyMu.Lock()
		if len(s.notifyQueue) == 0 {
			select {
			case <-s.done:
				s.notifyStopped = true
				s.notifyMu.Unlock()
				return
			default:
			}
			s.notifyMu.Unlock()

			select {
			case <-s.notifyReady:
			case <-s.done:
			}
			continue
		}
		n := s.notifyQueue[0]
		s.notifyQueue[0] = queuedNotification{}
		s.notifyQueue = s.notifyQueue[1:]
		s.notifyMu.Unlock()

		s.runNotificationHandler(n.msg, n.handler)
		s.handlers.Done()
	}
}

func (s *session) runNotificationHandler(msg JSONRPCMessage, handler notificationHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
		}
	}()

	if err := handler(s.baseCtx, msg.Params); err != nil {
		s.logger.Error("notification handler failed",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (s *session) cancelInflight(params json.RawMessage) {
	var n CancelledNotification
	if err := s.converter.Convert(params, &n); err != nil {
		s.logger.Warn("invalid cancelled notification", slog.String("err", err.Error()))
		return
	}

	s.inflightMu.Lock()
	cancel, ok := s.inflight[n.RequestID]
	s.inflightMu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("request cancelled by peer",
		slog.String("id", n.RequestID.String()),
		slog.String("reason", n.Reason))
	cancel()
}

func (s *session) nextRequestID() RequestID {
	return StringID(s.id + "-" + strconv.FormatInt(s.requestCounter.Add(1)-1, 10))
}

// sendRequest sends a request and waits for its response up to the session's request timeout. A nil
// result means the caller expects no result value.
func (s *session) sendRequest(ctx context.Context, method string, params any, result any) error {
	return s.sendRequestTimeout(ctx, method, params, result, s.requestTimeout)
}

func (s *session) sendRequestTimeout(
	ctx context.Context,
	method string,
	params any,
	result any,
	timeout time.Duration,
) error {
	select {
	case <-s.done:
		return &TransportError{Op: "send", Err: ErrSessionClosed}
	default:
	}

	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}

	id := s.nextRequestID()
	results := make(chan JSONRPCMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = results
	s.pendingMu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}
	if err := s.conn.Send(ctx, msg); err != nil {
		s.removePending(id)
		return &TransportError{Op: "send", Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-results:
		if resp.Error != nil {
			return newProtocolError(resp.Error)
		}
		if result == nil {
			return nil
		}
		if err := s.converter.Convert(resp.Result, result); err != nil {
			return fmt.Errorf("failed to convert %s result: %w", method, err)
		}
		return nil
	case <-timer.C:
		s.removePending(id)
		s.logger.Warn("request timed out",
			slog.String("method", method),
			slog.String("id", id.String()),
			slog.Duration("timeout", timeout))
		return &TimeoutError{Method: method, ID: id, After: timeout}
	case <-ctx.Done():
		s.removePending(id)
		return fmt.Errorf("request %s cancelled: %w", method, ctx.Err())
	case <-s.done:
		return &TransportError{Op: "receive", Err: ErrSessionClosed}
	}
}

func (s *session) sendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}
	if err := s.conn.Send(ctx, msg); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// send delivers an engine-built message. Failures are logged and never retried.
func (s *session) send(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	if err := s.conn.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message",
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
	}
}

func (s *session) removePending(id RequestID) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *session) convert(raw json.RawMessage, target any) error {
	if err := s.converter.Convert(raw, target); err != nil {
		return invalidParamsError(err)
	}
	return nil
}

func (s *session) initialized() bool {
	return s.state.Load() == stateInitialized
}

// handshakeStarted reports whether initialize was received or sent. A client may return from its
// handshake before the server sees the initialized notification.
func (s *session) handshakeStarted() bool {
	return s.state.Load() != stateUninitialized
}

// closeGracefully waits for running handlers, then closes the connection gracefully.
func (s *session) closeGracefully(ctx context.Context) error {
	handled := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(handled)
	}()

	select {
	case <-handled:
	case <-ctx.Done():
		s.logger.Warn("handlers still running while closing session", slog.String("err", ctx.Err().Error()))
	}

	err := s.conn.CloseGracefully(ctx)
	s.shutdown()
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (s *session) close() error {
	err := s.conn.Close()
	s.shutdown()
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.baseCancel()

		s.pendingMu.Lock()
		dropped := len(s.pending)
		clear(s.pending)
		s.pendingMu.Unlock()

		if dropped > 0 {
			s.logger.Info("session closed with pending requests", slog.Int("pending", dropped))
		}
	})
}

func errorResponse(id RequestID, err error) JSONRPCMessage {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return newErrorResponse(id, perr.Code, perr.Message, perr.Data)
	}
	return newErrorResponse(id, ErrorCodeInternalError, err.Error(), nil)
}
