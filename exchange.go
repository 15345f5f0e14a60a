package mcp

import (
	"context"
	"sync/atomic"
)

// Exchange is the handler-facing view of one initialized client session. It is created when the
// client sends notifications/initialized and lives as long as its session. Handlers use it to issue
// requests back to the client and to send session-scoped notifications.
type Exchange struct {
	session            *ServerSession
	clientCapabilities ClientCapabilities
	clientInfo         Implementation

	minLogLevel atomic.Int32
}

func newExchange(ss *ServerSession, caps ClientCapabilities, info Implementation) *Exchange {
	ex := &Exchange{
		session:            ss,
		clientCapabilities: caps,
		clientInfo:         info,
	}
	ex.minLogLevel.Store(int32(LogLevelInfo))
	return ex
}

// SessionID returns the id of the session behind this exchange.
func (e *Exchange) SessionID() string { return e.session.ID() }

// ClientCapabilities returns the capabilities the client declared during the handshake.
func (e *Exchange) ClientCapabilities() ClientCapabilities { return e.clientCapabilities }

// ClientInfo returns the client implementation descriptor.
func (e *Exchange) ClientInfo() Implementation { return e.clientInfo }

// CreateMessage asks the client to sample from a language model. It fails with a CapabilityError,
// without sending anything, if the client did not declare the sampling capability.
func (e *Exchange) CreateMessage(ctx context.Context, req CreateMessageRequest) (CreateMessageResult, error) {
	if e.clientCapabilities.Sampling == nil {
		return CreateMessageResult{}, &CapabilityError{Message: "client must be configured with sampling capabilities"}
	}

	var result CreateMessageResult
	if err := e.session.sess.sendRequest(ctx, MethodSamplingCreateMessage, req, &result); err != nil {
		return CreateMessageResult{}, err
	}
	return result, nil
}

// ListRoots asks the client for its roots, starting at cursor when it is not empty.
func (e *Exchange) ListRoots(ctx context.Context, cursor string) (ListRootsResult, error) {
	var params any
	if cursor != "" {
		params = PaginatedRequest{Cursor: cursor}
	}

	var result ListRootsResult
	if err := e.session.sess.sendRequest(ctx, MethodRootsList, params, &result); err != nil {
		return ListRootsResult{}, err
	}
	return result, nil
}

// LoggingNotification sends a log message to the client if its level is at least the minimum level
// the client asked for, and silently drops it otherwise.
func (e *Exchange) LoggingNotification(ctx context.Context, n LoggingMessageNotification) error {
	if n.Level < e.MinLoggingLevel() {
		return nil
	}
	return e.session.sess.sendNotification(ctx, MethodNotificationsMessage, n)
}

// Progress reports progress of a long-running request. Requests without a progress token have no
// one to report to, so nothing is sent.
func (e *Exchange) Progress(ctx context.Context, n ProgressNotification) error {
	if n.ProgressToken.IsZero() {
		return nil
	}
	return e.session.sess.sendNotification(ctx, MethodNotificationsProgress, n)
}

// SetMinLoggingLevel changes the minimum level forwarded by LoggingNotification.
func (e *Exchange) SetMinLoggingLevel(level LogLevel) {
	e.minLogLevel.Store(int32(level))
}

// MinLoggingLevel returns the current minimum level.
func (e *Exchange) MinLoggingLevel() LogLevel {
	return LogLevel(e.minLogLevel.Load())
}
