package mcp

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol. It accepts
// connections and hands each of them to the Server, which binds one ServerSession per connection.
type ServerTransport interface {
	// Conns returns an iterator that yields new client connections as they are accepted. The
	// implementation must guarantee that each connection ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Conns() iter.Seq[Conn]

	// Shutdown stops accepting connections and releases transport resources. The implementation should
	// not close the connections it produced, the caller closes them before calling this method. The
	// caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// Connect establishes a connection with the server. Operations are canceled when the context is
	// canceled.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a bidirectional message channel to one peer. Messages sent on one Conn must be delivered in
// the order Send is called.
type Conn interface {
	// ID returns the unique identifier for this connection.
	ID() string

	// Send delivers one message to the peer. Failures are reported and never retried by the caller.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the peer. The iteration ends
	// when the connection is closed by either side.
	Messages() iter.Seq[JSONRPCMessage]

	// CloseGracefully waits for queued outbound messages to drain, then closes the connection.
	CloseGracefully(ctx context.Context) error

	// Close closes the connection immediately.
	Close() error
}

// ValueConverter materializes typed values from the raw params or result payload of a message. A
// Conn that owns a different serialization than JSON implements it, the JSON converter is used
// otherwise.
type ValueConverter interface {
	Convert(raw json.RawMessage, target any) error
}

// ToolHandler executes a tool call.
type ToolHandler func(ctx context.Context, ex *Exchange, req CallToolRequest) (CallToolResult, error)

// ResourceHandler reads a resource. For template resources, vars holds the values extracted from the
// requested URI.
type ResourceHandler func(ctx context.Context, ex *Exchange, req ReadResourceRequest, vars map[string]string) (
	ReadResourceResult, error)

// PromptHandler renders a prompt.
type PromptHandler func(ctx context.Context, ex *Exchange, req GetPromptRequest) (GetPromptResult, error)

// CompletionHandler produces completion suggestions for an argument.
type CompletionHandler func(ctx context.Context, ex *Exchange, req CompleteRequest) (CompleteResult, error)

// RootsChangeHandler is called with the client's current roots after it announced a change.
type RootsChangeHandler func(ctx context.Context, ex *Exchange, roots []Root) error

// Client interfaces

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
// It handles the core sampling functionality including managing conversation context, applying model
// preferences, and generating appropriate responses while respecting token limits.
type SamplingHandler interface {
	// CreateMessage generates a response message based on the provided conversation history and
	// parameters. Returns error if model selection fails, generation fails, token limit is exceeded, or
	// context is cancelled.
	CreateMessage(ctx context.Context, req CreateMessageRequest) (CreateMessageResult, error)
}

// PromptListWatcher provides an interface for receiving notifications when the server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving notifications when a subscribed resource changes.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressNotification)
}

// LogReceiver provides an interface for receiving log messages from the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LoggingMessageNotification)
}

type jsonConverter struct{}

func (jsonConverter) Convert(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
