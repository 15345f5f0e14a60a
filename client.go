package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that enables communication
// between LLM applications and external data sources and tools. It manages the
// connection lifecycle, handles protocol messages, and provides access to MCP
// server capabilities.
//
// The client is created with NewClient and connected with Connect, which performs the
// initialize handshake. Every request method fails fast with ErrClientNotInitialized until the
// handshake completed, and with a CapabilityError when the server did not declare the feature.
type Client struct {
	info            Implementation
	capabilities    ClientCapabilities
	protocolVersion string
	transport       ClientTransport

	samplingHandler SamplingHandler

	roots   *registry[string, Root]

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	requestTimeout time.Duration
	initTimeout    time.Duration
	pingInterval   time.Duration
	logger         *slog.Logger

	requestHandlers      map[string]requestHandler
	notificationHandlers map[string]notificationHandler

	mu                 sync.RWMutex
	sess               *session
	serverInfo         Implementation
	serverCapabilities ServerCapabilities
	instructions       string
	negotiatedVersion  string

	done chan struct{}
}

var (
	defaultClientRequestTimeout = 10 * time.Second
	defaultClientInitTimeout    = 20 * time.Second
)

// WithSamplingHandler sets the handler answering the server's sampling requests, and declares the
// sampling capability.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
		c.capabilities.Sampling = &SamplingCapability{}
	}
}

// WithRoots declares the roots capability and serves the given roots to the server. With listChanged,
// the client notifies the server whenever AddRoot or RemoveRoot changes the list.
func WithRoots(listChanged bool, roots ...Root) ClientOption {
	return func(c *Client) {
		c.capabilities.Roots = &RootsCapability{ListChanged: listChanged}
		for _, root := range roots {
			c.roots.add(root.URI, root)
		}
	}
}

// WithPromptListWatcher sets the watcher notified when the server's prompt list changes.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the watcher notified when the server's resource list changes.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the watcher notified when a subscribed resource changes.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the watcher notified when the server's tool list changes.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the listener receiving progress notifications.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the receiver of the server's log messages.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientProtocolVersion sets the protocol version requested during the handshake.
func WithClientProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithClientRequestTimeout sets how long the client waits for the server to answer a request.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientInitTimeout sets how long Connect waits for the initialize response.
func WithClientInitTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.initTimeout = timeout
	}
}

// WithClientPingInterval makes the client ping the server periodically once connected. A failed ping
// is logged. Zero, the default, disables pings.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
// The client is not connected until Connect is called.
func NewClient(info Implementation, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:            info,
		transport:       transport,
		protocolVersion: LatestProtocolVersion,
		roots:           newRegistry[string, Root](),
		requestTimeout:  defaultClientRequestTimeout,
		initTimeout:     defaultClientInitTimeout,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With(
		slog.String("package", "go-mcp-runtime"),
		slog.String("component", "client"),
	)

	c.requestHandlers = make(map[string]requestHandler)
	if c.capabilities.Roots != nil {
		c.requestHandlers[MethodRootsList] = c.handleListRoots
	}
	if c.samplingHandler != nil {
		c.requestHandlers[MethodSamplingCreateMessage] = c.handleCreateMessage
	}
	c.notificationHandlers = map[string]notificationHandler{
		MethodNotificationsToolsListChanged:     c.handleToolsListChanged,
		MethodNotificationsResourcesListChanged: c.handleResourcesListChanged,
		MethodNotificationsPromptsListChanged:   c.handlePromptsListChanged,
		MethodNotificationsResourcesUpdated:     c.handleResourceUpdated,
		MethodNotificationsMessage:              c.handleLogMessage,
		MethodNotificationsProgress:             c.handleProgress,
	}

	return c
}

// Connect establishes a session with the server and performs the initialize handshake: it sends the
// initialize request, adopts the protocol version returned by the server and sends the initialized
// notification. The handshake is bounded by the init timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	conn, err := c.transport.Connect(ctx)
	if err != nil {
		c.mu.Unlock()
		return &TransportError{Op: "connect", Err: err}
	}
	sessID := conn.ID()
	if sessID == "" {
		sessID = uuid.New().String()
	}
	sess := newSession(sessID, conn, c.requestTimeout, c, c.logger)
	c.sess = sess
	c.mu.Unlock()

	go sess.run()

	sess.state.Store(stateInitializing)
	req := InitializeRequest{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	var result InitializeResult
	if err := sess.sendRequestTimeout(ctx, MethodInitialize, req, &result, c.initTimeout); err != nil {
		c.abortConnect(sess)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if result.ProtocolVersion != c.protocolVersion {
		c.logger.Warn("server proposed another protocol version",
			slog.String("requested", c.protocolVersion),
			slog.String("negotiated", result.ProtocolVersion))
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.negotiatedVersion = result.ProtocolVersion
	c.mu.Unlock()

	if err := sess.sendNotification(ctx, MethodNotificationsInitialized, nil); err != nil {
		c.abortConnect(sess)
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	sess.state.Store(stateInitialized)

	c.logger.Info("client initialized",
		slog.String("serverName", result.ServerInfo.Name),
		slog.String("serverVersion", result.ServerInfo.Version),
		slog.String("protocolVersion", result.ProtocolVersion))

	if c.pingInterval > 0 {
		go c.keepAlive(sess)
	}

	return nil
}

// abortConnect closes a session whose handshake failed, so that Connect can be retried.
func (c *Client) abortConnect(sess *session) {
	_ = sess.close()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
}

// Close closes the session immediately.
func (c *Client) Close() error {
	sess, err := c.session()
	if err != nil {
		return nil
	}
	return sess.close()
}

// CloseGracefully waits for running handlers, then closes the session.
func (c *Client) CloseGracefully(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return nil
	}
	return sess.closeGracefully(ctx)
}

// Done is closed when the session with the server ended.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sess == nil {
		return c.done
	}
	return c.sess.done
}

// ServerInfo returns the server implementation descriptor received during the handshake.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server declared during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverCapabilities
}

// Instructions returns the free-text instructions sent by the server.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.instructions
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.negotiatedVersion
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.sendRequest(ctx, MethodPing, nil, nil)
}

// ListTools lists the server's tools, starting at cursor when it is not empty.
func (c *Client) ListTools(ctx context.Context, cursor string) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Tools != nil }, "tools",
		MethodToolsList, cursorParams(cursor), &result)
	return result, err
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, req CallToolRequest) (CallToolResult, error) {
	var result CallToolResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Tools != nil }, "tools",
		MethodToolsCall, req, &result)
	return result, err
}

// ListResources lists the server's resources.
func (c *Client) ListResources(ctx context.Context, cursor string) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources",
		MethodResourcesList, cursorParams(cursor), &result)
	return result, err
}

// ListResourceTemplates lists the server's resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources",
		MethodResourcesTemplatesList, cursorParams(cursor), &result)
	return result, err
}

// ReadResource reads the resource at uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources",
		MethodResourcesRead, ReadResourceRequest{URI: uri}, &result)
	return result, err
}

// SubscribeResource asks the server to report changes of the resource at uri.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	return c.request(ctx, func(caps ServerCapabilities) bool {
		return caps.Resources != nil && caps.Resources.Subscribe
	}, "resource subscription", MethodResourcesSubscribe, SubscribeRequest{URI: uri}, nil)
}

// UnsubscribeResource cancels a subscription made with SubscribeResource.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	return c.request(ctx, func(caps ServerCapabilities) bool {
		return caps.Resources != nil && caps.Resources.Subscribe
	}, "resource subscription", MethodResourcesUnsubscribe, SubscribeRequest{URI: uri}, nil)
}

// ListPrompts lists the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Prompts != nil }, "prompts",
		MethodPromptsList, cursorParams(cursor), &result)
	return result, err
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, req GetPromptRequest) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Prompts != nil }, "prompts",
		MethodPromptsGet, req, &result)
	return result, err
}

// Complete asks the server for completion suggestions of a prompt or resource template argument.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	var result CompleteResult
	err := c.request(ctx, func(caps ServerCapabilities) bool { return caps.Completions != nil }, "completions",
		MethodCompletionComplete, req, &result)
	return result, err
}

// SetLogLevel sets the minimum level of the log messages the server sends to this client.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	return c.request(ctx, func(caps ServerCapabilities) bool { return caps.Logging != nil }, "logging",
		MethodLoggingSetLevel, SetLevelRequest{Level: level}, nil)
}

// AddRoot adds a root served to the server. It fails with a ValidationError if a root with the same
// URI exists.
func (c *Client) AddRoot(ctx context.Context, root Root) error {
	if c.capabilities.Roots == nil {
		return capabilityErrorf("client must be configured with roots capabilities")
	}
	if !c.roots.add(root.URI, root) {
		return validationErrorf("Root with URI '%s' already exists", root.URI)
	}
	return c.notifyRootsChanged(ctx)
}

// RemoveRoot removes the root with the given URI.
func (c *Client) RemoveRoot(ctx context.Context, uri string) error {
	if c.capabilities.Roots == nil {
		return capabilityErrorf("client must be configured with roots capabilities")
	}
	if !c.roots.remove(uri) {
		return validationErrorf("Root with URI '%s' not found", uri)
	}
	return c.notifyRootsChanged(ctx)
}

// RootsListChanged tells the server that the roots changed.
func (c *Client) RootsListChanged(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.sendNotification(ctx, MethodNotificationsRootsListChanged, nil)
}

func (c *Client) notifyRootsChanged(ctx context.Context) error {
	if !c.capabilities.Roots.ListChanged {
		return nil
	}
	// Roots may be edited before connecting, the server lists them during its first request.
	if _, err := c.session(); err != nil {
		return nil
	}
	return c.RootsListChanged(ctx)
}

func (c *Client) request(
	ctx context.Context,
	supported func(ServerCapabilities) bool,
	capability string,
	method string,
	params any,
	result any,
) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if !supported(c.ServerCapabilities()) {
		return capabilityErrorf("server does not provide %s capability", capability)
	}
	return sess.sendRequest(ctx, method, params, result)
}

// session returns the initialized session, or ErrClientNotInitialized.
func (c *Client) session() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sess == nil || !c.sess.initialized() {
		return nil, ErrClientNotInitialized
	}
	return c.sess, nil
}

func (c *Client) keepAlive(sess *session) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.sendRequest(context.Background(), MethodPing, nil, nil); err != nil {
				c.logger.Warn("failed to ping server", slog.String("err", err.Error()))
			}
		}
	}
}

func (c *Client) requestHandler(method string) (requestHandler, bool) {
	h, ok := c.requestHandlers[method]
	return h, ok
}

func (c *Client) notificationHandler(method string) (notificationHandler, bool) {
	h, ok := c.notificationHandlers[method]
	return h, ok
}

func (c *Client) handleListRoots(_ context.Context, params json.RawMessage) (any, error) {
	var req PaginatedRequest
	if err := c.convert(params, &req); err != nil {
		return nil, err
	}
	p, err := paginate(c.roots.values(), req.Cursor, 0)
	if err != nil {
		return nil, invalidParamsError(err)
	}
	return ListRootsResult{Roots: p.items, NextCursor: p.nextCursor}, nil
}

func (c *Client) handleCreateMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var req CreateMessageRequest
	if err := c.convert(params, &req); err != nil {
		return nil, err
	}
	return c.samplingHandler.CreateMessage(ctx, req)
}

func (c *Client) handleToolsListChanged(context.Context, json.RawMessage) error {
	if c.toolListWatcher != nil {
		c.toolListWatcher.OnToolListChanged()
	}
	return nil
}

func (c *Client) handleResourcesListChanged(context.Context, json.RawMessage) error {
	if c.resourceListWatcher != nil {
		c.resourceListWatcher.OnResourceListChanged()
	}
	return nil
}

func (c *Client) handlePromptsListChanged(context.Context, json.RawMessage) error {
	if c.promptListWatcher != nil {
		c.promptListWatcher.OnPromptListChanged()
	}
	return nil
}

func (c *Client) handleResourceUpdated(_ context.Context, params json.RawMessage) error {
	if c.resourceSubscribedWatcher == nil {
		return nil
	}
	var n ResourceUpdatedNotification
	if err := c.convert(params, &n); err != nil {
		return fmt.Errorf("failed to decode resource updated notification: %w", err)
	}
	c.resourceSubscribedWatcher.OnResourceSubscribedChanged(n.URI)
	return nil
}

func (c *Client) handleLogMessage(_ context.Context, params json.RawMessage) error {
	if c.logReceiver == nil {
		return nil
	}
	var n LoggingMessageNotification
	if err := c.convert(params, &n); err != nil {
		return fmt.Errorf("failed to decode log notification: %w", err)
	}
	c.logReceiver.OnLog(n)
	return nil
}

func (c *Client) handleProgress(_ context.Context, params json.RawMessage) error {
	if c.progressListener == nil {
		return nil
	}
	var n ProgressNotification
	if err := c.convert(params, &n); err != nil {
		return fmt.Errorf("failed to decode progress notification: %w", err)
	}
	c.progressListener.OnProgress(n)
	return nil
}

// convert decodes params with the value converter of the current session.
func (c *Client) convert(params json.RawMessage, target any) error {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()

	if sess == nil {
		if err := (jsonConverter{}).Convert(params, target); err != nil {
			return invalidParamsError(err)
		}
		return nil
	}
	return sess.convert(params, target)
}

func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return PaginatedRequest{Cursor: cursor}
}
