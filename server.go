package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that enables communication
// between LLM applications and external data sources and tools. It accepts connections from a
// ServerTransport, binds one ServerSession to each of them, and owns the registries of tools,
// resources, prompts and completion providers that its handlers serve.
//
// Registries can be mutated at runtime with the Add and Remove methods. When the matching capability
// declares listChanged, every connected session is notified of the change.
type Server struct {
	info             Implementation
	instructions     string
	capabilities     ServerCapabilities
	protocolVersions []string
	transport        ServerTransport

	requestTimeout time.Duration
	broadcastLimit int
	pageSize       int
	logger         *slog.Logger

	tools             *registry[string, ToolSpec]
	resources         *registry[string, ResourceSpec]
	resourceTemplates []ResourceTemplate
	prompts           *registry[string, PromptSpec]
	completions       *registry[CompleteReference, CompletionSpec]

	rootsChangeHandlers []RootsChangeHandler

	requestHandlers      map[string]serverRequestHandler
	notificationHandlers map[string]serverNotificationHandler

	sessions *sessionDirectory

	onClientConnected    func(string, Implementation)
	onClientDisconnected func(string)

	initTools       []ToolSpec
	initResources   []ResourceSpec
	initPrompts     []PromptSpec
	initCompletions []CompletionSpec
	optionErr       error

	sessionsWaitGroup sync.WaitGroup
	serveOnce         sync.Once
	shutdownOnce      sync.Once
}

type serverRequestHandler func(ctx context.Context, ss *ServerSession, ex *Exchange, params json.RawMessage) (
	any, error)

type serverNotificationHandler func(ctx context.Context, ex *Exchange, params json.RawMessage) error

var defaultProtocolVersions = []string{ProtocolVersion20241105, ProtocolVersion20250326}

// NewServer creates a new Model Context Protocol (MCP) server with the given configuration. The
// server's capabilities are the ones declared with WithCapabilities, completed by the capabilities
// implied by the registered features. It returns an error if an initial feature is invalid or
// registered twice.
func NewServer(info Implementation, transport ServerTransport, options ...ServerOption) (*Server, error) {
	s := &Server{
		info:             info,
		transport:        transport,
		protocolVersions: defaultProtocolVersions,
		logger:           slog.Default(),
		tools:            newRegistry[string, ToolSpec](),
		resources:        newRegistry[string, ResourceSpec](),
		prompts:          newRegistry[string, PromptSpec](),
		completions:      newRegistry[CompleteReference, CompletionSpec](),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.optionErr != nil {
		return nil, s.optionErr
	}

	if s.requestTimeout == 0 {
		s.requestTimeout = 10 * time.Second
	}
	if s.broadcastLimit == 0 {
		s.broadcastLimit = 16
	}
	if len(s.protocolVersions) == 0 {
		return nil, errors.New("server must support at least one protocol version")
	}

	if len(s.initTools) > 0 && s.capabilities.Tools == nil {
		s.capabilities.Tools = &ToolsCapability{}
	}
	if (len(s.initResources) > 0 || len(s.resourceTemplates) > 0) && s.capabilities.Resources == nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}
	if len(s.initPrompts) > 0 && s.capabilities.Prompts == nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if len(s.initCompletions) > 0 && s.capabilities.Completions == nil {
		s.capabilities.Completions = &CompletionsCapability{}
	}

	s.logger = s.logger.With(
		slog.String("package", "go-mcp-runtime"),
		slog.String("component", "server"),
	)
	s.sessions = newSessionDirectory(s.broadcastLimit, s.logger)

	for _, t := range s.initTools {
		if err := s.addTool(t); err != nil {
			return nil, err
		}
	}
	for _, r := range s.initResources {
		if err := s.addResource(r); err != nil {
			return nil, err
		}
	}
	for _, p := range s.initPrompts {
		if err := s.addPrompt(p); err != nil {
			return nil, err
		}
	}
	for _, c := range s.initCompletions {
		if err := s.addCompletion(c); err != nil {
			return nil, err
		}
	}

	s.requestHandlers, s.notificationHandlers = s.handlerTables()

	return s, nil
}

// WithCapabilities declares the server capabilities. Declaring a capability with listChanged enables
// list-changed notifications for it.
func WithCapabilities(caps ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = caps
	}
}

// WithTools registers the initial tools.
func WithTools(tools ...ToolSpec) ServerOption {
	return func(s *Server) {
		s.initTools = append(s.initTools, tools...)
	}
}

// WithResources registers the initial resources.
func WithResources(resources ...ResourceSpec) ServerOption {
	return func(s *Server) {
		s.initResources = append(s.initResources, resources...)
	}
}

// WithResourceTemplates registers resource templates that are listed to clients. Templates listed
// this way are descriptive only, reads are served by resources registered with a template URI.
func WithResourceTemplates(templates ...ResourceTemplate) ServerOption {
	return func(s *Server) {
		s.resourceTemplates = append(s.resourceTemplates, templates...)
	}
}

// WithPrompts registers the initial prompts.
func WithPrompts(prompts ...PromptSpec) ServerOption {
	return func(s *Server) {
		s.initPrompts = append(s.initPrompts, prompts...)
	}
}

// WithCompletions registers the initial completion providers.
func WithCompletions(completions ...CompletionSpec) ServerOption {
	return func(s *Server) {
		s.initCompletions = append(s.initCompletions, completions...)
	}
}

// WithRootsChangeHandler adds a handler called with the client's roots whenever a client announces
// that its roots changed.
func WithRootsChangeHandler(handler RootsChangeHandler) ServerOption {
	return func(s *Server) {
		s.rootsChangeHandlers = append(s.rootsChangeHandlers, handler)
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithProtocolVersions sets the supported protocol versions, ordered from oldest to newest. A client
// asking for an unsupported version is offered the last one.
func WithProtocolVersions(versions ...string) ServerOption {
	return func(s *Server) {
		s.protocolVersions = versions
	}
}

// WithServerRequestTimeout sets how long the server waits for the client to answer its requests.
func WithServerRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithBroadcastLimit bounds the number of sessions notified concurrently by a broadcast.
func WithBroadcastLimit(limit int) ServerOption {
	return func(s *Server) {
		s.broadcastLimit = limit
	}
}

// WithPageSize makes list requests paginated with the given page size. Zero, the default, returns
// every entry at once.
func WithPageSize(size int) ServerOption {
	return func(s *Server) {
		if size < 0 {
			s.optionErr = fmt.Errorf("page size must not be negative, got %d", size)
			return
		}
		s.pageSize = size
	}
}

// WithServerOnClientConnected sets the callback for when a client completed the handshake.
// The callback's parameter is the ID and Implementation of the client.
func WithServerOnClientConnected(onClientConnected func(string, Implementation)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Serve accepts connections from the transport until it stops yielding them, running one session per
// connection. It blocks until the transport iteration ends, then waits for the running sessions.
// Serve may only be called once.
func (s *Server) Serve() error {
	served := false
	s.serveOnce.Do(func() { served = true })
	if !served {
		return errors.New("server is already serving")
	}

	for conn := range s.transport.Conns() {
		ss := newServerSession(s, conn)
		s.sessions.add(ss)
		s.logger.Info("session accepted", slog.String("sessionID", ss.ID()))

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.sess.run()

			s.sessions.remove(ss.ID())
			s.logger.Info("session closed", slog.String("sessionID", ss.ID()))
			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.ID())
			}
		}()
	}

	s.sessionsWaitGroup.Wait()
	return nil
}

// Shutdown gracefully closes every session, then shuts the transport down. The context bounds the
// whole procedure.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if cErr := s.sessions.closeAll(ctx); cErr != nil {
			s.logger.Warn("failed to close sessions gracefully", slog.String("err", cErr.Error()))
		}
		if tErr := s.transport.Shutdown(ctx); tErr != nil {
			err = fmt.Errorf("failed to shutdown transport: %w", tErr)
		}
	})
	return err
}

// Capabilities returns the declared server capabilities.
func (s *Server) Capabilities() ServerCapabilities { return s.capabilities }

// Info returns the server implementation descriptor.
func (s *Server) Info() Implementation { return s.info }

// Session returns the live session with the given id.
func (s *Server) Session(id string) (*ServerSession, bool) { return s.sessions.get(id) }

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int { return s.sessions.len() }

// AddTool registers a tool. It fails with a CapabilityError when the server has no tools
// capability, and with a ValidationError when a tool with the same name exists.
func (s *Server) AddTool(ctx context.Context, spec ToolSpec) error {
	if err := s.addTool(spec); err != nil {
		return err
	}
	s.logger.Debug("added tool", slog.String("name", spec.Tool.Name))
	if s.capabilities.Tools.ListChanged {
		s.NotifyToolsListChanged(ctx)
	}
	return nil
}

// RemoveTool unregisters the tool with the given name.
func (s *Server) RemoveTool(ctx context.Context, name string) error {
	if s.capabilities.Tools == nil {
		return capabilityErrorf("server must be configured with tool capabilities")
	}
	if !s.tools.remove(name) {
		return validationErrorf("Tool with name '%s' not found", name)
	}
	s.logger.Debug("removed tool", slog.String("name", name))
	if s.capabilities.Tools.ListChanged {
		s.NotifyToolsListChanged(ctx)
	}
	return nil
}

// ListTools returns the registered tools in registration order.
func (s *Server) ListTools() []Tool {
	specs := s.tools.values()
	tools := make([]Tool, len(specs))
	for i, spec := range specs {
		tools[i] = spec.Tool
	}
	return tools
}

// NotifyToolsListChanged tells every connected client that the tool list changed.
func (s *Server) NotifyToolsListChanged(ctx context.Context) {
	s.sessions.broadcast(ctx, MethodNotificationsToolsListChanged, nil, nil)
}

// AddResource registers a resource. A URI containing a template placeholder makes the resource a
// template that serves every matching URI.
func (s *Server) AddResource(ctx context.Context, spec ResourceSpec) error {
	if err := s.addResource(spec); err != nil {
		return err
	}
	s.logger.Debug("added resource", slog.String("uri", spec.Resource.URI))
	if s.capabilities.Resources.ListChanged {
		s.NotifyResourcesListChanged(ctx)
	}
	return nil
}

// RemoveResource unregisters the resource with the given URI.
func (s *Server) RemoveResource(ctx context.Context, uri string) error {
	if s.capabilities.Resources == nil {
		return capabilityErrorf("server must be configured with resource capabilities")
	}
	if !s.resources.remove(uri) {
		return validationErrorf("Resource with URI '%s' not found", uri)
	}
	s.logger.Debug("removed resource", slog.String("uri", uri))
	if s.capabilities.Resources.ListChanged {
		s.NotifyResourcesListChanged(ctx)
	}
	return nil
}

// ListResources returns the registered resources in registration order.
func (s *Server) ListResources() []Resource {
	specs := s.resources.values()
	resources := make([]Resource, len(specs))
	for i, spec := range specs {
		resources[i] = spec.Resource
	}
	return resources
}

// ListResourceTemplates returns the configured templates followed by every registered resource whose
// URI is a template.
func (s *Server) ListResourceTemplates() []ResourceTemplate {
	templates := slices.Clone(s.resourceTemplates)
	for _, spec := range s.resources.values() {
		if spec.template != nil {
			templates = append(templates, spec.asTemplate())
		}
	}
	return templates
}

// NotifyResourcesListChanged tells every connected client that the resource list changed.
func (s *Server) NotifyResourcesListChanged(ctx context.Context) {
	s.sessions.broadcast(ctx, MethodNotificationsResourcesListChanged, nil, nil)
}

// NotifyResourceUpdated tells the clients subscribed to uri that the resource changed.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) {
	s.sessions.broadcast(ctx, MethodNotificationsResourcesUpdated, ResourceUpdatedNotification{URI: uri},
		func(ss *ServerSession) bool { return ss.subscribed(uri) })
}

// AddPrompt registers a prompt.
func (s *Server) AddPrompt(ctx context.Context, spec PromptSpec) error {
	if err := s.addPrompt(spec); err != nil {
		return err
	}
	s.logger.Debug("added prompt", slog.String("name", spec.Prompt.Name))
	if s.capabilities.Prompts.ListChanged {
		s.NotifyPromptsListChanged(ctx)
	}
	return nil
}

// RemovePrompt unregisters the prompt with the given name.
func (s *Server) RemovePrompt(ctx context.Context, name string) error {
	if s.capabilities.Prompts == nil {
		return capabilityErrorf("server must be configured with prompt capabilities")
	}
	if !s.prompts.remove(name) {
		return validationErrorf("Prompt with name '%s' not found", name)
	}
	s.logger.Debug("removed prompt", slog.String("name", name))
	if s.capabilities.Prompts.ListChanged {
		s.NotifyPromptsListChanged(ctx)
	}
	return nil
}

// ListPrompts returns the registered prompts in registration order.
func (s *Server) ListPrompts() []Prompt {
	specs := s.prompts.values()
	prompts := make([]Prompt, len(specs))
	for i, spec := range specs {
		prompts[i] = spec.Prompt
	}
	return prompts
}

// NotifyPromptsListChanged tells every connected client that the prompt list changed.
func (s *Server) NotifyPromptsListChanged(ctx context.Context) {
	s.sessions.broadcast(ctx, MethodNotificationsPromptsListChanged, nil, nil)
}

// AddCompletion registers a completion provider for a prompt or resource template.
func (s *Server) AddCompletion(_ context.Context, spec CompletionSpec) error {
	return s.addCompletion(spec)
}

// RemoveCompletion unregisters the completion provider for ref.
func (s *Server) RemoveCompletion(_ context.Context, ref CompleteReference) error {
	if s.capabilities.Completions == nil {
		return capabilityErrorf("server must be configured with completion capabilities")
	}
	if !s.completions.remove(ref.key()) {
		return validationErrorf("Completion for '%s' not found", ref)
	}
	return nil
}

func (s *Server) addTool(spec ToolSpec) error {
	if s.capabilities.Tools == nil {
		return capabilityErrorf("server must be configured with tool capabilities")
	}
	if err := spec.validate(); err != nil {
		return err
	}
	if !s.tools.add(spec.Tool.Name, spec) {
		return validationErrorf("Tool with name '%s' already exists", spec.Tool.Name)
	}
	return nil
}

func (s *Server) addResource(spec ResourceSpec) error {
	if s.capabilities.Resources == nil {
		return capabilityErrorf("server must be configured with resource capabilities")
	}
	if err := spec.compile(); err != nil {
		return err
	}
	if !s.resources.add(spec.Resource.URI, spec) {
		return validationErrorf("Resource with URI '%s' already exists", spec.Resource.URI)
	}
	return nil
}

func (s *Server) addPrompt(spec PromptSpec) error {
	if s.capabilities.Prompts == nil {
		return capabilityErrorf("server must be configured with prompt capabilities")
	}
	if err := spec.validate(); err != nil {
		return err
	}
	if !s.prompts.add(spec.Prompt.Name, spec) {
		return validationErrorf("Prompt with name '%s' already exists", spec.Prompt.Name)
	}
	return nil
}

func (s *Server) addCompletion(spec CompletionSpec) error {
	if s.capabilities.Completions == nil {
		return capabilityErrorf("server must be configured with completion capabilities")
	}
	if err := spec.validate(); err != nil {
		return err
	}
	if !s.completions.add(spec.Ref.key(), spec) {
		return validationErrorf("Completion for '%s' already exists", spec.Ref)
	}
	return nil
}

// negotiateProtocolVersion echoes a supported requested version and otherwise proposes the newest
// supported one.
func (s *Server) negotiateProtocolVersion(requested string) string {
	if slices.Contains(s.protocolVersions, requested) {
		return requested
	}
	return s.protocolVersions[len(s.protocolVersions)-1]
}
