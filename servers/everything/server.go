package everything

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TangGee/go-mcp-runtime"
)

// Server bundles a comprehensive set of tools, resources, prompts and completions that exercise
// every feature of the protocol. It is primarily meant for testing MCP client implementations.
//
// The features are registered on an mcp.Server through Options. Start then binds the server and
// periodically tells subscribed clients that the static resources changed, and sends every connected
// client a log message of a random level.
type Server struct {
	logger         *slog.Logger
	updateInterval time.Duration

	srv atomic.Pointer[mcp.Server]

	mu          sync.Mutex
	sessions    []string
	dynamicTool bool

	done   chan struct{}
	closed chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// Info is the implementation descriptor the everything server announces.
var Info = mcp.Implementation{Name: "everything", Version: "1.0"}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithUpdateInterval sets how often resource updates and log messages are simulated.
func WithUpdateInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.updateInterval = interval
	}
}

// New creates the everything server. Callers must call Close when finished to stop the background
// simulation.
func New(options ...Option) *Server {
	s := &Server{
		logger:         slog.Default(),
		updateInterval: 30 * time.Second,
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("server", "everything"))
	return s
}

// Options returns the server options registering every feature of the everything server.
func (s *Server) Options() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithCapabilities(mcp.ServerCapabilities{
			Tools:       &mcp.ToolsCapability{ListChanged: true},
			Resources:   &mcp.ResourcesCapability{Subscribe: true, ListChanged: true},
			Prompts:     &mcp.PromptsCapability{ListChanged: true},
			Logging:     &mcp.LoggingCapability{},
			Completions: &mcp.CompletionsCapability{},
		}),
		mcp.WithInstructions("A test server exercising every MCP feature."),
		mcp.WithTools(s.tools()...),
		mcp.WithResources(s.resources()...),
		mcp.WithPrompts(s.prompts()...),
		mcp.WithCompletions(s.completions()...),
		mcp.WithPageSize(pageSize),
		mcp.WithServerOnClientConnected(s.clientConnected),
		mcp.WithServerOnClientDisconnected(s.clientDisconnected),
	}
}

// Start binds srv, which must have been created with Options, and starts the background simulation.
// It panics when called twice.
func (s *Server) Start(srv *mcp.Server) {
	if !s.srv.CompareAndSwap(nil, srv) {
		panic("everything: server already started")
	}
	go s.simulate(srv)
}

// Close stops the background simulation, and waits for it to return when the server was started.
func (s *Server) Close(ctx context.Context) error {
	close(s.done)
	if s.srv.Load() == nil {
		return nil
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) simulate(srv *mcp.Server) {
	defer close(s.closed)

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.updateInterval)
		for i := range resourceCount {
			srv.NotifyResourceUpdated(ctx, staticResourceURI(i+1))
		}
		s.simulateLogging(ctx, srv)
		cancel()
		s.logger.Debug("simulated resource updates", slog.Int("resources", resourceCount))
	}
}

func (s *Server) clientConnected(id string, info mcp.Implementation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, id)
	s.logger.Info("client connected", slog.String("sessionID", id), slog.String("client", info.Name))
}

func (s *Server) clientDisconnected(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = slices.DeleteFunc(s.sessions, func(sessionID string) bool { return sessionID == id })
	s.logger.Info("client disconnected", slog.String("sessionID", id))
}

func (s *Server) connectedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}
