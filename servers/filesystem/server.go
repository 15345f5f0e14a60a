package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/TangGee/go-mcp-runtime"
)

// Server exposes the local filesystem through MCP tools and a file:// resource template. All
// operations are restricted to the allowed directories and their subdirectories.
//
// The allowed directories are set at construction. The file:// roots a client announces replace them,
// as long as they are existing directories.
type Server struct {
	logger *slog.Logger

	mu    sync.RWMutex
	roots []string
}

// Option configures a Server.
type Option func(*Server)

// FileTemplate is the URI template of the file resources.
const FileTemplate = "file://{+path}"

// Info is the implementation descriptor the filesystem server announces.
var Info = mcp.Implementation{Name: "filesystem", Version: "1.0"}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a filesystem server serving the given root directories.
//
// It returns an error if a root does not exist or is not a directory.
func NewServer(roots []string, options ...Option) (*Server, error) {
	s := &Server{logger: slog.Default()}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("server", "filesystem"))

	resolved, err := resolveRoots(roots)
	if err != nil {
		return nil, err
	}
	s.roots = resolved
	return s, nil
}

// Options returns the server options registering the tools, the file resource template and the roots
// change handler.
func (s *Server) Options() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithCapabilities(mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{},
			Resources: &mcp.ResourcesCapability{Subscribe: true, ListChanged: true},
		}),
		mcp.WithTools(s.tools()...),
		mcp.WithResources(mcp.ResourceSpec{
			Resource: mcp.Resource{
				URI:         FileTemplate,
				Name:        "File",
				Description: "A file under one of the allowed directories",
			},
			Handler: s.readFileResource,
		}),
		mcp.WithRootsChangeHandler(s.handleRootsChange),
	}
}

func (s *Server) allowedDirectories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.roots)
}

func (s *Server) readFileResource(
	_ context.Context,
	_ *mcp.Exchange,
	req mcp.ReadResourceRequest,
	vars map[string]string,
) (mcp.ReadResourceResult, error) {
	validPath, err := validatePath(vars["path"], s.allowedDirectories())
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	bs, err := os.ReadFile(validPath)
	if err != nil {
		return mcp.ReadResourceResult{}, fmt.Errorf("failed to read file %s: %w", vars["path"], err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(validPath))
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: req.URI, MimeType: mimeType, Text: string(bs)}},
	}, nil
}

func (s *Server) handleRootsChange(_ context.Context, ex *mcp.Exchange, roots []mcp.Root) error {
	var paths []string
	for _, root := range roots {
		if path, ok := strings.CutPrefix(root.URI, "file://"); ok {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	resolved, err := resolveRoots(paths)
	if err != nil {
		return fmt.Errorf("rejected client roots: %w", err)
	}

	s.mu.Lock()
	s.roots = resolved
	s.mu.Unlock()

	s.logger.Info("allowed directories replaced by client roots",
		slog.String("sessionID", ex.SessionID()),
		slog.String("roots", strings.Join(resolved, ", ")))
	return nil
}

func resolveRoots(roots []string) ([]string, error) {
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
		}
		realPath, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		info, err := os.Stat(realPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root directory is not a directory: %s", root)
		}
		resolved = append(resolved, realPath)
	}
	return resolved, nil
}

// fileURI returns the resource URI of the file at path.
func fileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}
