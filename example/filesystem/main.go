package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/TangGee/go-mcp-runtime/servers/filesystem"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
)

type config struct {
	LogLevel string `env:"FILESYSTEM_LOG_LEVEL,default=info"`
	Watch    bool   `env:"FILESYSTEM_WATCH,default=true"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config

	cmd := &cobra.Command{
		Use:   "filesystem <directory>...",
		Short: "Serve the given directories to an MCP client over stdio",
		Long: `filesystem serves the given directories through MCP tools and file:// resources
over stdin and stdout. Every operation is restricted to these directories,
unless the client announces its own file:// roots, which then replace them.

FILESYSTEM_LOG_LEVEL and FILESYSTEM_WATCH provide the defaults of the flags.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			env := cfg
			if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
				return fmt.Errorf("failed to decode environment: %w", err)
			}
			if !cmd.Flags().Changed("log-level") {
				cfg.LogLevel = env.LogLevel
			}
			if !cmd.Flags().Changed("watch") {
				cfg.Watch = env.Watch
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, args)
		},
	}
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&cfg.Watch, "watch", true, "send resource notifications when files change")
	return cmd
}

func serve(ctx context.Context, cfg config, dirs []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fs, err := filesystem.NewServer(dirs, filesystem.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create filesystem server: %w", err)
	}

	stdinClosed := make(chan struct{})
	transport := mcp.NewStdIO(&eofNotifier{r: os.Stdin, eof: stdinClosed}, os.Stdout, mcp.WithStdIOLogger(logger))
	srv, err := mcp.NewServer(filesystem.Info, transport, append(fs.Options(), mcp.WithServerLogger(logger))...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Watch {
		go func() {
			if err := fs.Watch(ctx, srv); err != nil {
				logger.Error("watcher stopped", slog.String("err", err.Error()))
			}
		}()
	}
	go func() {
		_ = srv.Serve()
	}()

	select {
	case <-ctx.Done():
	case <-stdinClosed:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// eofNotifier closes eof once the wrapped reader reports io.EOF.
type eofNotifier struct {
	r    io.Reader
	eof  chan struct{}
	once sync.Once
}

func (e *eofNotifier) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		e.once.Do(func() { close(e.eof) })
	}
	return n, err
}
