package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/TangGee/go-mcp-runtime"
	"github.com/TangGee/go-mcp-runtime/servers/everything"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the everything server over stdio, SSE or WebSocket",
		Example: `  everything serve
  everything serve --transport sse --addr :8080 --base-url http://localhost:8080
  everything serve --transport websocket --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.applyFlags(cmd); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("transport", "stdio", "transport to serve: stdio, sse or websocket")
	cmd.Flags().String("addr", ":8080", "listen address of the sse and websocket transports")
	cmd.Flags().String("base-url", "http://localhost:8080", "public base URL announced by the sse transport")
	cmd.Flags().Duration("update-interval", 30*time.Second, "interval of the simulated resource updates")
	return cmd
}

func serve(ctx context.Context, cfg config) error {
	logger, err := cfg.logger()
	if err != nil {
		return err
	}

	var (
		transport mcp.ServerTransport
		handler   http.Handler
	)
	// Serving stops when the stdio client closes its end of the pipe.
	stdinClosed := make(chan struct{})

	switch cfg.Transport {
	case "stdio":
		transport = mcp.NewStdIO(&eofNotifier{r: os.Stdin, eof: stdinClosed}, os.Stdout,
			mcp.WithStdIOLogger(logger))
	case "sse":
		sse := mcp.NewSSEServer(cfg.BaseURL+"/message", mcp.WithSSEServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/sse", sse.HandleSSE())
		mux.Handle("/message", sse.HandleMessage())
		transport, handler = sse, mux
	case "websocket":
		ws := mcp.NewWebSocketServer(
			mcp.WithWebSocketOriginPatterns(cfg.originPatterns()...),
			mcp.WithWebSocketServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/ws", ws)
		transport, handler = ws, mux
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	ev := everything.New(everything.WithLogger(logger), everything.WithUpdateInterval(cfg.UpdateInterval))
	srv, err := mcp.NewServer(everything.Info, transport, append(ev.Options(), mcp.WithServerLogger(logger))...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	ev.Start(srv)

	serveErrs := make(chan error, 2)
	go func() {
		serveErrs <- srv.Serve()
	}()

	var httpSrv *http.Server
	if handler != nil {
		httpSrv = &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("listening", slog.String("addr", cfg.Addr), slog.String("transport", cfg.Transport))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrs <- fmt.Errorf("http server failed: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-stdinClosed:
		logger.Info("stdin closed, shutting down")
	case err := <-serveErrs:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}
	if err := ev.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop simulation: %w", err))
	}
	return errors.Join(errs...)
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
