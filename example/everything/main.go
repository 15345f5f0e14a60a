package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "everything",
		Short: "Serve or probe the everything MCP server",
		Long: `everything runs an MCP server that exercises every feature of the protocol:
tools with progress and sampling, paginated and templated resources with
subscriptions, prompts with completions, and logging.

Configuration is read from EVERYTHING_* environment variables, then from the
YAML file given with --config, then from the command line flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(&configPath), newProbeCmd(&configPath))
	return root
}
