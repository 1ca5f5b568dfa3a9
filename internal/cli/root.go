// Package cli implements the medask command tree.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.2.0"

type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

// Execute builds the root command tree and runs the CLI.
func Execute() error {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "medask",
		Short:         "Ask healthcare questions through a redaction gate and grounded answer backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate("medask version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config YAML (optional, env vars override)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Log debug detail to stderr")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// One-shot commands stay quiet unless asked; serve raises this to info.
		level := slog.LevelWarn
		if opts.Verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	rootCmd.AddCommand(
		newAskCmd(opts),
		newChatCmd(opts),
		newServeCmd(opts),
		newDoctorCmd(opts),
		newSessionsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
