package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medasklabs/medask-go/internal/api"
	"github.com/medasklabs/medask-go/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Verbose {
				// the server logs requests at info
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.ListenAddr = addr
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			handler := api.New(a.detector, a.router, a.mode, cfg.Gate.Threshold)
			mux := http.NewServeMux()
			handler.Register(mux)

			srv := &http.Server{
				Addr:         cfg.Server.ListenAddr,
				Handler:      mux,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 300 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			// Graceful shutdown
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				sig := <-sigCh
				slog.Info("shutting down", "signal", sig)

				shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutCancel()

				if err := srv.Shutdown(shutCtx); err != nil {
					slog.Error("shutdown error", "err", err)
				}
			}()

			slog.Info("starting server",
				"addr", cfg.Server.ListenAddr,
				"backends", strings.Join(a.router.Backends(), " > "),
				"mode", cfg.Gate.Mode,
				"threshold", cfg.Gate.Threshold,
			)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config, e.g. :8080)")

	return cmd
}
