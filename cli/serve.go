/*
serve.go - HTTP server command

STARTUP SEQUENCE:
  1. Load configuration (flags, env, fieldcash.toml)
  2. Open the device and remote stores, assemble the runtime
  3. Cold start: recover interrupted items, roll the ledger, start the
     sync scheduler
  4. Serve the HTTP API

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and background loops
  4. Close the stores
*/
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/api"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync runtime and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, port)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port (overrides http.port)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, port string) error {
	s, err := openSession(opts, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if port == "" {
		port = s.cfg.HTTP.Port
	}
	log := s.logger

	if err := s.rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	handler := api.NewHandler(s.rt, log)
	server := &http.Server{
		Addr: ":" + port,
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: s.cfg.HTTP.CORSAllowOrigins,
			Logger:         log,
		}),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("owner_id", s.cfg.Session.OwnerID),
			zap.String("env", s.cfg.App.Env),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
