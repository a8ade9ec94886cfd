package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the local API",
		Long: `Run the periodic sync loop while signed in, and serve the REST API and
the /ws event socket on server.addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return a.serve(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

// serve runs the scheduler and the HTTP server on ln until ctx is done.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	if _, err := a.queue.PruneBlobs(ctx); err != nil {
		logging.Warn("blob prune failed", map[string]interface{}{
			"component": "server",
			"error":     err.Error(),
		})
	}

	// Starting offline is allowed.
	if err := a.ping(ctx); err != nil {
		logging.Warn("remote store unreachable at startup", map[string]interface{}{
			"component": "server",
			"provider":  a.cfg.Remote.Provider,
			"code":      apperrors.CodeOf(err),
			"error":     err.Error(),
		})
	}

	hub := NewWSHub()
	defer hub.Stop()

	events, unsubscribe := a.coord.Subscribe(wsSendBuffer)
	defer unsubscribe()
	go hub.Forward(events)

	srv := &http.Server{
		Handler:           a.handler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.sched.Start(ctx)
	defer a.sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logging.Info("recipesyncd listening", map[string]interface{}{
		"component": "server",
		"addr":      ln.Addr().String(),
		"provider":  a.cfg.Remote.Provider,
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logging.Info("recipesyncd stopped", map[string]interface{}{
		"component": "server",
	})
	return nil
}
