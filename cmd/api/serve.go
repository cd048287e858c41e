package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"

	"crportal/api/internal/app"
	"crportal/api/internal/kv"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, ctx, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.cfg.Addr
			}

			rt.service.Bootstrap(ctx, rt.log)

			// Counters live next to the data when the store is shared.
			var limiterStore limiter.Store
			if redisStore, ok := rt.backend.(*kv.RedisStore); ok {
				limiterStore, err = app.RedisLimiterStore(redisStore.Client())
				if err != nil {
					rt.log.WithError(err).Warn("falling back to in-memory rate limiting")
					limiterStore = nil
				}
			}
			loginLimiter, err := app.NewLoginLimiter(rt.cfg.LoginRateLimit, limiterStore)
			if err != nil {
				return err
			}

			httpServer := app.NewHTTPServer(rt.service, rt.cfg.CORSOrigin,
				app.WithLogger(rt.log),
				app.WithLoginLimiter(loginLimiter),
			)
			server := &http.Server{
				Addr:              addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.log.WithField("addr", addr).Info("CR portal API listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				rt.log.WithError(err).Warn("shutdown error")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default API_ADDR)")
	return cmd
}
