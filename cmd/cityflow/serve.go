package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cityflow/internal/app"
	"cityflow/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath  string
		devLogin        bool
		legacyActor     bool
		tickInterval    time.Duration
		insightInterval time.Duration
		tokenTTL        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the schedule ticker, relay and broker intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withSession(ctx, func(ctx context.Context, s *app.Session) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: legacyActor,
					EnableDevLogin:         devLogin,
					TokenTTL:               tokenTTL,
					Logger:                 s.Logger.With("component", "auth"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CITYFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: s.Engine, BasePath: basePath, Auth: authCfg, Gatherer: s.Registry})
				if err != nil {
					return err
				}

				var wg sync.WaitGroup
				background := func(name string, run func(context.Context) error) {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							s.Logger.Error("background worker stopped", "worker", name, "err", err)
						}
					}()
				}
				background("ticker", func(ctx context.Context) error {
					return app.RunTicks(ctx, s.Engine, tickInterval, s.Logger.With("component", "ticker"))
				})
				if p := s.InsightProvider(); p != nil {
					background("insight", func(ctx context.Context) error {
						return app.PollInsight(ctx, s.Engine, p, insightInterval, s.Logger.With("component", "insight"))
					})
				}
				d, err := s.Relay()
				if err != nil {
					return err
				}
				if d != nil {
					background("relay", d.Run)
				}
				consumer, err := s.Intake()
				if err != nil {
					return err
				}
				if consumer != nil {
					background("intake", consumer.Run)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				s.Logger.Info("serving", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving Cityflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				err = srv.ListenAndServe()
				stop()
				wg.Wait()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyActor, "legacy-actor-header", false, "accept X-Actor-Id without a token")
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", time.Minute, "how often schedule rules are evaluated")
	cmd.Flags().DurationVar(&insightInterval, "insight-interval", 15*time.Minute, "how often the insight service is polled")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", time.Hour, "lifetime of dev-login tokens")
	return cmd
}
