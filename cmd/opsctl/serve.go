package main

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
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opsline/internal/app"
	"opsline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowDevHeaders bool
	var maintenanceInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with detector scheduling, expiry sweeps and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s, err := openStack(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()
			logger := s.Logger

			authCfg := server.AuthConfig{
				JWTSecret:       jwtSecret(cmd),
				AllowDevHeaders: allowDevHeaders,
				Logger:          logger,
			}
			if authCfg.JWTSecret == "" && !allowDevHeaders {
				return fmt.Errorf("OPSLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   s.Engine,
				Runner:   s.Runner,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			maintenance := &app.Maintenance{Engine: s.Engine, Runner: s.Runner, Logger: logger, Interval: maintenanceInterval}
			hooks := &server.WebhookDispatcher{Engine: s.Engine, Logger: logger, Client: &http.Client{}}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				maintenance.Run(gctx)
				return nil
			})
			g.Go(func() error {
				hooks.Run(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Opsline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				stop()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowDevHeaders, "dev-headers", false, "accept X-Tenant-Id/X-Actor-Id without a token (local only)")
	cmd.Flags().DurationVar(&maintenanceInterval, "maintenance-interval", time.Minute, "tick of the expiry sweep and rescan loop")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (default $OPSLINE_JWT_SECRET)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for the resolved tenant and actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := jwtSecret(cmd)
			tenantID := viper.GetString("tenant")
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			token, err := server.SignToken(secret, tenantID, actorID(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (default $OPSLINE_JWT_SECRET)")
	return cmd
}

// jwtSecret prefers the command flag over OPSLINE_JWT_SECRET.
func jwtSecret(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("jwt-secret"); v != "" {
		return v
	}
	return viper.GetString("jwt-secret")
}
