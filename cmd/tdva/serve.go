package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"tdva/internal/app"
	"tdva/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local deployment API",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: jwtSecret(), Disabled: noAuth}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("TDVA_JWT_SECRET is required for bearer auth (run tdva init or pass --no-auth)")
			}
			metrics := server.NewMetrics()
			return withAppOptions(cmd.Context(), app.Options{Metrics: metrics}, func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					App:        a,
					BasePath:   basePath,
					Auth:       authCfg,
					Metrics:    metrics,
					RunContext: ctx,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving TD Value Accelerator API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				if noAuth {
					fmt.Println("Warning: authentication is disabled.")
				}
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable bearer authentication")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "API access tokens"}
	var subject string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := jwtSecret()
			if secret == "" {
				return fmt.Errorf("TDVA_JWT_SECRET is not set; run tdva init")
			}
			tok, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "operator", "token subject")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.AddCommand(issue)
	return cmd
}
