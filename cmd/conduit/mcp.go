package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/logging"
	"github.com/pario-ai/conduit/pkg/mcp"
	"github.com/pario-ai/conduit/pkg/server"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the admin tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log)

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var auditor mcp.AuditSearcher
			if a.audit != nil {
				auditor = a.audit
			}
			return mcp.New(a.orch, auditor, version, logger).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		secret string
		user   string
		admin  bool
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token TENANT",
		Short: "Mint a bearer token for the HTTP API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			var tenant string
			if len(args) == 1 {
				tenant = args[0]
			}

			tok, err := server.GenerateToken(secret, tenant, user, admin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default auth.jwt_secret from config)")
	cmd.Flags().StringVar(&user, "user", "", "user ID claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin routes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
