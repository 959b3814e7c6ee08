package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/logging"
	"github.com/pario-ai/conduit/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				cfg *config.Config
				mgr *config.Manager
				err error
			)
			if *configPath != "" {
				mgr, err = config.NewManager(*configPath, nil)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				defer mgr.Close()
				cfg = mgr.Get()
			} else {
				cfg = config.Default()
			}
			if listen != "" {
				cfg.Listen = listen
			}

			logger := logging.New(cfg.Log)
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if mgr != nil {
				mgr.OnChange(func(_, cur *config.Config) {
					a.orch.ApplyConfig(context.Background(), cur)
				})
				if err := mgr.Watch(ctx); err != nil {
					logger.Warn("config watch disabled", "error", err)
				}
			}

			a.orch.Start(ctx)
			srv := server.New(cfg.Listen, cfg.Auth.JWTSecret, a.orch, logger)
			logger.Info("starting conduit", "listen", cfg.Listen, "version", version,
				"providers", len(cfg.Providers), "auth", cfg.Auth.JWTSecret != "")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
