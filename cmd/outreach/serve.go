package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/outreach/pkg/mcp"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: queue, workers and trigger scheduler",
		Long: "Run the engine until interrupted. With --mcp the tools are served over\n" +
			"stdio and logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// stdout belongs to the MCP transport.
			a, err := buildApp(ctx, cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.service.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("outreach engine started",
				slog.String("db_path", cfg.DBPath),
				slog.Int("workers", cfg.Workers),
				slog.String("version", version))

			if withMCP, _ := cmd.Flags().GetBool("mcp"); withMCP {
				srv := mcp.NewOutreachServer(mcp.OutreachServerDeps{Engine: a.service, Logger: a.logger})
				go mcp.Forward(ctx, a.bus, srv.Notifier(), a.logger)
				err := srv.Serve(ctx)
				a.logger.Info("outreach engine stopping")
				return err
			}

			<-ctx.Done()
			a.logger.Info("outreach engine stopping")
			return nil
		},
	}
	cmd.Flags().Bool("mcp", false, "serve MCP tools over stdio")
	return cmd
}
