package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "outreach",
		Short:         "Workflow engine for business outreach campaigns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", "", "dotenv file to load (default: .env)")

	rootCmd.AddCommand(
		serveCmd(),
		validateCmd(),
		importCmd(),
		runCmd(),
		migrateCmd(),
		secretsCmd(),
		versionCmd(),
	)
	return rootCmd
}

// configFor loads the layered configuration, honouring --env-file.
func configFor(cmd *cobra.Command) (Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		return loadConfig(envFile)
	}
	return loadConfig()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if vacuum, _ := cmd.Flags().GetBool("vacuum"); vacuum {
				if err := st.Vacuum(cmd.Context()); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready at %s\n", cfg.DBPath)
			return nil
		},
	}
	cmd.Flags().Bool("vacuum", false, "compact the database after migrating")
	return cmd
}
