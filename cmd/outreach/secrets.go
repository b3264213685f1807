package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage per-user provider credentials",
	}
	cmd.AddCommand(secretsSetCmd())
	return cmd
}

func secretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <user> <provider> key=value...",
		Short: "Replace the credentials of a user for a provider",
		Example: "  outreach secrets set user-1 email host=smtp.example.com port=587 username=me password=...\n" +
			"  outreach secrets set user-1 gemini apiKey=...",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parsePairs(args[2:])
			if err != nil {
				return err
			}
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			if cfg.VaultPassphrase == "" {
				return fmt.Errorf("vault_passphrase is not configured")
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			creds, err := openCredentials(cfg, st)
			if err != nil {
				return err
			}
			if err := creds.Set(cmd.Context(), args[0], args[1], values); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d %s credential(s) for %s\n", len(values), args[1], args[0])
			return nil
		},
	}
}

func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
