package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultServeAddress = ":8080"

func newServeCmd() *cobra.Command {
	var (
		address string
		token   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the promoter HTTP API",
		Long: `Start the HTTP API used to trigger runs, deliver approval decisions and
inspect runs and the version ledger.

The server can be configured via:
  - Command-line flags (--address, --token)
  - Configuration file (server section)
  - Environment variables (PROMOTER_SERVER_TOKEN)

Examples:
  # Start on the default address
  promoter serve

  # Start on a specific address with a bearer token
  promoter serve --address localhost:9000 --token "$PROMOTER_SERVER_TOKEN"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if address != "" {
				cfg.Server.Address = address
			}
			if cfg.Server.Address == "" {
				cfg.Server.Address = defaultServeAddress
			}
			if token != "" {
				cfg.Server.Token = token
			}

			c, err := newContainer(ctx)
			if err != nil {
				return err
			}
			defer closeContainer(c)
			srv := c.Server()

			display := resolveDisplayAddress(srv.Address())
			fmt.Fprintf(out, "Starting promoter API on %s\n", srv.Address())
			fmt.Fprintf(out, "Press Ctrl+C to stop\n\n")
			if cfg.Server.Token == "" {
				printWarning(out, "Authentication is disabled. Not recommended for production.")
			}
			fmt.Fprintf(out, "\nAPI endpoints:\n")
			fmt.Fprintf(out, "  Health:     http://%s/health\n", display)
			fmt.Fprintf(out, "  Metrics:    http://%s/metrics\n", display)
			fmt.Fprintf(out, "  API:        http://%s/api/v1/\n", display)
			fmt.Fprintf(out, "  Events:     ws://%s/api/v1/events\n\n", display)

			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("server error: %w", err)
			}

			fmt.Fprintln(out, "\nServer stopped gracefully")
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to listen on (default: server.address or :8080)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token required on API routes")
	return cmd
}

// resolveDisplayAddress converts ":8080" to "localhost:8080" for display.
func resolveDisplayAddress(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
