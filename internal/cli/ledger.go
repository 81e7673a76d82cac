package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

func newLedgerCmd() *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the release deployed on every pair",
		Long: `List the version ledger: the release last deployed on each
(application, target) pair.

With --history app@target the accepted writes of one pair are listed,
which requires the sqlite ledger backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := newContainer(ctx)
			if err != nil {
				return err
			}
			defer closeContainer(c)

			if history != "" {
				key, err := parsePairKey(history)
				if err != nil {
					return err
				}
				h := c.History()
				if h == nil {
					return fmt.Errorf("ledger history requires the sqlite backend, configured backend is %q", cfg.Ledger.Backend)
				}
				entries, err := h.History(ctx, key)
				if err != nil {
					return err
				}
				if isJSONOutput() {
					return writeJSON(out, entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					prior := e.PriorTag
					if prior == "" {
						prior = "-"
					}
					rows = append(rows, []string{prior, e.ReleaseTag, e.RunID, e.DeployedAt.Format(time.RFC3339)})
				}
				printTitle(out, "History of "+key.String())
				renderTable(out, []string{"PRIOR", "RELEASE", "RUN", "DEPLOYED"}, rows)
				return nil
			}

			entries, err := c.Ledger().List(ctx)
			if err != nil {
				return err
			}
			if isJSONOutput() {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				printInfo(out, "The ledger is empty.")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Key.Application, e.Key.Target, e.ReleaseTag, e.RunID, e.DeployedAt.Format(time.RFC3339)})
			}
			renderTable(out, []string{"APPLICATION", "TARGET", "RELEASE", "RUN", "DEPLOYED"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&history, "history", "", "show the write history of one pair (app@target)")
	return cmd
}

// parsePairKey parses "app@target".
func parsePairKey(s string) (domain.PairKey, error) {
	app, target, ok := strings.Cut(s, "@")
	if !ok || app == "" || target == "" {
		return domain.PairKey{}, fmt.Errorf("invalid pair %q, expected app@target", s)
	}
	return domain.PairKey{Application: app, Target: target}, nil
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.Subtle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Bold.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}
