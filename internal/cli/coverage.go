package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/auditforge/auditforge/internal/run"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Report scope coverage for the active run",
	Long: `Cross-reference the active run's completed work against the declared
scope units, catalog patterns, and per-phase checklists. Read-only: no
supplemental work is dispatched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		reports, err := a.orch.CoverageReport()
		if err != nil {
			if err == run.ErrNotFound {
				fmt.Fprintln(cmd.OutOrStdout(), "No active run.")
				return nil
			}
			return err
		}
		if len(reports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No phase declares coverage verification.")
			return nil
		}

		phases := make([]string, 0, len(reports))
		for name := range reports {
			phases = append(phases, name)
		}
		sort.Strings(phases)

		w := cmd.OutOrStdout()
		for _, name := range phases {
			rep := reports[name]
			fmt.Fprintf(w, "Phase %s: units %s, patterns %s, checklist %s\n",
				name, rep.Units, rep.Patterns, rep.Checklist)
			for _, g := range rep.Gaps {
				fmt.Fprintf(w, "  gap [%s] %s: %s\n", g.Priority, g.Kind, g.Name)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(coverageCmd)
}
