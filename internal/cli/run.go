package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/auditforge/auditforge/internal/orchestrator"
	"github.com/auditforge/auditforge/internal/run"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage audit runs",
}

var runNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new audit run",
	Long: `Create a new audit run from the current repository state. A completed
active run is archived first; an unfinished one blocks creation.

With --stack the run seeds itself from the latest archived run: prior
findings carry forward with review tags and analysis narrows to changed
files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		stack, _ := cmd.Flags().GetBool("stack")
		r, err := a.orch.Create(orchestrator.CreateOpts{Stack: stack})
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Created run %d at %s (tier %s)\n", r.Seq, r.Revision, r.Tier)
		if r.Delta != nil {
			fmt.Fprintf(w, "Stacked on %s: %d delta records", r.Delta.BaseRevision, len(r.Delta.Records))
			if r.Delta.MassiveRewrite {
				fmt.Fprint(w, " (massive rewrite, falling back to full analysis)")
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

var runStackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Create a new run stacked on the latest archived run",
	Long: `Shorthand for "run new --stack": seed a new run from the latest
archived run, carrying its findings forward and narrowing analysis to
changed files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		r, err := a.orch.Create(orchestrator.CreateOpts{Stack: true})
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Created run %d at %s (tier %s)\n", r.Seq, r.Revision, r.Tier)
		if r.Delta != nil {
			fmt.Fprintf(w, "Stacked on %s: %d delta records", r.Delta.BaseRevision, len(r.Delta.Records))
			if r.Delta.MassiveRewrite {
				fmt.Fprint(w, " (massive rewrite, falling back to full analysis)")
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

var runArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive the completed active run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		key, err := a.orch.Archive()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived as %s\n", key)
		return nil
	},
}

var runAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Run the next incomplete phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.orch.Advance(cmd.Context())
		if err != nil {
			return err
		}
		printAdvanceResult(cmd, res)
		return nil
	},
}

var runResumeCmd = &cobra.Command{
	Use:     "resume",
	Aliases: []string{"continue"},
	Short:   "Advance the active run until it completes",
	Long: `Advance the active run phase by phase until completion. Safe after an
interruption: completed phases and succeeded items are skipped, and items
left running by a crash are re-dispatched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.orch.Run(cmd.Context())
		if err != nil {
			return err
		}
		printAdvanceResult(cmd, res)
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run's progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		info, err := a.orch.Status()
		if err != nil {
			if err == run.ErrNotFound {
				fmt.Fprintln(cmd.OutOrStdout(), "No active run.")
				return nil
			}
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run %d (%s, tier %s)\n", info.Seq, info.Status, info.Tier)
		fmt.Fprintf(w, "  Revision: %s\n", info.Revision)
		if info.Stacked {
			fmt.Fprintf(w, "  Stacked on: %s", info.PriorRun)
			if info.Massive {
				fmt.Fprint(w, " (massive rewrite)")
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "  Updated: %s\n", info.UpdatedAt)

		fmt.Fprintln(w, "  Phases:")
		for _, p := range info.Phases {
			line := fmt.Sprintf("    %-12s %s", p.Name, p.Status)
			if p.ItemsTotal > 0 {
				line += fmt.Sprintf(" (%d/%d items", p.ItemsCompleted, p.ItemsTotal)
				if p.Retries > 0 {
					line += fmt.Sprintf(", %d retries", p.Retries)
				}
				line += ")"
			}
			fmt.Fprintln(w, line)
		}

		if len(info.History) > 0 {
			fmt.Fprintln(w, "  History:")
			for _, h := range info.History {
				fmt.Fprintf(w, "    %s: %s in %s (%d items, %d failed, %d gaps)\n",
					h.Phase, h.Outcome, h.Duration, h.ItemsTotal, h.ItemsFailed, h.QualityGaps)
			}
		}
		if len(info.Events) > 0 {
			fmt.Fprintln(w, "  Recent events:")
			for _, e := range info.Events {
				detail := e.Detail
				if detail != "" {
					detail = " " + detail
				}
				fmt.Fprintf(w, "    %s %s %s%s\n", e.Timestamp, e.Event, e.Phase, detail)
			}
		}
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		archives, err := a.orch.ListArchives()
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No archived runs.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-6s %-22s %-12s %s\n", "SEQ", "ARCHIVE", "STATUS", "REVISION")
		fmt.Fprintf(w, "%-6s %-22s %-12s %s\n",
			strings.Repeat("-", 6), strings.Repeat("-", 22), strings.Repeat("-", 12), strings.Repeat("-", 8))
		for _, ar := range archives {
			fmt.Fprintf(w, "%-6d %-22s %-12s %s\n", ar.Seq, ar.Key, ar.Status, ar.Revision)
		}
		return nil
	},
}

func printAdvanceResult(cmd *cobra.Command, res *orchestrator.AdvanceResult) {
	w := cmd.OutOrStdout()
	switch res.Action {
	case "completed":
		fmt.Fprintf(w, "Run %d completed.\n", res.Seq)
	case "ran_phase":
		fmt.Fprintf(w, "Phase %s: %d succeeded, %d failed", res.Phase, res.Succeeded, res.Failed)
		if res.Retries > 0 {
			fmt.Fprintf(w, ", %d retries", res.Retries)
		}
		if res.QualityGaps > 0 {
			fmt.Fprintf(w, ", %d quality gaps", res.QualityGaps)
		}
		fmt.Fprintln(w)
		if res.Coverage != nil {
			fmt.Fprintf(w, "Coverage: units %s, patterns %s, checklist %s\n",
				res.Coverage.Units, res.Coverage.Patterns, res.Coverage.Checklist)
			for _, g := range res.Coverage.Gaps {
				fmt.Fprintf(w, "  gap [%s] %s: %s\n", g.Priority, g.Kind, g.Name)
			}
		}
	default:
		fmt.Fprintf(w, "Run %d: %s %s\n", res.Seq, res.Action, res.Message)
	}
}

func init() {
	runNewCmd.Flags().Bool("stack", false, "stack on the latest archived run")

	runCmd.AddCommand(runNewCmd)
	runCmd.AddCommand(runStackCmd)
	runCmd.AddCommand(runArchiveCmd)
	runCmd.AddCommand(runAdvanceCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
}
