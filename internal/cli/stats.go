package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auditforge/auditforge/internal/analytics"
	"github.com/auditforge/auditforge/internal/run"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate metrics from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		since, _ := cmd.Flags().GetString("since")
		w := cmd.OutOrStdout()

		durations, err := analytics.QueryPhaseDurations(a.db, since)
		if err != nil {
			return err
		}
		if len(durations) > 0 {
			fmt.Fprintln(w, "Phase durations (minutes):")
			fmt.Fprintf(w, "  %-12s %6s %8s %8s %8s\n", "PHASE", "RUNS", "AVG", "P50", "P95")
			for _, d := range durations {
				fmt.Fprintf(w, "  %-12s %6d %8.1f %8.1f %8.1f\n", d.Phase, d.Count, d.Avg, d.P50, d.P95)
			}
		}

		items, err := analytics.QueryItemThroughput(a.db, since)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			fmt.Fprintln(w, "Item throughput:")
			fmt.Fprintf(w, "  %-12s %6s %8s %8s %8s %8s\n", "PHASE", "ITEMS", "OK%", "FAIL%", "RETRY%", "AVG(s)")
			for _, it := range items {
				fmt.Fprintf(w, "  %-12s %6d %8.1f %8.1f %8.1f %8.1f\n",
					it.Phase, it.Items, it.Succeeded, it.Failed, it.Retried, it.AvgDuration)
			}
		}

		gates, err := analytics.QueryGateRates(a.db, since)
		if err != nil {
			return err
		}
		if len(gates) > 0 {
			fmt.Fprintln(w, "Quality gate:")
			fmt.Fprintf(w, "  %-12s %8s %8s %8s %8s\n", "PHASE", "REVIEWS", "PASS%", "RETRY%", "SCORE")
			for _, g := range gates {
				fmt.Fprintf(w, "  %-12s %8d %8.1f %8.1f %8.2f\n",
					g.Phase, g.Reviews, g.PassRate, g.Retried, g.AvgScore)
			}
		}

		weeks, err := analytics.QueryRunThroughput(a.db, since)
		if err != nil {
			return err
		}
		if len(weeks) > 0 {
			fmt.Fprintln(w, "Runs per week:")
			fmt.Fprintf(w, "  %-10s %8s %8s %10s\n", "WEEK", "CREATED", "STACKED", "COMPLETED")
			for _, wk := range weeks {
				fmt.Fprintf(w, "  %-10s %8d %8d %10d\n", wk.Period, wk.Created, wk.Stacked, wk.Completed)
			}
		}

		// Live breakdown for the active run, straight from the event log.
		if r, err := a.store.Load(); err == nil {
			fmt.Fprintf(w, "Active run %d:\n", r.Seq)
			for _, p := range r.Phases {
				if p.Status == run.PhasePending {
					continue
				}
				counts, err := a.db.ItemStatusCounts(r.Seq, p.Name)
				if err != nil {
					return err
				}
				passed, failed, retried, err := a.db.GateStats(r.Seq, p.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "  %-12s %d succeeded, %d failed",
					p.Name, counts["succeeded"], counts["failed"])
				if passed+failed > 0 {
					fmt.Fprintf(w, "; gate %d/%d passed, %d retried", passed, passed+failed, retried)
				}
				fmt.Fprintln(w)
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("since", "", "only include events at or after this timestamp (YYYY-MM-DD)")
	rootCmd.AddCommand(statsCmd)
}
