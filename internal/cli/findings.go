package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/auditforge/auditforge/internal/finding"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Inspect the cross-run findings log",
}

var findingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List findings from the evolution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := finding.NewLog(findingsLogPath())

		all, _ := cmd.Flags().GetBool("all")
		var latest map[string]finding.Finding
		var err error
		if all {
			latest, err = log.Latest()
		} else {
			latest, err = log.LatestActive()
		}
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No findings recorded.")
			return nil
		}

		findings := make([]finding.Finding, 0, len(latest))
		for _, f := range latest {
			findings = append(findings, f)
		}
		sort.Slice(findings, func(i, j int) bool {
			if findings[i].File != findings[j].File {
				return findings[i].File < findings[j].File
			}
			return findings[i].Title < findings[j].Title
		})

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-10s %-16s %-12s %-36s %s\n", "SEVERITY", "STATUS", "EVOLUTION", "FILE", "TITLE")
		fmt.Fprintf(w, "%-10s %-16s %-12s %-36s %s\n",
			strings.Repeat("-", 10), strings.Repeat("-", 16), strings.Repeat("-", 12),
			strings.Repeat("-", 36), strings.Repeat("-", 5))
		for _, f := range findings {
			evo := string(f.Evolution)
			if f.Review != "" {
				evo = string(f.Review)
			}
			fmt.Fprintf(w, "%-10s %-16s %-12s %-36s %s\n", f.Severity, f.Status, evo, f.File, f.Title)
		}
		return nil
	},
}

func init() {
	findingsListCmd.Flags().Bool("all", false, "include resolved and removed findings")
	findingsCmd.AddCommand(findingsListCmd)
}
