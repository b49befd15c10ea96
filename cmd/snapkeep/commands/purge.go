package commands

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/retention"
)

var (
	purgePolicy string
	purgeJSON   bool
)

func init() {
	purgeCmd.Flags().StringVar(&purgePolicy, "policy", "", `Purge policy: "log", a number of days or "off" (default: from config)`)
	purgeCmd.Flags().BoolVar(&purgeJSON, "json", false, "Output the report as JSON")
	rootCmd.AddCommand(purgeCmd)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove old snapshots under a retention policy",
	Long: `Sweep corrupt snapshots and remove old ones.

With a number of days, every snapshot older than that is removed; full
snapshots that still have dependents are kept. With "log", snapshots are
thinned so that the older they get the fewer remain: one per day for a
week, one per week for a month, one per month for a year and one per year
after that.

Dependents are always rebased before their base is removed.`,
	Example: `  # Apply the configured policy
  snapkeep purge

  # Keep 30 days
  snapkeep purge --policy 30

  # Only sweep corrupt snapshots
  snapkeep purge --policy off

  See Also: snapkeep remove`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func runPurge(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	raw := cfg.Purge
	if cmd.Flags().Changed("policy") {
		raw = purgePolicy
	}
	policy, err := retention.ParsePolicy(raw)
	if err != nil {
		return errors.NewUserError(err, `Use "log", a number of days or "off"`)
	}

	s, err := openSession(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.retention().Purge(cmd.Context(), policy)
	w := cmd.OutOrStdout()
	if report != nil {
		if purgeJSON {
			if jerr := writeJSON(w, report); jerr != nil && err == nil {
				err = jerr
			}
		} else {
			printReport(w, policy, report)
		}
	}
	return err
}

func printReport(w io.Writer, policy retention.Policy, r *retention.Report) {
	for _, name := range r.Swept {
		printf(w, "%s %s\n", paint(w, colorYellow, "swept  "), name)
	}
	for _, name := range r.Kept {
		printf(w, "%s %s (uncommitted, still a base; run: snapkeep doctor)\n", paint(w, colorYellow, "kept   "), name)
	}
	for _, name := range r.Removed {
		printf(w, "%s %s\n", paint(w, colorRed, "removed"), name)
	}
	for _, name := range r.Skipped {
		printf(w, "%s %s (full snapshot still in use)\n", paint(w, colorGray, "kept   "), name)
	}
	printf(w, "Purge (%s): %d removed, %d kept, %d swept\n",
		policy.String(), len(r.Removed), len(r.Skipped), len(r.Swept))
}
