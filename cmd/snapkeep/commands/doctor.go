package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/config"
	"github.com/thoreinstein/snapkeep/internal/doctor"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

var (
	doctorJSON    bool
	doctorVerbose bool
	doctorFix     bool
)

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output results as JSON")
	doctorCmd.Flags().BoolVar(&doctorVerbose, "all", false, "Show passed and informational checks too")
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Repair fixable issues")
	doctorCmd.MarkFlagsMutuallyExclusive("json", "all")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and stored snapshots",
	Long: `Run diagnostic checks on the configuration, the target directory and
every committed snapshot.

Snapshots are verified by reading their version marker, manifest and
archive. Leftover directories from interrupted runs and a target readable by
other users can be repaired with --fix.

Exit codes:
  0 - No errors (warnings are reported but do not fail)
  1 - Configuration errors
  2 - Target or snapshot errors`,
	Example: `  snapkeep doctor
  snapkeep doctor --fix
  snapkeep doctor --json`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

// errDoctorFailed signals checks with SeverityError.
var errDoctorFailed = errors.New("doctor found errors")

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	runner := doctor.NewRunner()
	runner.AddCheck(doctor.NewConfigCheck(cfg, config.Used()))

	target, err := cfg.TargetPath()
	if err != nil {
		return errors.NewConfigError(err)
	}
	runner.AddCheck(doctor.NewTargetCheck(target))
	runner.AddCheck(doctor.NewSpaceCheck(target, 0))

	var store *snapshot.Store
	if st, err := os.Stat(target); err == nil && st.IsDir() {
		s, err := openSession(cmd, cfg, false)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s.store
	}
	runner.AddCheck(doctor.NewChainCheck(store))

	report := runner.Run(cmd.Context())

	var fixes []doctor.FixResult
	if doctorFix {
		fixes = runner.Fix()
		if len(fixes) > 0 {
			report = runner.Run(cmd.Context())
		}
	}

	w := cmd.OutOrStdout()
	if doctorJSON {
		if err := writeJSON(w, struct {
			*doctor.DoctorReport
			Fixes []doctor.FixResult `json:"fixes,omitempty"`
		}{report, fixes}); err != nil {
			return err
		}
	} else {
		printDoctorReport(w, report, fixes)
	}

	if !report.HasErrors() {
		return nil
	}
	for _, r := range report.Results {
		if r.Status == doctor.SeverityError && r.Category != doctor.CategoryConfig {
			return errors.NewSystemError(errDoctorFailed, "")
		}
	}
	return errors.NewConfigError(errDoctorFailed)
}

func printDoctorReport(w io.Writer, report *doctor.DoctorReport, fixes []doctor.FixResult) {
	for _, f := range fixes {
		if f.Fixed {
			printf(w, "%s %s: %s\n", paint(w, colorGreen, "fixed"), f.Path, f.Description)
		} else {
			printf(w, "%s %s: %s\n", paint(w, colorRed, "not fixed"), f.Path, f.Description)
		}
	}
	if len(fixes) > 0 {
		printf(w, "\n")
	}

	for _, result := range report.Results {
		problem := result.Status == doctor.SeverityError || result.Status == doctor.SeverityWarning
		if !doctorVerbose && !problem {
			continue
		}
		printf(w, "%s [%s] %s: %s\n", statusIcon(w, result.Status), result.Category, result.Name, result.Message)
		if problem {
			for _, key := range []string{"errors", "problems", "leftover"} {
				if items, ok := result.Details[key].([]string); ok {
					for _, item := range items {
						printf(w, "    %s\n", item)
					}
				}
			}
			if result.FixHint != "" {
				printf(w, "  hint: %s\n", result.FixHint)
			}
		}
	}

	printf(w, "Summary: %d passed, %d info, %d warnings, %d errors\n",
		report.Summary.Passed, report.Summary.Info, report.Summary.Warnings, report.Summary.Errors)
}

func statusIcon(w io.Writer, s doctor.Severity) string {
	switch s {
	case doctor.SeverityPass:
		return paint(w, colorGreen, "✓")
	case doctor.SeverityInfo:
		return paint(w, colorCyan, "ℹ")
	case doctor.SeverityWarning:
		return paint(w, colorYellow, "⚠")
	case doctor.SeverityError:
		return paint(w, colorRed, "✗")
	default:
		return "?"
	}
}
