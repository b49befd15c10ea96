package commands

import (
	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/cmd"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version, commit, and build date of snapkeep.`,
	Run: func(c *cobra.Command, _ []string) {
		version, commit, date := cmd.Info()
		w := c.OutOrStdout()
		printf(w, "snapkeep version %s\n", version)
		printf(w, "  commit: %s\n", commit)
		printf(w, "  built:  %s\n", date)
	},
}
