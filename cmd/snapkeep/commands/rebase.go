package commands

import (
	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

var rebaseOnto string

func init() {
	rebaseCmd.Flags().StringVar(&rebaseOnto, "onto", "", "Ancestor to rebase onto (default: the current base's base)")
	rootCmd.AddCommand(rebaseCmd)
}

var rebaseCmd = &cobra.Command{
	Use:   "rebase <name>",
	Short: "Rebase an incremental snapshot onto an older ancestor",
	Long: `Rebase an incremental snapshot so that it no longer needs its base.

Files the snapshot relies on from its base are copied into its own archive
and the snapshot is pointed at the base's base. With --onto the snapshot is
rebased repeatedly until it sits on the named ancestor. When the chain runs
out the snapshot becomes full and is renamed accordingly.

A failed rebase leaves the snapshot exactly as it was.`,
	Example: `  # Skip one level
  snapkeep rebase 2024-06-03T10.00.00.000000.laptop.inc

  # Rebase straight onto the full snapshot
  snapkeep rebase 2024-06-03T10.00.00.000000.laptop.inc --onto 2024-06-01T10.00.00.000000.laptop.ful

  See Also: snapkeep show, snapkeep remove`,
	Args: cobra.ExactArgs(1),
	RunE: runRebase,
}

func runRebase(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	s, err := openSession(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.store.Get(args[0])
	if err != nil {
		return err
	}

	engine := s.engine()
	var out *snapshot.Snapshot
	if rebaseOnto == "" {
		out, err = engine.RebaseOnParent(cmd.Context(), snap)
	} else {
		out, err = engine.RebaseChain(cmd.Context(), snap, rebaseOnto)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.IsFull() {
		printf(w, "%s is now full: %s\n", snap.Name(), out.Name())
		return nil
	}
	printf(w, "Rebased %s onto %s\n", out.Name(), out.Base())
	return nil
}
