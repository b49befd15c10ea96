package commands

import (
	"fmt"
	"os"

	"github.com/ktr0731/go-fuzzyfinder"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/cli/prompt"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/logging"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

var removeYes bool

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(removeCmd)
}

var removeCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm"},
	Short:   "Remove a snapshot",
	Long: `Remove a snapshot without breaking the snapshots built on it.

Incremental snapshots that depend on the removed one are first rebased onto
its base, pulling in whatever files they still need. A full snapshot that
still has dependents cannot be removed.

Without a name, pick the snapshot interactively.`,
	Example: `  # Pick interactively
  snapkeep remove

  # Remove without confirmation
  snapkeep remove -y 2024-06-02T10.00.00.000000.laptop.inc

  See Also: snapkeep purge, snapkeep list`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRemove,
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	s, err := openSession(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	selector := prompt.NewSelectorWithIO(cmd.InOrStdin(), cmd.ErrOrStderr())

	var snap *snapshot.Snapshot
	if len(args) == 1 {
		if snap, err = s.store.Get(args[0]); err != nil {
			return err
		}
	} else {
		list, err := s.store.List(false)
		if err != nil {
			return err
		}
		if snap, err = pickSnapshot(cmd, selector, list); err != nil {
			if errors.Is(err, prompt.ErrSelectionCancelled) || errors.Is(err, fuzzyfinder.ErrAbort) {
				return nil
			}
			return err
		}
	}

	if !removeYes {
		ok, err := selector.Confirm(fmt.Sprintf("Remove %s?", snap.Name()))
		if err != nil {
			return err
		}
		if !ok {
			printf(cmd.OutOrStdout(), "Aborted\n")
			return nil
		}
	}

	if err := s.retention().RemoveSnapshot(cmd.Context(), snap); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Removed %s\n", snap.Name())
	return nil
}

// pickSnapshot lets the user choose a snapshot: a fuzzy finder on a
// terminal, a numbered list otherwise.
func pickSnapshot(cmd *cobra.Command, selector *prompt.Selector, list []*snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if len(list) == 0 {
		return nil, errors.NewUserError(errors.New("no snapshots to remove"), "Run: snapkeep list")
	}
	if isTerminal(cmd.InOrStdin()) && isTerminal(cmd.OutOrStdout()) {
		idx, err := fuzzyfinder.Find(
			list,
			func(i int) string {
				return list[i].Name()
			},
			fuzzyfinder.WithPreviewWindow(func(i, _, _ int) string {
				if i == -1 {
					return ""
				}
				snap := list[i]
				return fmt.Sprintf("Kind: %s\nTaken: %s\nBase: %s\nSize: %s",
					kindLabel(snap.Kind()),
					ageLabel(snap.Date()),
					orDash(snap.Base()),
					bytesLabel(archiveSize(snap)),
				)
			}),
		)
		if err != nil {
			return nil, err
		}
		return list[idx], nil
	}

	items := make([]prompt.Item, len(list))
	for i, snap := range list {
		items[i] = prompt.Item{Value: snap.Name(), Detail: kindLabel(snap.Kind())}
	}
	item, err := selector.Select("Snapshots", items)
	if err != nil {
		return nil, err
	}
	for _, snap := range list {
		if snap.Name() == item.Value {
			return snap, nil
		}
	}
	return nil, &errors.NotFoundError{Name: item.Value}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && logging.IsTTY(f)
}
