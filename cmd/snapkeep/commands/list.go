package commands

import (
	"io"
	"text/tabwriter"
	"time"

	"github.com/juju/collections/set"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

var (
	listJSON bool
	listAll  bool
)

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Also show corrupt and uncommitted directories")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List snapshots",
	Long: `List the snapshots in the target directory, newest first.

Incremental snapshots whose base is missing are flagged as broken. Use --all
to also see directories that are not usable snapshots; they are removed by
the next purge.`,
	Example: `  # List snapshots
  snapkeep list

  # Output as JSON
  snapkeep list --json

  See Also: snapkeep show, snapkeep purge`,
	Args: cobra.NoArgs,
	RunE: runList,
}

type listEntry struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Base      string    `json:"base,omitempty"`
	Date      time.Time `json:"date"`
	Size      int64     `json:"size_bytes"`
	Broken    bool      `json:"broken,omitempty"`
	Corrupt   bool      `json:"corrupt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Sweepable bool      `json:"sweepable,omitempty"`
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	s, err := openSession(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := collectList(s.store, listAll)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if listJSON {
		return writeJSON(w, entries)
	}
	printList(w, entries)
	return nil
}

func collectList(store *snapshot.Store, all bool) ([]listEntry, error) {
	list, err := store.List(true)
	if err != nil {
		return nil, err
	}
	broken, err := store.Broken()
	if err != nil {
		return nil, err
	}
	brokenNames := set.NewStrings()
	for _, b := range broken {
		brokenNames.Add(b.Name())
	}

	entries := make([]listEntry, 0, len(list))
	for _, snap := range list {
		entries = append(entries, listEntry{
			Name:   snap.Name(),
			Kind:   kindLabel(snap.Kind()),
			Base:   snap.Base(),
			Date:   snap.Date(),
			Size:   archiveSize(snap),
			Broken: brokenNames.Contains(snap.Name()),
		})
	}
	if !all {
		return entries, nil
	}

	corrupt, err := store.Corrupt()
	if err != nil {
		return nil, err
	}
	for _, c := range corrupt {
		entries = append(entries, listEntry{
			Name:      c.Name,
			Kind:      "corrupt",
			Size:      -1,
			Corrupt:   true,
			Reason:    c.Reason,
			Sweepable: c.Sweepable,
		})
	}
	return entries, nil
}

func printList(w io.Writer, entries []listEntry) {
	if len(entries) == 0 {
		printf(w, "No snapshots yet. Take one with: snapkeep backup\n")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	printf(tw, "%s\t%s\t%s\t%s\t%s\n",
		paint(w, colorBold, "NAME"), paint(w, colorBold, "KIND"), paint(w, colorBold, "AGE"),
		paint(w, colorBold, "SIZE"), paint(w, colorBold, "BASE"))
	for _, e := range entries {
		switch {
		case e.Corrupt:
			printf(tw, "%s\t%s\t-\t-\t%s\n", paint(w, colorRed, e.Name), e.Kind, e.Reason)
		case e.Broken:
			printf(tw, "%s\t%s\t%s\t%s\t%s %s\n", paint(w, colorYellow, e.Name), e.Kind,
				ageLabel(e.Date), bytesLabel(e.Size), truncate(e.Base, 40), paint(w, colorRed, "(missing)"))
		default:
			name := e.Name
			if e.Kind == kindLabel(snapshot.Full) {
				name = paint(w, colorGreen, name)
			}
			printf(tw, "%s\t%s\t%s\t%s\t%s\n", name, e.Kind, ageLabel(e.Date), bytesLabel(e.Size), orDash(truncate(e.Base, 40)))
		}
	}
	tw.Flush()
}
