package commands

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

var showJSON bool

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show details of a snapshot",
	Long: `Show a snapshot's chain, archive and manifest summary.

The chain lists every snapshot needed to restore this one, ending with the
full snapshot it is built on.`,
	Example: `  snapkeep show 2024-06-02T10.00.00.000000.laptop.inc

  See Also: snapkeep list`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

type showOutput struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Date        time.Time `json:"date"`
	Host        string    `json:"host"`
	Base        string    `json:"base,omitempty"`
	Chain       []string  `json:"chain"`
	ChainErr    string    `json:"chain_error,omitempty"`
	Version     int       `json:"version"`
	Archive     string    `json:"archive,omitempty"`
	Compression string    `json:"compression,omitempty"`
	Parts       int       `json:"parts"`
	Size        int64     `json:"size_bytes"`
	Directories int       `json:"directories"`
	Stored      int       `json:"stored_files"`
	Includes    int       `json:"includes"`
	Excludes    int       `json:"excludes"`
	Regexes     []string  `json:"exclude_regex,omitempty"`
	Packages    int       `json:"packages_bytes"`
}

func runShow(cmd *cobra.Command, args []string) error {
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
	out, err := describe(snap)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if showJSON {
		return writeJSON(w, out)
	}
	printShow(w, out)
	return nil
}

func describe(snap *snapshot.Snapshot) (*showOutput, error) {
	out := &showOutput{
		Name: snap.Name(),
		Kind: kindLabel(snap.Kind()),
		Date: snap.Date(),
		Host: snap.ParsedName().Host,
		Base: snap.Base(),
		Size: -1,
	}

	chain, err := snap.Chain()
	if err != nil {
		out.ChainErr = err.Error()
	}
	for _, c := range chain {
		out.Chain = append(out.Chain, c.Name())
	}

	if out.Version, err = snap.Version(); err != nil {
		return nil, err
	}
	if ref, ok := snap.Archive(); ok {
		parts, _ := ref.Parts()
		out.Archive = ref.Path
		out.Compression = string(ref.Compression)
		out.Parts = len(parts)
		out.Size = archiveSize(snap)
	}

	m, err := snap.Metadata()
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest of %s", snap.Name())
	}
	out.Directories = m.Len()
	out.Stored = len(m.Stored())

	includes, err := snap.Includes()
	if err != nil {
		return nil, err
	}
	excludes, err := snap.Excludes()
	if err != nil {
		return nil, err
	}
	out.Includes, out.Excludes = len(includes), len(excludes)
	if out.Regexes, err = snap.Regexes(); err != nil {
		return nil, err
	}
	pkgs, err := snap.Packages()
	if err != nil {
		return nil, err
	}
	out.Packages = len(pkgs)
	return out, nil
}

func printShow(w io.Writer, o *showOutput) {
	printf(w, "%s\n", paint(w, colorCyan+colorBold, o.Name))
	printf(w, "  Kind:        %s\n", o.Kind)
	printf(w, "  Taken:       %s (%s)\n", o.Date.Local().Format("2006-01-02 15:04:05"), ageLabel(o.Date))
	printf(w, "  Host:        %s\n", o.Host)
	printf(w, "  Base:        %s\n", orDash(o.Base))
	if o.ChainErr != "" {
		printf(w, "  Chain:       %s\n", paint(w, colorRed, o.ChainErr))
	} else {
		printf(w, "  Chain:       %d snapshot(s)\n", len(o.Chain))
		for _, c := range o.Chain[1:] {
			printf(w, "               %s\n", c)
		}
	}
	printf(w, "  Format:      %d\n", o.Version)
	if o.Archive != "" {
		printf(w, "  Archive:     %s (%s, %d part(s), %s)\n", o.Archive, o.Compression, o.Parts, bytesLabel(o.Size))
	} else {
		printf(w, "  Archive:     %s\n", paint(w, colorYellow, "missing"))
	}
	printf(w, "  Directories: %d\n", o.Directories)
	printf(w, "  Stored:      %d file(s)\n", o.Stored)
	printf(w, "  Paths:       %d included, %d excluded\n", o.Includes, o.Excludes)
	for _, re := range o.Regexes {
		printf(w, "  Regex:       %s\n", re)
	}
	if o.Packages > 0 {
		printf(w, "  Packages:    %s\n", bytesLabel(int64(o.Packages)))
	}
}
