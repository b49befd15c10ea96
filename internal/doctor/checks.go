package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/thoreinstein/snapkeep/internal/collector"
	"github.com/thoreinstein/snapkeep/internal/config"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

// ConfigCheck validates the loaded configuration.
type ConfigCheck struct {
	cfg    *config.Config
	source string
}

var _ Check = (*ConfigCheck)(nil)

// NewConfigCheck checks cfg, which was read from source ("" for defaults).
func NewConfigCheck(cfg *config.Config, source string) *ConfigCheck {
	return &ConfigCheck{cfg: cfg, source: source}
}

func (c *ConfigCheck) Name() string       { return "config" }
func (c *ConfigCheck) Category() Category { return CategoryConfig }

func (c *ConfigCheck) Run(context.Context) *CheckResult {
	errs := config.Validate(c.cfg)
	if len(errs) == 0 {
		if c.source == "" {
			return newResult(c, SeverityInfo, "no config file, running on defaults")
		}
		return newResult(c, SeverityPass, "valid: "+c.source)
	}

	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	res := newResult(c, SeverityError, fmt.Sprintf("%d invalid setting(s)", len(errs)))
	res.Details = map[string]any{"errors": msgs}
	if c.source != "" {
		res.Details["file"] = c.source
		res.FixHint = "Run: snapkeep config edit"
	} else {
		res.FixHint = "Run: snapkeep config init"
	}
	return res
}

// TargetCheck verifies the target directory exists, is writable and is
// private to its owner.
type TargetCheck struct {
	PermissionFixer
	target string
}

var (
	_ Check = (*TargetCheck)(nil)
	_ Fixer = (*TargetCheck)(nil)
)

// NewTargetCheck checks the target directory at target.
func NewTargetCheck(target string) *TargetCheck {
	return &TargetCheck{target: target}
}

func (c *TargetCheck) Name() string       { return "target" }
func (c *TargetCheck) Category() Category { return CategoryTarget }

func (c *TargetCheck) Run(context.Context) *CheckResult {
	c.setIssues(nil)

	st, err := os.Stat(c.target)
	if os.IsNotExist(err) {
		return newResult(c, SeverityInfo, c.target+" does not exist yet; the first backup creates it")
	}
	if err != nil {
		return newResult(c, SeverityError, err.Error())
	}
	if !st.IsDir() {
		res := newResult(c, SeverityError, c.target+" is not a directory")
		res.FixHint = "Point target at a directory"
		return res
	}

	tmp, err := os.CreateTemp(c.target, ".snapkeep-doctor-*")
	if err != nil {
		res := newResult(c, SeverityError, c.target+" is not writable")
		res.Details = map[string]any{"error": err.Error()}
		return res
	}
	tmp.Close()
	os.Remove(tmp.Name())

	if perm := st.Mode().Perm(); perm&0o077 != 0 {
		c.setIssues([]permIssue{{Path: c.target, Perm: perm}})
		res := newResult(c, SeverityWarning, fmt.Sprintf("%s is accessible by other users (%04o)", c.target, perm))
		res.Fixable = true
		res.FixHint = "Run: snapkeep doctor --fix"
		return res
	}
	return newResult(c, SeverityPass, c.target)
}

// DefaultMinFree is the free space below which SpaceCheck warns.
const DefaultMinFree = 1 << 30

// SpaceCheck reports the free space on the file system holding the target.
type SpaceCheck struct {
	target  string
	minFree uint64
}

var _ Check = (*SpaceCheck)(nil)

// NewSpaceCheck warns when less than minFree bytes are available.
func NewSpaceCheck(target string, minFree uint64) *SpaceCheck {
	if minFree == 0 {
		minFree = DefaultMinFree
	}
	return &SpaceCheck{target: target, minFree: minFree}
}

func (c *SpaceCheck) Name() string       { return "free-space" }
func (c *SpaceCheck) Category() Category { return CategoryTarget }

func (c *SpaceCheck) Run(context.Context) *CheckResult {
	path := existingAncestor(c.target)
	free, err := collector.FreeSpace(path)
	if err != nil {
		res := newResult(c, SeverityWarning, "cannot determine free space")
		res.Details = map[string]any{"path": path, "error": err.Error()}
		return res
	}

	res := newResult(c, SeverityPass, humanize.IBytes(free)+" available")
	res.Details = map[string]any{"path": path, "free_bytes": free}
	if free < c.minFree {
		res.Status = SeverityWarning
		res.Message = fmt.Sprintf("only %s available on %s", humanize.IBytes(free), path)
		res.FixHint = "Free space or run: snapkeep purge"
	}
	return res
}

func existingAncestor(p string) string {
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// ChainCheck verifies every committed snapshot can be read and that
// every incremental snapshot's chain ends in a full snapshot.
type ChainCheck struct {
	store    *snapshot.Store
	leftover []snapshot.Corrupt
}

var (
	_ Check = (*ChainCheck)(nil)
	_ Fixer = (*ChainCheck)(nil)
)

// NewChainCheck checks the snapshots in store. A nil store means the
// target does not exist yet.
func NewChainCheck(store *snapshot.Store) *ChainCheck {
	return &ChainCheck{store: store}
}

func (c *ChainCheck) Name() string       { return "snapshots" }
func (c *ChainCheck) Category() Category { return CategorySnapshots }

func (c *ChainCheck) Run(ctx context.Context) *CheckResult {
	c.leftover = nil
	if c.store == nil {
		return newResult(c, SeverityInfo, "no snapshots yet")
	}

	list, err := c.store.List(true)
	if err != nil {
		return newResult(c, SeverityError, err.Error())
	}
	broken, err := c.store.Broken()
	if err != nil {
		return newResult(c, SeverityError, err.Error())
	}
	corrupt, err := c.store.Corrupt()
	if err != nil {
		return newResult(c, SeverityError, err.Error())
	}

	var problems, affected []string
	fulls := 0
	for _, s := range list {
		if ctx.Err() != nil {
			return newResult(c, SeverityWarning, "interrupted")
		}
		if s.IsFull() {
			fulls++
		}
		if err := verify(s); err != nil {
			problems = append(problems, s.Name()+": "+err.Error())
			affected = append(affected, s.Name())
		}
	}
	for _, s := range broken {
		problems = append(problems, s.Name()+": chain does not end in a full snapshot")
		affected = append(affected, s.Name())
	}
	var foreign []string
	for _, cd := range corrupt {
		switch {
		case cd.Referenced:
			problems = append(problems, cd.Name+": uncommitted but still the base of a committed snapshot")
			affected = append(affected, cd.Name)
		case cd.Sweepable:
			c.leftover = append(c.leftover, cd)
		default:
			foreign = append(foreign, cd.Name)
		}
	}

	details := map[string]any{"snapshots": len(list), "full": fulls}
	if len(foreign) > 0 {
		details["foreign"] = foreign
	}

	switch {
	case len(problems) > 0:
		details["problems"] = problems
		res := newResult(c, SeverityError, fmt.Sprintf("%d snapshot problem(s)", len(problems)))
		res.Details = details
		res.Snapshots = affected
		res.FixHint = "Rebase dependents elsewhere, then: snapkeep remove <name>"
		return res
	case len(c.leftover) > 0:
		names := make([]string, len(c.leftover))
		affected = make([]string, len(c.leftover))
		for i, cd := range c.leftover {
			names[i] = cd.Name + " (" + cd.Reason + ")"
			affected[i] = cd.Name
		}
		details["leftover"] = names
		res := newResult(c, SeverityWarning, fmt.Sprintf("%d leftover director(ies) from interrupted runs", len(c.leftover)))
		res.Details = details
		res.Snapshots = affected
		res.Fixable = true
		res.FixHint = "Run: snapkeep purge or snapkeep doctor --fix"
		return res
	}
	res := newResult(c, SeverityPass, fmt.Sprintf("%d snapshot(s) in %d chain(s)", len(list), fulls))
	res.Details = details
	return res
}

// verify reads the files every restore depends on.
func verify(s *snapshot.Snapshot) error {
	if _, err := s.Version(); err != nil {
		return err
	}
	if _, ok := s.Archive(); !ok {
		return errors.New("archive missing")
	}
	if _, err := s.Metadata(); err != nil {
		return err
	}
	return nil
}

func (c *ChainCheck) CanFix() bool { return len(c.leftover) > 0 }

// Fix removes the leftover directories found by Run.
func (c *ChainCheck) Fix() []FixResult {
	results := make([]FixResult, 0, len(c.leftover))
	for _, cd := range c.leftover {
		r := FixResult{Path: cd.Path}
		if err := c.store.RemoveCorrupt(cd); err != nil {
			r.Description = err.Error()
			r.Error = err
		} else {
			r.Fixed = true
			r.Description = "removed " + cd.Reason + " directory"
		}
		results = append(results, r)
	}
	c.leftover = nil
	return results
}
