package doctor

import (
	"fmt"
	"os"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/paths"
)

// Fixer is an optional interface that checks can implement to support auto-remediation.
// Checks that implement Fixer can fix issues they detect when the --fix flag is used.
type Fixer interface {
	// CanFix returns true if this check has fixable issues.
	// Must be called after Run() to check if there are issues that can be fixed.
	CanFix() bool

	// Fix attempts to remediate the issues found by Run().
	// Returns a slice of FixResult indicating what was fixed or why it couldn't be fixed.
	// Must be called after Run().
	Fix() []FixResult
}

// FixResult describes the outcome of an attempted fix operation.
type FixResult struct {
	// Path is the file or directory that was targeted for fixing.
	Path string `json:"path"`

	// Fixed indicates whether the fix was successfully applied.
	Fixed bool `json:"fixed"`

	// Description explains what was fixed or why it couldn't be fixed.
	Description string `json:"description"`

	// Error contains the error if the fix failed.
	Error error `json:"-"`
}

// permIssue is a directory whose mode is looser than it should be.
type permIssue struct {
	Path string
	Perm os.FileMode
}

// PermissionFixer tightens directory permissions to paths.DefaultDirPerm.
// It is embedded in TargetCheck to provide fix capability.
type PermissionFixer struct {
	issues []permIssue
}

// CanFix returns true if there are any permission issues.
func (f *PermissionFixer) CanFix() bool {
	return len(f.issues) > 0
}

// Fix chmods every recorded directory.
func (f *PermissionFixer) Fix() []FixResult {
	results := make([]FixResult, 0, len(f.issues))
	for _, issue := range f.issues {
		results = append(results, fixPerm(issue))
	}
	return results
}

func fixPerm(issue permIssue) FixResult {
	result := FixResult{Path: issue.Path}
	if err := os.Chmod(issue.Path, paths.DefaultDirPerm); err != nil {
		result.Description = fmt.Sprintf("failed to chmod %04o: %v", paths.DefaultDirPerm, err)
		result.Error = errors.Wrapf(err, "chmod %04o %s", paths.DefaultDirPerm, issue.Path)
		return result
	}
	result.Fixed = true
	result.Description = fmt.Sprintf("chmod %04o (was %04o)", paths.DefaultDirPerm, issue.Perm)
	return result
}

func (f *PermissionFixer) setIssues(issues []permIssue) {
	f.issues = issues
}
