package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Exit codes for CLI applications.
const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess = 0

	// ExitUser indicates a user-related error (invalid input, configuration, etc.).
	ExitUser = 1

	// ExitSystem indicates a system-related error (I/O, corrupt store, no space, etc.).
	ExitSystem = 2
)

// Re-exported helpers so callers only import one errors package.
var (
	New    = crdb.New
	Newf   = crdb.Newf
	Wrap   = crdb.Wrap
	Wrapf  = crdb.Wrapf
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.UnwrapOnce
	Join   = crdb.Join
)

// Sentinel errors for common failure conditions. Every typed error below
// matches its sentinel through errors.Is.
var (
	// ErrInvalidTarget indicates the backup target directory is unusable.
	ErrInvalidTarget = crdb.New("invalid backup target")

	// ErrNotFound indicates the requested snapshot was not found.
	ErrNotFound = crdb.New("not found")

	// ErrMalformedMetadata indicates a manifest could not be decoded.
	ErrMalformedMetadata = crdb.New("malformed metadata")

	// ErrIncompleteSnapshot indicates a snapshot was committed without a manifest.
	ErrIncompleteSnapshot = crdb.New("incomplete snapshot")

	// ErrBrokenChain indicates an incremental snapshot references a missing base.
	ErrBrokenChain = crdb.New("broken snapshot chain")

	// ErrRebaseNotApplicable indicates a rebase was requested on a full snapshot.
	ErrRebaseNotApplicable = crdb.New("rebase not applicable")

	// ErrRebaseOrder indicates a rebase target that is not strictly older.
	ErrRebaseOrder = crdb.New("rebase target not older")

	// ErrRemoveFullInUse indicates removal of a full snapshot that still has dependents.
	ErrRemoveFullInUse = crdb.New("full snapshot in use")

	// ErrInsufficientSpace indicates the target lacks room for the archive.
	ErrInsufficientSpace = crdb.New("insufficient space")

	// ErrInvalidConfig indicates configuration validation failed.
	ErrInvalidConfig = crdb.New("invalid configuration")
)

// InvalidTargetError reports a missing or unusable target directory.
type InvalidTargetError struct {
	Path string
	Err  error
}

func (e *InvalidTargetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid backup target %s: %v", e.Path, e.Err)
	}
	return "invalid backup target " + e.Path
}

func (e *InvalidTargetError) Unwrap() error        { return e.Err }
func (e *InvalidTargetError) Is(target error) bool { return target == ErrInvalidTarget }

// NotFoundError reports a snapshot name absent from the store.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("snapshot %q not found", e.Name) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MalformedMetadataError reports a decoding failure at a byte offset.
type MalformedMetadataError struct {
	Offset int64
	Reason string
}

func (e *MalformedMetadataError) Error() string {
	return fmt.Sprintf("malformed metadata at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedMetadataError) Is(target error) bool { return target == ErrMalformedMetadata }

// IncompleteSnapshotError is returned by Commit when no manifest was written.
type IncompleteSnapshotError struct {
	Name string
}

func (e *IncompleteSnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s has no metadata and cannot be committed", e.Name)
}

func (e *IncompleteSnapshotError) Is(target error) bool { return target == ErrIncompleteSnapshot }

// BrokenChainError reports an incremental snapshot whose base is missing.
type BrokenChainError struct {
	Name string
	Base string
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("snapshot %s references missing base %s", e.Name, e.Base)
}

func (e *BrokenChainError) Is(target error) bool { return target == ErrBrokenChain }

// RebaseNotApplicableError is returned when rebasing a full snapshot.
type RebaseNotApplicableError struct {
	Name string
}

func (e *RebaseNotApplicableError) Error() string {
	return fmt.Sprintf("snapshot %s is full and has no base to rebase from", e.Name)
}

func (e *RebaseNotApplicableError) Is(target error) bool { return target == ErrRebaseNotApplicable }

// RebaseOrderError is returned when the rebase target is not strictly older.
type RebaseOrderError struct {
	Name   string
	Target string
}

func (e *RebaseOrderError) Error() string {
	return fmt.Sprintf("cannot rebase %s onto %s: target is not older", e.Name, e.Target)
}

func (e *RebaseOrderError) Is(target error) bool { return target == ErrRebaseOrder }

// RemoveFullInUseError is returned when a full snapshot still has dependents.
type RemoveFullInUseError struct {
	Name       string
	Dependents []string
}

func (e *RemoveFullInUseError) Error() string {
	return fmt.Sprintf("full snapshot %s is the base of %d snapshot(s)", e.Name, len(e.Dependents))
}

func (e *RemoveFullInUseError) Is(target error) bool { return target == ErrRemoveFullInUse }

// InsufficientSpaceError is the fatal pre-flight space check failure.
type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough space on %s: need %s, %s available",
		e.Path, humanize.IBytes(e.Required), humanize.IBytes(e.Available))
}

func (e *InsufficientSpaceError) Is(target error) bool { return target == ErrInsufficientSpace }

// ExitError wraps an error with an exit code and optional suggestion for CLI applications.
// It implements the error interface and supports unwrapping via errors.Unwrap.
type ExitError struct {
	// Err is the underlying error that caused the exit.
	Err error

	// Code is the exit code to return to the operating system.
	Code int

	// Suggestion is an optional actionable suggestion for the user.
	Suggestion string
}

// NewExitError creates an ExitError with the given underlying error and exit code.
// If err is nil, the returned ExitError will have a nil Err field.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{
		Err:  err,
		Code: code,
	}
}

// NewExitErrorWithSuggestion creates an ExitError with a suggestion.
func NewExitErrorWithSuggestion(err error, code int, suggestion string) *ExitError {
	return &ExitError{
		Err:        err,
		Code:       code,
		Suggestion: suggestion,
	}
}

// NewUserError creates an ExitError with ExitUser code and a suggestion.
func NewUserError(err error, suggestion string) *ExitError {
	return &ExitError{
		Err:        err,
		Code:       ExitUser,
		Suggestion: suggestion,
	}
}

// NewSystemError creates an ExitError with ExitSystem code and a suggestion.
func NewSystemError(err error, suggestion string) *ExitError {
	return &ExitError{
		Err:        err,
		Code:       ExitSystem,
		Suggestion: suggestion,
	}
}

// NewConfigError creates an ExitError with ExitUser code and a standard suggestion.
func NewConfigError(err error) *ExitError {
	return &ExitError{
		Err:        err,
		Code:       ExitUser,
		Suggestion: "Run: snapkeep config init",
	}
}

// Classify maps an engine error onto an ExitError with a suggestion.
// Errors that are already ExitErrors are returned unchanged.
func Classify(err error) *ExitError {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if crdb.As(err, &exitErr) {
		return exitErr
	}
	switch {
	case crdb.Is(err, ErrInvalidTarget), crdb.Is(err, ErrInvalidConfig):
		return NewConfigError(err)
	case crdb.Is(err, ErrNotFound):
		return NewUserError(err, "Run: snapkeep list")
	case crdb.Is(err, ErrRebaseNotApplicable), crdb.Is(err, ErrRebaseOrder), crdb.Is(err, ErrRemoveFullInUse):
		return NewUserError(err, "")
	case crdb.Is(err, ErrMalformedMetadata), crdb.Is(err, ErrBrokenChain):
		return NewSystemError(err, "Run: snapkeep purge to sweep corrupt snapshots")
	case crdb.Is(err, ErrInsufficientSpace):
		return NewSystemError(err, "Free space on the target or lower max_file_size")
	}
	return NewSystemError(err, "")
}

// Error returns the error message from the underlying error.
// If the underlying error is nil, it returns a generic message with the exit code.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error, enabling errors.Is and errors.As
// to examine the error chain.
func (e *ExitError) Unwrap() error {
	return e.Err
}
