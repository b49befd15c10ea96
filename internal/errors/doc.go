// Package errors provides error handling conventions for snapkeep.
//
// The package re-exports the github.com/cockroachdb/errors helpers
// (New, Newf, Wrap, Wrapf, Is, As) so that callers import a single errors
// package, and defines the engine's error taxonomy.
//
// # Error Taxonomy
//
// Every typed error matches a sentinel through [errors.Is], and the concrete
// type is available through [errors.As]:
//
//	var inUse *errors.RemoveFullInUseError
//	if errors.As(err, &inUse) {
//	    fmt.Println("dependents:", inUse.Dependents)
//	}
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle missing snapshot
//	}
//
// # Exit Codes
//
//   - ExitSuccess (0): Command completed successfully
//   - ExitUser (1): User-related error (invalid input, configuration, etc.)
//   - ExitSystem (2): System-related error (I/O, corrupt store, no space, etc.)
//
// [Classify] maps engine errors onto an [ExitError] carrying the exit code
// and an optional suggestion for the user.
package errors
