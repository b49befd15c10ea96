// Package logging configures snapkeep's structured logging on [log/slog].
//
// The console gets a compact colored handler on terminals, or JSON with
// --log-format json. A log file, when requested, always receives JSON
// records down to debug level so failed runs can be diagnosed after the
// fact:
//
//	logger, closer, err := logging.Setup(logging.Options{
//		Level:  logging.LevelFromVerbosity(verbosity),
//		Format: logging.FormatText,
//		File:   "/var/log/snapkeep.log",
//	})
//	defer closer.Close()
//
// Attributes named "bytes" or ending in "_bytes" are printed in binary
// units by the console handler.
//
// Tests use [ForTest], which routes records to t.Log.
package logging
