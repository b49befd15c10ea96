// Package doctor runs health checks against a snapkeep setup: the
// configuration, the target directory and the snapshots stored in it.
//
// Each check implements Check and returns a CheckResult. A Runner runs
// the registered checks in order and aggregates a DoctorReport. Checks
// that can repair what they find also implement Fixer.
package doctor
