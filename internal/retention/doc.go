// Package retention removes snapshots: one at a time through
// [Manager.RemoveSnapshot], or in bulk by age or logarithmic thinning
// through [Manager.Purge]. Every removal first rebases the snapshot's
// dependents so no base pointer is left dangling.
package retention
