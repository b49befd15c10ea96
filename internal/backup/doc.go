// Package backup runs one backup: it picks full or incremental, walks the
// configured paths, writes the manifest and archive into a new snapshot and
// commits it.
//
// A run never leaves a half-written snapshot behind. Until the ver marker
// is written the snapshot directory is owned by the run and removed on any
// failure:
//
//	mgr := backup.NewManager(store, opts, backup.WithClock(clk))
//	res, err := mgr.Run(ctx)
//
// After a successful commit the configured retention policy is applied;
// purge failures are reported in the Result but do not undo the backup.
package backup
