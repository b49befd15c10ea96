// Package snapshot manages the on-disk snapshot directories of a backup
// target.
//
// Each snapshot lives in a directory named
// "<UTC time>.<host>.<ful|inc>", for example
// "2024-05-01T12.30.00.000000.laptop.inc". The directory holds the
// manifest (files.snar), the archive, the include, exclude and regex lists,
// an optional package listing, a base file naming the parent of an
// incremental snapshot, and the ver marker whose presence means the
// snapshot was committed.
//
// A [Store] lists the committed snapshots of a target newest first and
// caches the listing. Directories with an invalid name or without ver are
// reported by [Store.Corrupt] and left on disk.
package snapshot
