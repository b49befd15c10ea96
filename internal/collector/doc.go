// Package collector walks the configured paths and decides, path by path,
// what goes into a snapshot.
//
// Rules are evaluated in order and the first one that fires wins:
//
//  1. the backup target directory is excluded (forced);
//  2. a path whose nearest include/exclude entry excludes it, or that
//     matches an exclusion regex, is excluded (config) unless it is an
//     explicit include or an ancestor of one;
//  3. unreadable, vanished and circular paths are excluded (forced);
//  4. regular files over the size limit are excluded (config) unless the
//     file itself is an explicit include;
//  5. everything else is included.
//
// Included files are compared with the parent snapshot's manifest to
// decide whether they are stored again (Y) or left to the parent (N).
package collector
