// Package metadata reads and writes the per-snapshot change manifest.
//
// The manifest follows the GNU tar listed-incremental layout: a banner line
// naming the archiver and format version, two NUL-terminated timestamps,
// then one Record per directory. A Record carries five NUL-terminated
// numeric stat fields (device, inode, mtime, mode, size), the
// newline-terminated directory path, and its Entries. Each Entry is a
// control byte followed by the child's name and a NUL; an empty Entry
// closes the Record.
//
//	GNU tar-1.35-2\n
//	1700000000\0 0\0
//	64769\0 131\0 1699999000\0 16877\0 4096\0 /data\n
//	Ya.txt\0 Nb.txt\0 Dsub\0 \0
//
// (spaces added for readability only.)
//
// [Parse] and [Write] round-trip exactly. [Manifest] indexes a decoded
// manifest so that [Manifest.Lookup], [Manifest.ListEntries] and
// [Manifest.Entry] do not rescan the records.
package metadata
