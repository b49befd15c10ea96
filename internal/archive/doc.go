// Package archive stores and retrieves the file contents of a snapshot.
//
// An archive is a tar stream, optionally compressed with gzip or bzip2,
// written either to a single file (files.tar, files.tar.gz, files.tar.bz2)
// or split into numbered parts (files.tar.gz.0000, files.tar.gz.0001, ...).
// Ref locates an archive on disk and Archiver is the collaborator the rest
// of the engine drives: create from a member list, list, extract named
// members and append.
package archive
