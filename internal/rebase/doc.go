// Package rebase moves an incremental snapshot onto an older ancestor.
//
// Rebasing snapshot C off its parent B merges B's manifest into C's, copies
// the archive members C depends on from B's archive into C's, unions the
// include and exclude lists and points C at B's base. All of that is
// prepared in a hidden workspace inside C's directory; C's own files are
// only touched at the commit point, after its ver marker has been removed.
// Once B is no longer referenced it can be deleted without breaking any
// chain. When B was full, C becomes full and is renamed accordingly.
package rebase
