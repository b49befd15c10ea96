// Package paths resolves the per-user locations snapkeep reads and writes.
//
// The package wraps github.com/adrg/xdg for XDG Base Directory compliance:
//
//	paths.ConfigFile()    // ~/.config/snapkeep/config.yaml
//	paths.DefaultTarget() // ~/.local/share/snapkeep/backups
//
// [Expand] turns user supplied paths ("~/docs", "./data") into the absolute
// form the rest of the engine requires.
package paths
