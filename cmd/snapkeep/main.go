// Package main is the entry point for the snapkeep CLI.
package main

import (
	"os"

	"github.com/thoreinstein/snapkeep/cmd/snapkeep/commands"
)

func main() {
	os.Exit(commands.Execute())
}
