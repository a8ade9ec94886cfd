// Package main provides the recipesyncd daemon: the sync scheduler with a
// local REST/WebSocket API, plus one-shot queue and sync commands.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cmd := newRootCommand()
	cmd.Version = Version
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
