// Command ctrlplaned is the control-plane daemon binary: it wires the
// cobra command tree in internal/cmd and runs it.
package main

import (
	"os"

	"ctrlplane/internal/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
