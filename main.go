// Command turbulenced is a BEEP (RFC 3080/3081) application server core:
// it matches incoming connections against profile-path rules, supervises
// per-path child processes, and hosts pluggable modules.
package main

import (
	"fmt"
	"os"

	"turbulenced/cmd"

	// Modules register themselves with the module host (spec.md §4.5)
	// from their own init() functions; blank-importing them here is what
	// compiles them into this binary, standing in for spec.md §6.3's
	// "discover modules by scanning configured directories" now that
	// modules are Go packages rather than independently built .so files.
	_ "turbulenced/modules/remoteadmin"
	_ "turbulenced/modules/wsgate"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
