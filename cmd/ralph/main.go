// Command ralph moves learning event records in and out of the
// registered data backends from the command line.
//
// Reads stream newline-delimited JSON to stdout, writes consume it
// from stdin. The backend is picked with --backend and configured
// through a ralph.yaml file or RALPH_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/grokify/ralph"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ralph:", err)
		if ralph.IsParameter(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
