// Command flbridge drives FL Studio through its controller and piano-roll
// script mailboxes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/flbridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
