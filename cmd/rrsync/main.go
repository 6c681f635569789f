// Command rrsync runs and inspects the run-return sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/sphinxkit/rrsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rrsync:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
