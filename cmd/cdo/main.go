// Command cdo compiles, inspects, validates and runs CDO command streams.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cdo/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
