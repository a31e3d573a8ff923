// Command formsync runs form sync rules, retries and prefills from the
// command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/formsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	// Commands report their own ExitErrors; anything else is a usage or
	// flag error from cobra.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
