// Command statecache runs the write-behind game state cache.
package main

import (
	"fmt"
	"os"

	"github.com/vannguyen-14/client-matino/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
