// Command baed is the bae-sync CLI, giving every synchronization and
// membership operation (C1-C10) an externally invokable entry point, the
// way roach88-nysm's internal/cli wraps its compiler/engine packages.
package main

import (
	"fmt"
	"os"

	"github.com/baesync/bae-sync/cmd/baed/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
