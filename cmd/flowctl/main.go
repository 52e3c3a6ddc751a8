// Command flowctl is the operator CLI for a running flowd instance:
// start, resume, cancel and inspect flows over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/nuulab/flowcore/cmd/flowctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
