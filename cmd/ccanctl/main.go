// Command ccanctl is an offline companion to can-node: it tabulates bit
// timings, decodes raw register values and runs the wake-up sample on
// the simulated core.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
