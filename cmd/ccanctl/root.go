package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

const defaultClockHz = 48_000_000

func newRootCmd() *cobra.Command {
	var clockHz uint32
	root := &cobra.Command{
		Use:           "ccanctl",
		Short:         "ccanctl works with the C-CAN message-object core offline",
		Long:          `Bit-timing tables, register decoding and a simulated wake-up demo for the C-CAN core driven by can-node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Uint32Var(&clockHz, "clock", defaultClockHz, "peripheral clock in Hz")
	clock := func() uint32 { return clockHz }

	root.AddCommand(
		newTimingCmd(clock),
		newDecodeCmd(clock),
		newDemoCmd(clock),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ccanctl %s (commit %s)\n", version, commit)
			},
		},
	)
	return root
}

// parseReg accepts decimal, 0x hex and 0b binary register values.
func parseReg(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad register value %q: %w", s, err)
	}
	return uint32(v), nil
}
