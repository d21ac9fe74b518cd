package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-nuc-can/internal/ccan"
)

func newDecodeCmd(clock func() uint32) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode raw register values",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status STATUS [ERR]",
			Short: "Decode STATUS and optionally the ERR counter register",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				regs, err := parseRegs(args)
				if err != nil {
					return err
				}
				regs = append(regs, 0)
				writeStatus(cmd.OutOrStdout(), ccan.DecodeStatus(regs[0], regs[1]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "iidr VALUE",
			Short: "Decode the interrupt identifier",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseReg(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), describeIIDR(v))
				return nil
			},
		},
		&cobra.Command{
			Use:   "btime BTIME [BRPE]",
			Short: "Decode bit timing registers at the --clock frequency",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				regs, err := parseRegs(args)
				if err != nil {
					return err
				}
				regs = append(regs, 0)
				t := ccan.TimingFromRegisters(clock(), regs[0], regs[1])
				fmt.Fprintln(cmd.OutOrStdout(), t.String())
				return nil
			},
		},
	)
	return cmd
}

func parseRegs(args []string) ([]uint32, error) {
	out := make([]uint32, 0, len(args)+1)
	for _, a := range args {
		v, err := parseReg(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func describeIIDR(v uint32) string {
	switch {
	case v == 0:
		return "none: no interrupt pending"
	case v == ccan.IIDRStatus:
		return "status: status change or error interrupt"
	case v >= 1 && v <= ccan.NumSlots:
		return fmt.Sprintf("message: object %d", v-1)
	default:
		return fmt.Sprintf("reserved: 0x%04X", v)
	}
}

func writeStatus(out io.Writer, st ccan.Status) {
	fmt.Fprintf(out, "STATUS 0x%02X\n", st.Raw)
	fmt.Fprintf(out, "  lec      %s\n", st.LEC)
	fmt.Fprintf(out, "  tx_ok    %t\n", st.TxOK)
	fmt.Fprintf(out, "  rx_ok    %t\n", st.RxOK)
	fmt.Fprintf(out, "  passive  %t\n", st.Passive)
	fmt.Fprintf(out, "  warning  %t\n", st.Warning)
	fmt.Fprintf(out, "  bus_off  %t\n", st.BusOff)
	fmt.Fprintf(out, "ERR tec=%d rec=%d rp=%t\n", st.TEC, st.REC, st.RP)
}
