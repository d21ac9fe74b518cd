package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-nuc-can/internal/ccan"
)

// standardRates are the speeds offered by the wake-up sample menu.
var standardRates = []uint32{1000000, 800000, 500000, 250000, 125000, 100000, 50000}

func newTimingCmd(clock func() uint32) *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "timing [bitrate...]",
		Short: "Tabulate bit timing solutions",
		Long:  `Compute BRP, TSEG1, TSEG2 and the BTIME/BRPE register values for each bit rate (bit/s, k suffix allowed). Without arguments the standard rates from 1000k down to 50k are listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rates := standardRates
			if len(args) > 0 {
				rates = rates[:0:0]
				for _, a := range args {
					r, err := parseRate(a)
					if err != nil {
						return err
					}
					rates = append(rates, r)
				}
			}
			return writeTimingTable(cmd.OutOrStdout(), clock(), rates, explain)
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "explain rates the clock cannot hit exactly")
	return cmd
}

func parseRate(s string) (uint32, error) {
	mult := uint64(1)
	if t, ok := strings.CutSuffix(strings.ToLower(s), "k"); ok {
		s, mult = t, 1000
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("bad bit rate %q", s)
	}
	return uint32(v * mult), nil
}

func writeTimingTable(out io.Writer, clockHz uint32, rates []uint32, explain bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RATE\tBRP\tTSEG1\tTSEG2\tSP\tBTIME\tBRPE\tREAL\tEXACT")
	var inexact []ccan.Timing
	var requested []uint32
	for _, r := range rates {
		t, err := ccan.CalcTiming(clockHz, r)
		if err != nil {
			return fmt.Errorf("%d bit/s: %w", r, err)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d.%d%%\t0x%04X\t0x%X\t%d\t%t\n",
			r, t.BRP, t.TSeg1, t.TSeg2, t.SamplePoint/10, t.SamplePoint%10, t.BTIME(), t.BRPE(), t.Bitrate, t.Exact)
		if !t.Exact {
			inexact = append(inexact, t)
			requested = append(requested, r)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if explain {
		for i, t := range inexact {
			baudRateCheck(out, clockHz, requested[i], t)
		}
	}
	return nil
}

// baudRateCheck reports the achieved rate and, when the request could not
// be met, how the rate is derived and which constraint failed.
func baudRateCheck(out io.Writer, clockHz, want uint32, t ccan.Timing) {
	if t.Exact {
		fmt.Fprintf(out, "real bit rate: %d bit/s\n", t.Bitrate)
		return
	}
	fmt.Fprintf(out, "\n%d bit/s cannot be set exactly; real bit rate: %d bit/s\n", want, t.Bitrate)
	fmt.Fprintln(out, "bit rate = Fin / (BRP * (1 + TSEG1 + TSEG2))")
	fmt.Fprintln(out, "  Fin:   peripheral clock")
	fmt.Fprintln(out, "  BRP:   prescaler, BTIME[5:0] extended by BRPE[3:0]")
	fmt.Fprintln(out, "  TSEG1: quanta before the sample point, BTIME[11:8]")
	fmt.Fprintln(out, "  TSEG2: quanta after the sample point, BTIME[14:12]")
	if clockHz%want != 0 {
		fmt.Fprintf(out, "Fin (%d Hz) is not a multiple of the bit rate.\n", clockHz)
	} else {
		fmt.Fprintf(out, "Fin/bit rate (%d) has no divisor usable as the quanta count.\n", clockHz/want)
	}
}
