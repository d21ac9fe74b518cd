package main

import (
	"fmt"
	"io"

	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/ccsim"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/node"
	"github.com/kstaniek/go-nuc-can/internal/sysclk"
)

// readKey blocks for one key press on the controlling terminal.
var readKey = func() (rune, error) {
	t, err := tty.Open()
	if err != nil {
		return 0, err
	}
	defer t.Close()
	return t.ReadRune()
}

// wakeFrames are the frames the demo plays onto the bus, one per armed
// receive object of the default plan.
var wakeFrames = []can.Message{
	can.NewMessage(0x7FF, 0x11, 0x22),
	can.NewMessage(0x12345, 0x01, 0x02, 0x03, 0x04),
	can.NewMessage(0x7FF01, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11),
}

func newDemoCmd(clock func() uint32) *cobra.Command {
	var (
		bitrate uint32
		choose  bool
		noWait  bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Power down the simulated core and wake it with bus traffic",
		Long: `Arms the default object plan (objects 0, 5 and 31 receive, wake-up enabled)
on the simulated core, powers it down and plays one frame per object. The
first frame wakes the core; every frame is then read back through the
interrupt path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if choose {
				r, err := selectSpeed(out, readKey)
				if err != nil {
					return err
				}
				bitrate = r
			}
			if err := runDemo(out, clock(), bitrate); err != nil {
				return err
			}
			if noWait {
				return nil
			}
			fmt.Fprintln(out, "Press any key to exit")
			_, err := readKey()
			return err
		},
	}
	cmd.Flags().Uint32Var(&bitrate, "bitrate", 500000, "bit rate in bit/s")
	cmd.Flags().BoolVar(&choose, "select", false, "pick the bit rate from a menu")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "exit without waiting for a key")
	return cmd
}

// selectSpeed shows the standard rates and returns the one picked by key.
func selectSpeed(out io.Writer, key func() (rune, error)) (uint32, error) {
	fmt.Fprintln(out, "Select the CAN speed:")
	for i, r := range standardRates {
		fmt.Fprintf(out, "[%d] %4dKbps\n", i, r/1000)
	}
	k, err := key()
	if err != nil {
		return 0, err
	}
	i := int(k - '0')
	if i < 0 || i >= len(standardRates) {
		return 0, fmt.Errorf("no speed for key %q", k)
	}
	fmt.Fprintf(out, "%c\n", k)
	return standardRates[i], nil
}

func runDemo(out io.Writer, clockHz, bitrate uint32) error {
	sim := ccsim.New(ccsim.WithLogger(logging.Discard()))
	ctl := ccan.New(sim,
		ccan.WithLogger(logging.Discard()),
		ccan.WithPlatform(sysclk.Static{Hz: clockHz, Reset: sim.Reset}))

	plan := node.DefaultPlan()
	plan.Bitrate = bitrate
	n, err := node.New(ctl, plan,
		node.WithLogger(logging.Discard()),
		node.WithReceiver(func(m can.Message) { showMsg(out, m) }),
		node.WithWakeupHook(func() { fmt.Fprintln(out, "Wake-up from power down mode!") }))
	if err != nil {
		return err
	}
	t, err := n.Start()
	if err != nil {
		return err
	}
	defer func() { _ = n.Stop() }()
	baudRateCheck(out, clockHz, bitrate, t)

	fmt.Fprintln(out, "Entering power-down; waiting for bus activity")
	sim.PowerDown()
	for _, m := range wakeFrames {
		if !sim.Deliver(m) {
			return fmt.Errorf("no object accepted %s", m)
		}
		if _, err := ctl.Dispatch(); err != nil {
			return err
		}
	}
	return nil
}

func showMsg(out io.Writer, m can.Message) {
	kind := "STD"
	if m.Extended() {
		kind = "EXT"
	}
	fmt.Fprintf(out, "Read ID=0x%X, Type=%s, DLC=%d, Data=% X\n", m.ID, kind, m.DLC, m.Payload())
}
