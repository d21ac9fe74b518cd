// Package node is the application on top of the CAN core: it opens the
// controller, arms the object plan, drains received objects from the
// dispatch callback and transmits on behalf of monitor clients.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

// ErrNoTxSlot wraps ccan.ErrTxBusy when every transmit object is pending.
var ErrNoTxSlot = fmt.Errorf("%w: no free transmit object", ccan.ErrTxBusy)

type Node struct {
	ctl  *ccan.Controller
	plan Plan
	log  *slog.Logger

	onRx     func(can.Message)
	onWakeup func()

	mode    ccan.Mode
	running atomic.Bool

	txMu   sync.Mutex
	txNext int

	busOff atomic.Bool
}

var (
	_ ccan.Handler   = (*Node)(nil)
	_ transport.Sink = (*Node)(nil)
)

type Option func(*Node)

// WithReceiver is called for every message drained from a receive object.
// It runs on the dispatch goroutine and must not block.
func WithReceiver(fn func(can.Message)) Option { return func(n *Node) { n.onRx = fn } }

// WithWakeupHook is called after a wake-up event.
func WithWakeupHook(fn func()) Option { return func(n *Node) { n.onWakeup = fn } }

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

// New binds a node to ctl. The plan is validated here so Start only
// fails on hardware conditions.
func New(ctl *ccan.Controller, plan Plan, opts ...Option) (*Node, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	mode, _ := ccan.ParseMode(plan.Mode)
	n := &Node{ctl: ctl, plan: plan, mode: mode, log: logging.L()}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Start opens the controller and arms the plan, interrupts and wake-up.
func (n *Node) Start() (ccan.Timing, error) {
	n.ctl.SetHandler(n)
	t, err := n.ctl.Open(n.plan.Bitrate, n.mode)
	if err != nil {
		return ccan.Timing{}, fmt.Errorf("node: open: %w", err)
	}
	if n.mode != ccan.ModeBasic {
		for _, e := range n.plan.Rx {
			if err := n.arm(e); err != nil {
				_ = n.ctl.Close()
				return ccan.Timing{}, fmt.Errorf("node: rx slot %d: %w", e.Slot, err)
			}
		}
	}
	if err := n.ctl.EnableInterrupt(ccan.CON_IE | ccan.CON_SIE | ccan.CON_EIE); err != nil {
		_ = n.ctl.Close()
		return ccan.Timing{}, err
	}
	if err := n.ctl.SetWakeup(n.plan.Wakeup); err != nil {
		_ = n.ctl.Close()
		return ccan.Timing{}, err
	}
	n.busOff.Store(false)
	n.running.Store(true)
	n.log.Info("node_started", "mode", n.mode.String(), "rx_slots", n.plan.rxSlots(), "tx_slots", n.plan.TxSlots, "wakeup", n.plan.Wakeup)
	return t, nil
}

func (n *Node) arm(e RxEntry) error {
	switch {
	case e.Count > 1:
		return n.ctl.ConfigureReceiveRange(e.Slot, e.Count, e.idType(), e.ID)
	case e.Mask != 0:
		return n.ctl.ConfigureReceiveMasked(e.Slot, e.idType(), e.ID, can.Mask{Xtd: true, ID: e.Mask, IDType: e.idType()})
	default:
		return n.ctl.ConfigureReceive(e.Slot, e.idType(), e.ID)
	}
}

// Stop closes the controller. It is safe to call more than once.
func (n *Node) Stop() error {
	if !n.running.Swap(false) {
		return nil
	}
	n.log.Info("node_stopped")
	return n.ctl.Close()
}

// Serve dispatches interrupts signalled on irq until ctx ends.
func (n *Node) Serve(ctx context.Context, irq <-chan struct{}) error {
	err := n.ctl.Serve(ctx, irq)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// BusOff reports whether the last status event was bus-off.
func (n *Node) BusOff() bool { return n.busOff.Load() }

// HandleEvent is the dispatch callback.
func (n *Node) HandleEvent(c *ccan.Controller, ev ccan.Event) {
	switch ev.Kind {
	case ccan.EventMessage:
		if slices.Contains(n.plan.TxSlots, ev.Slot) {
			metrics.IncTxDone()
			return
		}
		n.drain(c, ev.Slot)
	case ccan.EventStatusChange:
		n.busOff.Store(false)
		if n.mode == ccan.ModeBasic && ev.Status.RxOK {
			n.drain(c, 0)
		}
	case ccan.EventBusOff:
		n.busOff.Store(true)
	case ccan.EventErrorWarning, ccan.EventErrorPassive:
		n.log.Debug("node_bus_errors", "kind", ev.Kind.String(), "tec", ev.Status.TEC, "rec", ev.Status.REC)
	case ccan.EventWakeup:
		n.log.Info("node_wakeup")
		if n.onWakeup != nil {
			n.onWakeup()
		}
	}
}

func (n *Node) drain(c *ccan.Controller, slot int) {
	m, err := c.Receive(slot)
	switch {
	case errors.Is(err, ccan.ErrNotAvailable):
		return
	case err != nil:
		metrics.IncError(metrics.ErrControllerRx)
		n.log.Warn("node_receive_error", "slot", slot, "error", err)
		return
	}
	n.log.Debug("node_rx", "slot", slot, "msg", m.String())
	if n.onRx != nil {
		n.onRx(m)
	}
}

// Send transmits m on the next free transmit object, round-robin. In
// basic mode the IF1 buffer is used instead.
func (n *Node) Send(m can.Message) error {
	if !n.running.Load() {
		return ccan.ErrNotOpen
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if n.mode == ccan.ModeBasic {
		return n.transmit(0, m)
	}
	n.txMu.Lock()
	defer n.txMu.Unlock()
	slots := n.plan.TxSlots
	for i := 0; i < len(slots); i++ {
		slot := slots[(n.txNext+i)%len(slots)]
		busy, err := n.ctl.TxPending(slot)
		if err != nil {
			return err
		}
		if busy {
			continue
		}
		n.txNext = (n.txNext + i + 1) % len(slots)
		return n.transmit(slot, m)
	}
	return ErrNoTxSlot
}

func (n *Node) transmit(slot int, m can.Message) error {
	if err := n.ctl.Transmit(slot, m); err != nil {
		if !errors.Is(err, ccan.ErrTxBusy) {
			metrics.IncError(metrics.ErrControllerTx)
		}
		return err
	}
	return nil
}
