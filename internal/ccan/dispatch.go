package ccan

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// maxSourcesPerDispatch bounds one Dispatch call: every object plus the
// status source.
const maxSourcesPerDispatch = NumSlots + 1

// EventKind classifies a dispatched interrupt source.
type EventKind int

const (
	EventMessage EventKind = iota
	EventStatusChange
	EventBusOff
	EventErrorWarning
	EventErrorPassive
	EventWakeup
)

var eventKindNames = [...]string{"message", "status", "bus_off", "error_warning", "error_passive", "wakeup"}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is delivered to the Handler for each interrupt source.
type Event struct {
	Kind EventKind
	// Slot is the message object index for EventMessage, -1 otherwise.
	Slot int
	// Code is the raw IIDR value that produced the event (0 for wake-up).
	Code   uint32
	Status Status
}

// Handler receives dispatched events. It runs without any window lock
// held and may call Receive, Transmit and friends, but not Dispatch.
// The object's interrupt is acknowledged after HandleEvent returns, so a
// frame that lands between the handler's Receive and that acknowledgement
// raises no further event; it stays in the object with NEWDAT set and is
// returned by the next Receive (NewDataPending reports it).
type Handler interface {
	HandleEvent(c *Controller, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Controller, ev Event)

func (f HandlerFunc) HandleEvent(c *Controller, ev Event) { f(c, ev) }

// Dispatch services every pending interrupt source. IIDR only shows the
// highest priority source, so it is re-read after each one until it
// reads zero. Message events are acknowledged after the handler returns.
// The wake-up flag is checked on every call. It returns the number of
// events delivered.
func (c *Controller) Dispatch() (int, error) {
	if c.mode() == ModeUninitialized {
		return 0, ErrNotOpen
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	n := 0
	var err error
loop:
	for i := 0; i < maxSourcesPerDispatch; i++ {
		code := c.bus.Read32(RegIIDR) & 0xFFFF
		switch {
		case code == 0:
			break loop
		case code == IIDRStatus:
			c.emit(c.statusEvent(code))
		case code >= 1 && code <= NumSlots:
			slot := int(code - 1)
			c.emit(Event{Kind: EventMessage, Slot: slot, Code: code})
			if cerr := c.ClearPending(slot); cerr != nil {
				err = fmt.Errorf("clear pending slot %d: %w", slot, cerr)
				break loop
			}
		default:
			err = fmt.Errorf("ccan: unexpected IIDR 0x%04X", code)
			break loop
		}
		n++
	}

	if c.bus.Read32(RegWUSTATUS)&WUSTATUS_FLAG != 0 {
		c.bus.Write32(RegWUSTATUS, 0)
		metrics.IncWakeup()
		c.log.Info("wakeup_detected")
		c.emit(Event{Kind: EventWakeup, Slot: -1})
		n++
	}
	if err != nil {
		metrics.IncError(metrics.ErrDispatch)
	}
	return n, err
}

// statusEvent acknowledges RXOK/TXOK and classifies the bus state.
func (c *Controller) statusEvent(code uint32) Event {
	st := c.ReadStatus()
	if ack := st.Raw & (STATUS_RXOK | STATUS_TXOK); ack != 0 {
		c.bus.Write32(RegSTATUS, st.Raw&^ack)
	}
	metrics.SetErrorCounters(st.TEC, st.REC)
	ev := Event{Kind: EventStatusChange, Slot: -1, Code: code, Status: st}
	switch {
	case st.BusOff:
		ev.Kind = EventBusOff
		c.log.Error("status_bus_off", "tec", st.TEC, "rec", st.REC)
	case st.Warning:
		ev.Kind = EventErrorWarning
		c.log.Warn("status_error_warning", "tec", st.TEC, "rec", st.REC)
	case st.Passive:
		ev.Kind = EventErrorPassive
		c.log.Warn("status_error_passive", "tec", st.TEC, "rec", st.REC)
	default:
		c.log.Debug("status_change", "lec", st.LEC.String(), "rxok", st.RxOK, "txok", st.TxOK)
	}
	return ev
}

func (c *Controller) emit(ev Event) {
	metrics.IncEvent(ev.Kind.String())
	if c.handler != nil {
		c.handler.HandleEvent(c, ev)
	}
}

// Serve runs Dispatch for every signal on irq until ctx is done or irq
// is closed. Dispatch errors are logged and do not stop the loop.
func (c *Controller) Serve(ctx context.Context, irq <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-irq:
			if !ok {
				return nil
			}
			if _, err := c.Dispatch(); err != nil {
				if errors.Is(err, ErrNotOpen) {
					continue
				}
				c.log.Warn("dispatch_error", "error", err)
			}
		}
	}
}
