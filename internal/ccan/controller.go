// Package ccan drives the Bosch C-CAN core found on Nuvoton NUC1311
// parts: bit timing, controller lifecycle, the 32 message objects behind
// the two interface windows, and interrupt dispatch.
package ccan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/maplock"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// NumSlots is the size of the message-object table.
const NumSlots = 32

// DefaultPollAttempts bounds interface busy-flag waits.
const DefaultPollAttempts = 1 << 16

// Mode is the operating mode selected by Open.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModeNormal
	// ModeBasic bypasses message RAM: IF1 is the transmit buffer and IF2
	// the receive buffer.
	ModeBasic
	// ModeLoopback feeds transmitted frames back to the receiver.
	ModeLoopback
)

func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeNormal:
		return "normal"
	case ModeBasic:
		return "basic"
	case ModeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the String form of a mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeNormal, ModeBasic, ModeLoopback} {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeUninitialized, fmt.Errorf("ccan: unknown mode %q (use normal|basic|loopback)", s)
}

// Platform is the system collaborator: peripheral clock, protected
// register unlock scope and module reset.
type Platform interface {
	ClockHz() uint32
	Unlocked(fn func() error) error
	ResetCAN() error
}

// State is a snapshot of the controller state.
type State struct {
	Mode          Mode
	Timing        Timing
	InterruptMask uint32
	Wakeup        bool
}

// Controller owns one C-CAN peripheral.
type Controller struct {
	bus      Bus
	platform Platform
	log      *slog.Logger
	ctx      context.Context
	handler  Handler

	pollAttempts uint
	pollDelay    time.Duration

	windows *maplock.Maplock

	// mu guards state. It may be held while taking a window lock, never
	// the reverse.
	mu    sync.Mutex
	state State

	dispatchMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

func WithPlatform(p Platform) Option { return func(c *Controller) { c.platform = p } }

// WithPollAttempts bounds busy-flag waits; zero keeps the default.
func WithPollAttempts(n uint) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pollAttempts = n
		}
	}
}

// WithPollDelay sets the pause between busy-flag reads (default none).
func WithPollDelay(d time.Duration) Option { return func(c *Controller) { c.pollDelay = d } }

// WithContext aborts pending busy-flag waits when ctx is done.
func WithContext(ctx context.Context) Option { return func(c *Controller) { c.ctx = ctx } }

func WithHandler(h Handler) Option { return func(c *Controller) { c.handler = h } }

// New returns a controller over bus. Without WithPlatform a 48 MHz
// static clock with no-op unlock and reset is assumed.
func New(bus Bus, opts ...Option) *Controller {
	c := &Controller{
		bus:          bus,
		platform:     staticPlatform(48000000),
		log:          logging.L(),
		ctx:          context.Background(),
		pollAttempts: DefaultPollAttempts,
		windows:      maplock.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHandler replaces the dispatch callback.
func (c *Controller) SetHandler(h Handler) {
	c.dispatchMu.Lock()
	c.handler = h
	c.dispatchMu.Unlock()
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

// Open resets the peripheral, programs bit timing for bitrate and selects
// mode. It returns the timing actually programmed; Timing.Bitrate may
// differ from bitrate when the clock has no exact divisor.
func (c *Controller) Open(bitrate uint32, mode Mode) (Timing, error) {
	if mode != ModeNormal && mode != ModeBasic && mode != ModeLoopback {
		return Timing{}, fmt.Errorf("ccan: open: invalid mode %v", mode)
	}
	t, err := CalcTiming(c.platform.ClockHz(), bitrate)
	if err != nil {
		return Timing{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.platform.Unlocked(c.platform.ResetCAN); err != nil {
		return Timing{}, fmt.Errorf("ccan: reset: %w", err)
	}
	c.bus.Write32(RegCON, CON_INIT|CON_CCE)
	for slot := 0; slot < NumSlots; slot++ {
		if err := c.invalidate(slot); err != nil {
			return Timing{}, err
		}
	}
	c.bus.Write32(RegBTIME, t.BTIME())
	c.bus.Write32(RegBRPE, t.BRPE())

	con := c.bus.Read32(RegCON) &^ CON_TEST
	var test uint32
	switch mode {
	case ModeBasic:
		con |= CON_TEST
		test = TEST_BASIC
	case ModeLoopback:
		con |= CON_TEST
		test = TEST_LBACK
	}
	c.bus.Write32(RegCON, con)
	c.bus.Write32(RegTEST, test)
	if err := c.leaveInit(); err != nil {
		return Timing{}, err
	}

	c.state = State{Mode: mode, Timing: t}
	metrics.SetBitrate(t.Bitrate)
	c.log.Info("can_open", "bitrate", bitrate, "achieved", t.Bitrate, "exact", t.Exact,
		"brp", t.BRP, "tseg1", t.TSeg1, "tseg2", t.TSeg2, "mode", mode.String())
	if !t.Exact {
		c.log.Warn("can_bitrate_inexact", "requested", bitrate, "achieved", t.Bitrate, "clock", c.platform.ClockHz())
	}
	return t, nil
}

// leaveInit clears INIT/CCE and waits for the core to join the bus.
func (c *Controller) leaveInit() error {
	c.bus.Write32(RegCON, c.bus.Read32(RegCON)&^(CON_INIT|CON_CCE))
	if err := c.poll(func() bool { return c.bus.Read32(RegCON)&CON_INIT == 0 }); err != nil {
		return fmt.Errorf("ccan: leave init: %w", err)
	}
	return nil
}

// Close invalidates every message object, masks interrupts, disarms
// wake-up and parks the core in init mode. Closing twice is a no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode == ModeUninitialized {
		return nil
	}
	var firstErr error
	if c.state.Mode != ModeBasic {
		for slot := 0; slot < NumSlots; slot++ {
			if err := c.invalidate(slot); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.bus.Write32(RegWUEN, 0)
	c.bus.Write32(RegTEST, 0)
	c.bus.Write32(RegCON, CON_INIT)
	c.state = State{}
	c.log.Info("can_close")
	return firstErr
}

// EnableInterrupt replaces the module interrupt enables (CON.IE, SIE, EIE)
// with mask. Per-object enables are untouched.
func (c *Controller) EnableInterrupt(mask uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode == ModeUninitialized {
		return ErrNotOpen
	}
	mask &= CON_INTMASK
	c.bus.Write32(RegCON, (c.bus.Read32(RegCON)&^CON_INTMASK)|mask)
	c.state.InterruptMask = mask
	return nil
}

// DisableInterrupt clears the module interrupt enables in mask.
func (c *Controller) DisableInterrupt(mask uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode == ModeUninitialized {
		return ErrNotOpen
	}
	mask &= CON_INTMASK
	c.bus.Write32(RegCON, c.bus.Read32(RegCON)&^mask)
	c.state.InterruptMask &^= mask
	return nil
}

// SetWakeup arms or disarms bus-activity wake detection. A stale wake
// flag is cleared when arming.
func (c *Controller) SetWakeup(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode == ModeUninitialized {
		return ErrNotOpen
	}
	if enabled {
		c.bus.Write32(RegWUSTATUS, 0)
		c.bus.Write32(RegWUEN, 1)
	} else {
		c.bus.Write32(RegWUEN, 0)
	}
	c.state.Wakeup = enabled
	return nil
}

// GetBitRate recomputes the bit rate from the timing registers.
func (c *Controller) GetBitRate() uint32 {
	return TimingFromRegisters(c.platform.ClockHz(), c.bus.Read32(RegBTIME), c.bus.Read32(RegBRPE)).Bitrate
}

// Status is the decoded STATUS and ERR registers.
type Status struct {
	Raw     uint32
	LEC     LEC
	TxOK    bool
	RxOK    bool
	Passive bool
	Warning bool
	BusOff  bool
	TEC     uint8
	REC     uint8
	RP      bool
}

// DecodeStatus decodes raw STATUS and ERR values.
func DecodeStatus(status, errc uint32) Status {
	return Status{
		Raw:     status,
		LEC:     LEC(status & STATUS_LEC),
		TxOK:    status&STATUS_TXOK != 0,
		RxOK:    status&STATUS_RXOK != 0,
		Passive: status&STATUS_EPASS != 0,
		Warning: status&STATUS_EWARN != 0,
		BusOff:  status&STATUS_BOFF != 0,
		TEC:     uint8(errc & ERR_TEC_MASK),
		REC:     uint8(Field(errc, ERR_REC_POS, uint32(ERR_REC_MASK))),
		RP:      errc&ERR_RP != 0,
	}
}

// ReadStatus samples STATUS and ERR. On the hardware a STATUS read
// acknowledges a pending status interrupt.
func (c *Controller) ReadStatus() Status {
	return DecodeStatus(c.bus.Read32(RegSTATUS), c.bus.Read32(RegERR))
}

// LEC is the last error code field of STATUS.
type LEC uint8

var lecNames = [...]string{"none", "stuff", "form", "ack", "bit1", "bit0", "crc", "unused"}

func (l LEC) String() string { return lecNames[l&7] }

type staticPlatform uint32

func (s staticPlatform) ClockHz() uint32                { return uint32(s) }
func (s staticPlatform) Unlocked(fn func() error) error { return fn() }
func (s staticPlatform) ResetCAN() error                { return nil }
