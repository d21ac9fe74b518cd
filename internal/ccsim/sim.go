// Package ccsim is a register-level model of the C-CAN core: control and
// status registers, two interface windows, 32 message objects, the
// message handler's acceptance filtering, basic and loop-back test
// modes, the wake-up detector and the interrupt line.
package ccsim

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/logging"
)

// Power-on values.
const (
	resetCON   = ccan.CON_INIT
	resetBTIME = 0x2301
	resetTEST  = ccan.TEST_RX
)

type object struct {
	mask1, mask2 uint32
	arb1, arb2   uint32
	mcon         uint32
	data         [4]uint32
}

func (o *object) valid() bool { return o.arb2&ccan.ARB2_MSGVAL != 0 }
func (o *object) tx() bool    { return o.arb2&ccan.ARB2_DIR != 0 }

// idBits returns the 29-bit arbitration field. Standard ids occupy the
// upper 11 bits, exactly as the registers hold them.
func idBits(lo, hi uint32) uint32 { return (hi&ccan.ID_HI_MASK)<<16 | lo&0xFFFF }

func frameBits(m can.Message) uint32 {
	if m.Extended() {
		return m.ID & can.CAN_EFF_MASK
	}
	return (m.ID & can.CAN_SFF_MASK) << 18
}

// accepts applies the acceptance filter of o to m.
func (o *object) accepts(m can.Message) bool {
	xtd := o.arb2&ccan.ARB2_XTD != 0
	mask := uint32(can.CAN_EFF_MASK)
	checkXtd := true
	if o.mcon&ccan.MCON_UMASK != 0 {
		mask = idBits(o.mask1, o.mask2)
		checkXtd = o.mask2&ccan.MASK2_MXTD != 0
	}
	if checkXtd && xtd != m.Extended() {
		return false
	}
	return (frameBits(m)^idBits(o.arb1, o.arb2))&mask == 0
}

type ifRegs struct {
	creq, cmask  uint32
	mask1, mask2 uint32
	arb1, arb2   uint32
	mcon         uint32
	data         [4]uint32
	// busyReads is how many more CREQ reads report BUSY; negative sticks.
	busyReads int
}

// Sim is a simulated C-CAN peripheral implementing ccan.Bus.
type Sim struct {
	mu sync.Mutex

	con, status, errc uint32
	btime, brpe, test uint32
	statusPending     bool

	ifs [2]ifRegs
	ram [ccan.NumSlots]object

	wuEN, wuStatus uint32
	powerDown      bool

	busyPerTransfer [2]int
	irq             chan struct{}
	kick            chan struct{}
	autoTx          bool
	onTransmit      func(can.Message)
	log             *slog.Logger
}

// Option configures a Sim.
type Option func(*Sim)

// WithBusyReads makes the CREQ of window n (0 or 1) report BUSY for reads
// CREQ reads after every transfer. A negative value never clears.
func WithBusyReads(n, reads int) Option {
	return func(s *Sim) { s.busyPerTransfer[n] = reads }
}

// WithTransmitHook is called, without the sim lock held, for every frame
// the core puts on the bus.
func WithTransmitHook(fn func(can.Message)) Option {
	return func(s *Sim) { s.onTransmit = fn }
}

// WithAutoTransmit lets Run send requested frames without explicit Step
// calls.
func WithAutoTransmit() Option { return func(s *Sim) { s.autoTx = true } }

func WithLogger(l *slog.Logger) Option { return func(s *Sim) { s.log = l } }

// New returns a sim in its power-on state.
func New(opts ...Option) *Sim {
	s := &Sim{
		irq:  make(chan struct{}, 1),
		kick: make(chan struct{}, 1),
		log:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	s.Reset()
	return s
}

// SetTransmitHook replaces the transmit hook.
func (s *Sim) SetTransmitHook(fn func(can.Message)) {
	s.mu.Lock()
	s.onTransmit = fn
	s.mu.Unlock()
}

// Reset returns every register and message object to its power-on value.
func (s *Sim) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.con, s.status, s.errc = resetCON, 0, 0
	s.btime, s.brpe, s.test = resetBTIME, 0, resetTEST
	s.statusPending = false
	s.ifs = [2]ifRegs{}
	s.ram = [ccan.NumSlots]object{}
	s.wuEN, s.wuStatus = 0, 0
	s.powerDown = false
}

// IRQ is signalled whenever the interrupt line is asserted.
func (s *Sim) IRQ() <-chan struct{} { return s.irq }

func (s *Sim) testMode(bit uint32) bool {
	return s.con&ccan.CON_TEST != 0 && s.test&bit != 0
}

func ifIndex(off uint32) (int, uint32, bool) {
	for n := 0; n < 2; n++ {
		base := ccan.IFBase(n)
		if off >= base && off <= base+ccan.IF_DAT_B2 {
			return n, off - base, true
		}
	}
	return 0, 0, false
}

// Read32 implements ccan.Bus.
func (s *Sim) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, reg, ok := ifIndex(off); ok {
		return s.readIF(n, reg)
	}
	switch off {
	case ccan.RegCON:
		return s.con
	case ccan.RegSTATUS:
		s.statusPending = false
		return s.status
	case ccan.RegERR:
		return s.errc
	case ccan.RegBTIME:
		return s.btime
	case ccan.RegIIDR:
		return s.iidr()
	case ccan.RegTEST:
		return s.test
	case ccan.RegBRPE:
		return s.brpe
	case ccan.RegTXREQ1, ccan.RegTXREQ2:
		return s.bitmap(off == ccan.RegTXREQ2, func(o *object) bool { return o.mcon&ccan.MCON_TXRQST != 0 })
	case ccan.RegNDAT1, ccan.RegNDAT2:
		return s.bitmap(off == ccan.RegNDAT2, func(o *object) bool { return o.mcon&ccan.MCON_NEWDAT != 0 })
	case ccan.RegIPND1, ccan.RegIPND2:
		return s.bitmap(off == ccan.RegIPND2, func(o *object) bool { return o.mcon&ccan.MCON_INTPND != 0 })
	case ccan.RegMVLD1, ccan.RegMVLD2:
		return s.bitmap(off == ccan.RegMVLD2, (*object).valid)
	case ccan.RegWUEN:
		return s.wuEN
	case ccan.RegWUSTATUS:
		return s.wuStatus
	}
	return 0
}

func (s *Sim) readIF(n int, reg uint32) uint32 {
	w := &s.ifs[n]
	switch reg {
	case ccan.IF_CREQ:
		v := w.creq
		if w.busyReads != 0 {
			v |= ccan.CREQ_BUSY
			if w.busyReads > 0 {
				w.busyReads--
			}
		}
		return v
	case ccan.IF_CMASK:
		return w.cmask
	case ccan.IF_MASK1:
		return w.mask1
	case ccan.IF_MASK2:
		return w.mask2
	case ccan.IF_ARB1:
		return w.arb1
	case ccan.IF_ARB2:
		return w.arb2
	case ccan.IF_MCON:
		return w.mcon
	case ccan.IF_DAT_A1, ccan.IF_DAT_A2, ccan.IF_DAT_B1, ccan.IF_DAT_B2:
		return w.data[(reg-ccan.IF_DAT_A1)/4]
	}
	return 0
}

func (s *Sim) bitmap(high bool, pred func(*object) bool) uint32 {
	first := 0
	if high {
		first = 16
	}
	var v uint32
	for i := 0; i < 16; i++ {
		if pred(&s.ram[first+i]) {
			v |= 1 << uint(i)
		}
	}
	return v
}

// iidr returns the highest priority pending source: status first, then
// the lowest numbered object with INTPND set.
func (s *Sim) iidr() uint32 {
	if s.statusPending {
		return ccan.IIDRStatus
	}
	for i := range s.ram {
		if s.ram[i].mcon&ccan.MCON_INTPND != 0 {
			return uint32(i + 1)
		}
	}
	return 0
}

// Write32 implements ccan.Bus.
func (s *Sim) Write32(off uint32, v uint32) {
	s.mu.Lock()
	var sent []can.Message
	if n, reg, ok := ifIndex(off); ok {
		sent = s.writeIF(n, reg, v)
	} else {
		s.writeCtl(off, v)
	}
	hook := s.onTransmit
	s.updateIRQ()
	s.mu.Unlock()
	s.kickTx()
	if hook != nil {
		for _, m := range sent {
			hook(m)
		}
	}
}

func (s *Sim) writeCtl(off uint32, v uint32) {
	switch off {
	case ccan.RegCON:
		s.con = v & 0xEF
	case ccan.RegSTATUS:
		s.status = s.status&^0x1F | v&0x1F
	case ccan.RegBTIME:
		if s.con&(ccan.CON_INIT|ccan.CON_CCE) == ccan.CON_INIT|ccan.CON_CCE {
			s.btime = v & 0x7FFF
		}
	case ccan.RegBRPE:
		if s.con&(ccan.CON_INIT|ccan.CON_CCE) == ccan.CON_INIT|ccan.CON_CCE {
			s.brpe = v & ccan.BRPE_MASK
		}
	case ccan.RegTEST:
		if s.con&ccan.CON_TEST != 0 {
			s.test = v&0x7C | ccan.TEST_RX
		}
	case ccan.RegWUEN:
		s.wuEN = v & 1
	case ccan.RegWUSTATUS:
		s.wuStatus &= v & 1
	}
}

func (s *Sim) writeIF(n int, reg uint32, v uint32) []can.Message {
	w := &s.ifs[n]
	v &= 0xFFFF
	switch reg {
	case ccan.IF_CREQ:
		return s.request(n, v)
	case ccan.IF_CMASK:
		w.cmask = v & 0xFF
	case ccan.IF_MASK1:
		w.mask1 = v
	case ccan.IF_MASK2:
		w.mask2 = v &^ (1 << 13)
	case ccan.IF_ARB1:
		w.arb1 = v
	case ccan.IF_ARB2:
		w.arb2 = v
	case ccan.IF_MCON:
		w.mcon = v
	case ccan.IF_DAT_A1, ccan.IF_DAT_A2, ccan.IF_DAT_B1, ccan.IF_DAT_B2:
		w.data[(reg-ccan.IF_DAT_A1)/4] = v
	}
	return nil
}

// request handles a CREQ write: a message RAM transfer in normal
// operation, an immediate transmission of IF1 in basic mode.
func (s *Sim) request(n int, v uint32) []can.Message {
	w := &s.ifs[n]
	if s.testMode(ccan.TEST_BASIC) {
		if n == 0 && v&ccan.CREQ_BUSY != 0 {
			m := decode(w.arb1, w.arb2, w.mcon, w.data, w.arb2&ccan.ARB2_DIR == 0)
			s.setStatus(ccan.STATUS_TXOK)
			return []can.Message{m}
		}
		return nil
	}
	w.creq = v & ccan.CREQ_MSGNUM_MASK
	num := int(w.creq)
	if num < 1 || num > ccan.NumSlots {
		return nil
	}
	s.transfer(w, &s.ram[num-1])
	w.busyReads = s.busyPerTransfer[n]
	return nil
}

func (s *Sim) transfer(w *ifRegs, o *object) {
	cm := w.cmask
	if cm&ccan.CMASK_WRRD != 0 {
		if cm&ccan.CMASK_MASK != 0 {
			o.mask1, o.mask2 = w.mask1, w.mask2
		}
		if cm&ccan.CMASK_ARB != 0 {
			o.arb1, o.arb2 = w.arb1, w.arb2
		}
		if cm&ccan.CMASK_CONTROL != 0 {
			o.mcon = w.mcon
		}
		if cm&ccan.CMASK_DAT_A != 0 {
			o.data[0], o.data[1] = w.data[0], w.data[1]
		}
		if cm&ccan.CMASK_DAT_B != 0 {
			o.data[2], o.data[3] = w.data[2], w.data[3]
		}
		if cm&ccan.CMASK_TXRQST_NEWDAT != 0 {
			o.mcon |= ccan.MCON_TXRQST
		}
		return
	}
	if cm&ccan.CMASK_MASK != 0 {
		w.mask1, w.mask2 = o.mask1, o.mask2
	}
	if cm&ccan.CMASK_ARB != 0 {
		w.arb1, w.arb2 = o.arb1, o.arb2
	}
	if cm&ccan.CMASK_CONTROL != 0 {
		w.mcon = o.mcon
	}
	if cm&ccan.CMASK_DAT_A != 0 {
		w.data[0], w.data[1] = o.data[0], o.data[1]
	}
	if cm&ccan.CMASK_DAT_B != 0 {
		w.data[2], w.data[3] = o.data[2], o.data[3]
	}
	if cm&ccan.CMASK_CLRINTPND != 0 {
		o.mcon &^= ccan.MCON_INTPND
	}
	if cm&ccan.CMASK_TXRQST_NEWDAT != 0 {
		o.mcon &^= ccan.MCON_NEWDAT
	}
}

func decode(arb1, arb2, mcon uint32, data [4]uint32, remote bool) can.Message {
	m := can.Message{FrameType: can.DataFrame}
	if remote {
		m.FrameType = can.RemoteFrame
	}
	if arb2&ccan.ARB2_XTD != 0 {
		m.IDType = can.ExtendedID
		m.ID = idBits(arb1, arb2)
	} else {
		m.ID = (arb2 & 0x1FFC) >> 2
	}
	m.DLC = uint8(mcon & ccan.MCON_DLC_MASK)
	if m.DLC > can.MaxDLC {
		m.DLC = can.MaxDLC
	}
	for i := 0; i < int(m.DLC); i++ {
		m.Data[i] = byte(data[i/2] >> (8 * uint(i%2)))
	}
	return m
}

func encodeData(d [can.MaxDLC]byte) [4]uint32 {
	var r [4]uint32
	for i := range r {
		r[i] = uint32(d[2*i+1])<<8 | uint32(d[2*i])
	}
	return r
}

// setStatus raises status bits and the status interrupt when enabled.
func (s *Sim) setStatus(bits uint32) {
	s.status |= bits
	if s.con&ccan.CON_SIE != 0 && bits&(ccan.STATUS_TXOK|ccan.STATUS_RXOK|ccan.STATUS_LEC) != 0 {
		s.statusPending = true
	}
	if s.con&ccan.CON_EIE != 0 && bits&(ccan.STATUS_BOFF|ccan.STATUS_EWARN|ccan.STATUS_EPASS) != 0 {
		s.statusPending = true
	}
}

// updateIRQ asserts the interrupt line. Callers hold mu.
func (s *Sim) updateIRQ() {
	wake := s.wuStatus != 0
	if (s.con&ccan.CON_IE != 0 && s.iidr() != 0) || wake {
		select {
		case s.irq <- struct{}{}:
		default:
		}
	}
}

func (s *Sim) kickTx() {
	if !s.autoTx {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Step transmits the highest priority requested object, if any, and
// reports whether a frame was sent.
func (s *Sim) Step() bool {
	s.mu.Lock()
	if s.con&ccan.CON_INIT != 0 || s.powerDown {
		s.mu.Unlock()
		return false
	}
	slot := -1
	for i := range s.ram {
		o := &s.ram[i]
		if o.valid() && o.mcon&ccan.MCON_TXRQST != 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		s.mu.Unlock()
		return false
	}
	o := &s.ram[slot]
	m := decode(o.arb1, o.arb2, o.mcon, o.data, !o.tx())
	o.mcon &^= ccan.MCON_TXRQST | ccan.MCON_NEWDAT
	if o.mcon&ccan.MCON_TXIE != 0 {
		o.mcon |= ccan.MCON_INTPND
	}
	s.setStatus(ccan.STATUS_TXOK)
	if s.testMode(ccan.TEST_LBACK) {
		s.receive(m)
	}
	hook := s.onTransmit
	s.updateIRQ()
	s.mu.Unlock()
	s.log.Debug("sim_tx", "slot", slot, "id", m.ID)
	if hook != nil {
		hook(m)
	}
	return true
}

// Flush steps until nothing is left to send and returns the frame count.
func (s *Sim) Flush() int {
	n := 0
	for s.Step() {
		n++
	}
	return n
}

// Deliver offers a frame from the bus to the core and reports whether a
// message object (or the basic-mode receive buffer) took it. While
// powered down with wake-up armed, the first frame raises WU_STATUS and
// powers the core back up; the frame itself is still received.
func (s *Sim) Deliver(m can.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateIRQ()
	if s.powerDown {
		if s.wuEN == 0 {
			return false
		}
		s.powerDown = false
		s.wuStatus = ccan.WUSTATUS_FLAG
		s.log.Debug("sim_wakeup")
	}
	if s.con&ccan.CON_INIT != 0 || s.testMode(ccan.TEST_LBACK) {
		return false
	}
	if s.testMode(ccan.TEST_BASIC) {
		w := &s.ifs[1]
		var arb1, arb2 uint32
		if m.Extended() {
			arb1, arb2 = m.ID&0xFFFF, (m.ID>>16)&ccan.ID_HI_MASK|ccan.ARB2_XTD
		} else {
			arb2 = (m.ID & can.CAN_SFF_MASK) << 2
		}
		if m.FrameType == can.RemoteFrame {
			arb2 |= ccan.ARB2_DIR
		}
		w.arb1, w.arb2 = arb1, arb2
		w.mcon = ccan.MCON_NEWDAT | uint32(m.DLC)
		w.data = encodeData(m.Data)
		s.setStatus(ccan.STATUS_RXOK)
		return true
	}
	return s.receive(m)
}

// receive runs the message handler for an incoming frame. Callers hold mu.
func (s *Sim) receive(m can.Message) bool {
	s.setStatus(ccan.STATUS_RXOK)
	for i := range s.ram {
		o := &s.ram[i]
		if !o.valid() || !o.accepts(m) {
			continue
		}
		if m.FrameType == can.RemoteFrame {
			if !o.tx() {
				continue
			}
			if o.mcon&ccan.MCON_RMTEN != 0 {
				o.mcon |= ccan.MCON_TXRQST
				if s.autoTx {
					select {
					case s.kick <- struct{}{}:
					default:
					}
				}
			}
			return true
		}
		if o.tx() {
			continue
		}
		if o.mcon&ccan.MCON_NEWDAT != 0 {
			if o.mcon&ccan.MCON_EOB == 0 {
				continue
			}
			o.mcon |= ccan.MCON_MSGLST
		}
		if o.mcon&ccan.MCON_UMASK != 0 {
			if m.Extended() {
				o.arb1 = m.ID & 0xFFFF
				o.arb2 = o.arb2&^ccan.ID_HI_MASK | (m.ID>>16)&ccan.ID_HI_MASK
			} else {
				o.arb2 = o.arb2&^ccan.ID_HI_MASK | (m.ID&can.CAN_SFF_MASK)<<2
			}
		}
		o.mcon = o.mcon&^ccan.MCON_DLC_MASK | uint32(m.DLC) | ccan.MCON_NEWDAT
		if o.mcon&ccan.MCON_RXIE != 0 {
			o.mcon |= ccan.MCON_INTPND
		}
		o.data = encodeData(m.Data)
		return true
	}
	return false
}

// PowerDown stops the core clock. Only a wake-up can restart it.
func (s *Sim) PowerDown() {
	s.mu.Lock()
	s.powerDown = true
	s.mu.Unlock()
}

// PoweredDown reports whether the core clock is stopped.
func (s *Sim) PoweredDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerDown
}

// SetErrorCounters models bus errors: EWARN from 96, EPASS from 128.
func (s *Sim) SetErrorCounters(tec, rec uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateIRQ()
	s.errc = uint32(tec) | uint32(rec&0x7F)<<ccan.ERR_REC_POS
	if rec >= 128 {
		s.errc |= ccan.ERR_RP
	}
	var bits uint32
	if tec >= 96 || rec >= 96 {
		bits |= ccan.STATUS_EWARN
	}
	if tec >= 128 || rec >= 128 {
		bits |= ccan.STATUS_EPASS
	}
	s.status &^= ccan.STATUS_EWARN | ccan.STATUS_EPASS
	s.setStatus(bits)
}

// BusOff drives the core into bus-off; the core sets INIT as hardware does.
func (s *Sim) BusOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateIRQ()
	s.errc = 0xFF | ccan.ERR_RP
	s.setStatus(ccan.STATUS_BOFF | ccan.STATUS_EWARN | ccan.STATUS_EPASS)
	s.con |= ccan.CON_INIT
}

// SetLEC records a last error code.
func (s *Sim) SetLEC(lec ccan.LEC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateIRQ()
	s.status &^= ccan.STATUS_LEC
	s.setStatus(uint32(lec) & ccan.STATUS_LEC)
}

// Run transmits requested frames as they appear until ctx is done. It
// does nothing unless WithAutoTransmit was given.
func (s *Sim) Run(ctx context.Context) {
	if !s.autoTx {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.Flush()
		}
	}
}
