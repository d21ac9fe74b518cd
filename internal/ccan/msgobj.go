package ccan

import (
	"fmt"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// Direction of a message object.
type Direction uint8

const (
	DirRx Direction = 0
	DirTx Direction = 1
)

func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// Slot is a snapshot of one message object as read through IF2.
type Slot struct {
	Index      int
	Valid      bool
	Direction  Direction
	IDType     can.IDType
	ID         uint32
	UseMask    bool
	Mask       can.Mask
	DLC        uint8
	Data       [can.MaxDLC]byte
	NewData    bool
	MsgLost    bool
	IntPending bool
	TxRequest  bool
	RxIE       bool
	TxIE       bool
	EOB        bool
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return nil
}

// messageRAMMode rejects message-object work outside normal and
// loop-back operation.
func (c *Controller) messageRAMMode() error {
	switch c.mode() {
	case ModeUninitialized:
		return ErrNotOpen
	case ModeBasic:
		return fmt.Errorf("%w: message objects are bypassed in basic mode", ErrWrongMode)
	}
	return nil
}

// arbitration encodes id and type into ARB1/ARB2 (MSGVAL and DIR unset).
func arbitration(t can.IDType, id uint32) (arb1, arb2 uint32) {
	if t == can.ExtendedID {
		return id & 0xFFFF, (id>>16)&ID_HI_MASK | ARB2_XTD
	}
	return 0, (id & can.CAN_SFF_MASK) << 2
}

// decodeArbitration is the inverse of arbitration.
func decodeArbitration(arb1, arb2 uint32) (can.IDType, uint32) {
	if arb2&ARB2_XTD != 0 {
		return can.ExtendedID, (arb2&ID_HI_MASK)<<16 | arb1&0xFFFF
	}
	return can.StandardID, (arb2 & 0x1FFC) >> 2
}

func maskRegisters(m can.Mask) (mask1, mask2 uint32) {
	if m.IDType == can.ExtendedID {
		mask1 = m.ID & 0xFFFF
		mask2 = (m.ID >> 16) & ID_HI_MASK
	} else {
		mask2 = (m.ID & can.CAN_SFF_MASK) << 2
	}
	if m.Xtd {
		mask2 |= MASK2_MXTD
	}
	if m.Dir {
		mask2 |= MASK2_MDIR
	}
	return mask1, mask2
}

func decodeMask(t can.IDType, mask1, mask2 uint32) can.Mask {
	m := can.Mask{IDType: t, Xtd: mask2&MASK2_MXTD != 0, Dir: mask2&MASK2_MDIR != 0}
	if t == can.ExtendedID {
		m.ID = (mask2&ID_HI_MASK)<<16 | mask1&0xFFFF
	} else {
		m.ID = (mask2 & 0x1FFC) >> 2
	}
	return m
}

// packData lays bytes out little-endian, two per 16-bit data register.
func packData(d [can.MaxDLC]byte) [4]uint32 {
	var r [4]uint32
	for i := range r {
		r[i] = uint32(d[2*i+1])<<8 | uint32(d[2*i])
	}
	return r
}

func unpackData(r [4]uint32, dlc uint8) [can.MaxDLC]byte {
	var d [can.MaxDLC]byte
	for i := 0; i < int(dlc) && i < can.MaxDLC; i++ {
		d[i] = byte(r[i/2] >> (8 * uint(i%2)))
	}
	return d
}

func decodeMessage(img image, frameType can.FrameType) can.Message {
	t, id := decodeArbitration(img.arb1, img.arb2)
	dlc := uint8(img.mcon & MCON_DLC_MASK)
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}
	return can.Message{IDType: t, FrameType: frameType, ID: id, DLC: dlc, Data: unpackData(img.data, dlc)}
}

// ConfigureReceive arms slot as an exact-match receive filter for id.
func (c *Controller) ConfigureReceive(slot int, t can.IDType, id uint32) error {
	return c.configureRx(slot, t, id, nil, true)
}

// ConfigureReceiveMasked arms slot with an acceptance mask.
func (c *Controller) ConfigureReceiveMasked(slot int, t can.IDType, id uint32, mask can.Mask) error {
	if err := can.ValidateID(mask.IDType, mask.ID); err != nil {
		return fmt.Errorf("mask: %w", err)
	}
	return c.configureRx(slot, t, id, &mask, true)
}

// ConfigureReceiveRange arms count consecutive slots starting at start
// with the same filter so they behave as a FIFO. Only the last object
// carries end-of-buffer.
func (c *Controller) ConfigureReceiveRange(start, count int, t can.IDType, id uint32) error {
	if err := checkSlot(start); err != nil {
		return err
	}
	if count < 1 || start+count > NumSlots {
		return fmt.Errorf("%w: start %d count %d", ErrRange, start, count)
	}
	if err := can.ValidateID(t, id); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := c.configureRx(start+i, t, id, nil, i == count-1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) configureRx(slot int, t can.IDType, id uint32, mask *can.Mask, last bool) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := can.ValidateID(t, id); err != nil {
		return err
	}
	if err := c.messageRAMMode(); err != nil {
		return err
	}
	img := image{cmask: CMASK_WRRD | CMASK_MASK | CMASK_ARB | CMASK_CONTROL | CMASK_DAT_A | CMASK_DAT_B}
	img.arb1, img.arb2 = arbitration(t, id)
	img.arb2 |= ARB2_MSGVAL
	img.mcon = MCON_RXIE
	if mask != nil {
		img.mask1, img.mask2 = maskRegisters(*mask)
		img.mcon |= MCON_UMASK
	}
	if last {
		img.mcon |= MCON_EOB
	}

	release := c.acquire(winWrite)
	defer release()
	c.stage(winWrite, &img)
	if err := c.command(winWrite, slot, img.cmask); err != nil {
		return err
	}
	c.log.Debug("rx_object_set", "slot", slot, "type", t.String(), "id", id, "masked", mask != nil)
	return nil
}

// PrepareTransmit loads msg into slot as a transmit object without
// requesting transmission.
func (c *Controller) PrepareTransmit(slot int, msg can.Message) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.messageRAMMode(); err != nil {
		return err
	}
	img := image{cmask: CMASK_WRRD | CMASK_MASK | CMASK_ARB | CMASK_CONTROL | CMASK_DAT_A | CMASK_DAT_B}
	img.arb1, img.arb2 = arbitration(msg.IDType, msg.ID)
	img.arb2 |= ARB2_MSGVAL
	if msg.FrameType == can.DataFrame {
		img.arb2 |= ARB2_DIR
	}
	img.mcon = MCON_NEWDAT | uint32(msg.DLC) | MCON_TXIE | MCON_EOB
	img.data = packData(msg.Data)

	release := c.acquire(winWrite)
	defer release()
	c.stage(winWrite, &img)
	return c.command(winWrite, slot, img.cmask)
}

// Trigger requests transmission of a prepared slot. Completion arrives
// later as a message event for the slot.
func (c *Controller) Trigger(slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := c.messageRAMMode(); err != nil {
		return err
	}
	release := c.acquire(winWrite)
	defer release()
	if err := c.command(winWrite, slot, CMASK_CLRINTPND|CMASK_TXRQST_NEWDAT); err != nil {
		return err
	}
	if err := c.command(winWrite, slot, CMASK_WRRD|CMASK_TXRQST_NEWDAT); err != nil {
		return err
	}
	metrics.IncTxRequest()
	return nil
}

// Transmit sends msg. In basic mode IF1 is used as the transmit buffer
// and slot, which must still be a valid index, is otherwise ignored.
func (c *Controller) Transmit(slot int, msg can.Message) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if c.mode() == ModeBasic {
		return c.basicSend(msg)
	}
	if err := c.PrepareTransmit(slot, msg); err != nil {
		return err
	}
	return c.Trigger(slot)
}

// Receive reads the frame held by slot and clears its new-data and
// interrupt-pending flags. ErrNotAvailable is returned when the slot had
// no unread frame. In basic mode slot is validated but otherwise ignored.
func (c *Controller) Receive(slot int) (can.Message, error) {
	if err := checkSlot(slot); err != nil {
		return can.Message{}, err
	}
	if c.mode() == ModeBasic {
		return c.basicReceive()
	}
	if err := c.messageRAMMode(); err != nil {
		return can.Message{}, err
	}
	if !bitmapBit(c.bus, RegNDAT1, RegNDAT2, slot) {
		return can.Message{}, ErrNotAvailable
	}

	release := c.acquire(winRead)
	defer release()
	cmask := uint32(CMASK_MASK | CMASK_ARB | CMASK_CONTROL | CMASK_CLRINTPND | CMASK_TXRQST_NEWDAT | CMASK_DAT_A | CMASK_DAT_B)
	if err := c.command(winRead, slot, cmask); err != nil {
		return can.Message{}, err
	}
	img := c.load(winRead)
	if img.mcon&MCON_NEWDAT == 0 {
		// drained between the bitmap check and the transfer
		return can.Message{}, ErrNotAvailable
	}
	if img.mcon&MCON_MSGLST != 0 {
		metrics.IncMessageLost()
		c.log.Warn("rx_message_lost", "slot", slot)
	}
	metrics.IncRx()
	return decodeMessage(img, frameTypeOf(img.arb2)), nil
}

// frameTypeOf maps the DIR bit of a fetched object: set means remote.
func frameTypeOf(arb2 uint32) can.FrameType {
	if arb2&ARB2_DIR != 0 {
		return can.RemoteFrame
	}
	return can.DataFrame
}

// ClearPending acknowledges the interrupt of slot so IIDR can advance.
// Only INTPND is cleared; an unread frame keeps NEWDAT.
func (c *Controller) ClearPending(slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	release := c.acquire(winRead)
	defer release()
	return c.command(winRead, slot, CMASK_CLRINTPND)
}

// Invalidate clears MSGVAL of slot so it neither receives nor sends.
func (c *Controller) Invalidate(slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := c.messageRAMMode(); err != nil {
		return err
	}
	return c.invalidate(slot)
}

func (c *Controller) invalidate(slot int) error {
	release := c.acquire(winWrite)
	defer release()
	img := image{cmask: CMASK_WRRD | CMASK_ARB | CMASK_CONTROL}
	c.stage(winWrite, &img)
	return c.command(winWrite, slot, img.cmask)
}

// Inspect reads slot without touching its flags.
func (c *Controller) Inspect(slot int) (Slot, error) {
	if err := checkSlot(slot); err != nil {
		return Slot{}, err
	}
	if err := c.messageRAMMode(); err != nil {
		return Slot{}, err
	}
	release := c.acquire(winRead)
	defer release()
	if err := c.command(winRead, slot, CMASK_MASK|CMASK_ARB|CMASK_CONTROL|CMASK_DAT_A|CMASK_DAT_B); err != nil {
		return Slot{}, err
	}
	img := c.load(winRead)
	t, id := decodeArbitration(img.arb1, img.arb2)
	s := Slot{
		Index:      slot,
		Valid:      img.arb2&ARB2_MSGVAL != 0,
		IDType:     t,
		ID:         id,
		UseMask:    img.mcon&MCON_UMASK != 0,
		Mask:       decodeMask(t, img.mask1, img.mask2),
		DLC:        uint8(img.mcon & MCON_DLC_MASK),
		NewData:    img.mcon&MCON_NEWDAT != 0,
		MsgLost:    img.mcon&MCON_MSGLST != 0,
		IntPending: img.mcon&MCON_INTPND != 0,
		TxRequest:  img.mcon&MCON_TXRQST != 0,
		RxIE:       img.mcon&MCON_RXIE != 0,
		TxIE:       img.mcon&MCON_TXIE != 0,
		EOB:        img.mcon&MCON_EOB != 0,
	}
	if img.arb2&ARB2_DIR != 0 {
		s.Direction = DirTx
	}
	if s.DLC > can.MaxDLC {
		s.DLC = can.MaxDLC
	}
	s.Data = unpackData(img.data, s.DLC)
	return s, nil
}

// NewDataPending reports the NDAT bit of slot.
func (c *Controller) NewDataPending(slot int) (bool, error) {
	if err := checkSlot(slot); err != nil {
		return false, err
	}
	return bitmapBit(c.bus, RegNDAT1, RegNDAT2, slot), nil
}

// TxPending reports the TXREQ bit of slot.
func (c *Controller) TxPending(slot int) (bool, error) {
	if err := checkSlot(slot); err != nil {
		return false, err
	}
	return bitmapBit(c.bus, RegTXREQ1, RegTXREQ2, slot), nil
}

// basicSend writes msg into IF1 and starts a transfer by setting BUSY.
func (c *Controller) basicSend(msg can.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	release := c.acquire(winWrite)
	defer release()
	if err := c.waitIdle(winWrite); err != nil {
		return fmt.Errorf("%w: %v", ErrTxBusy, err)
	}
	c.bus.Write32(RegSTATUS, c.bus.Read32(RegSTATUS)&^STATUS_TXOK)
	img := image{cmask: CMASK_WRRD}
	img.arb1, img.arb2 = arbitration(msg.IDType, msg.ID)
	if msg.FrameType == can.DataFrame {
		img.arb2 |= ARB2_DIR
	}
	img.mcon = uint32(msg.DLC)
	img.data = packData(msg.Data)
	c.stage(winWrite, &img)
	c.bus.Write32(winWrite.reg(IF_CREQ), CREQ_BUSY)
	if err := c.waitIdle(winWrite); err != nil {
		return err
	}
	metrics.IncTxRequest()
	return nil
}

// basicReceive takes the frame the core left in IF2.
func (c *Controller) basicReceive() (can.Message, error) {
	release := c.acquire(winRead)
	defer release()
	img := c.load(winRead)
	if img.mcon&MCON_NEWDAT == 0 {
		return can.Message{}, ErrNotAvailable
	}
	c.bus.Write32(RegSTATUS, c.bus.Read32(RegSTATUS)&^STATUS_RXOK)
	c.bus.Write32(winRead.reg(IF_MCON), img.mcon&^MCON_NEWDAT)
	metrics.IncRx()
	return decodeMessage(img, frameTypeOf(img.arb2)), nil
}
