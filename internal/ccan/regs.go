package ccan

import "golang.org/x/exp/constraints"

// Bus is 32-bit register access relative to the CAN peripheral base.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// CAN0 base address on NUC1311.
const CAN0Base = 0x40180000

// Controller registers.
const (
	RegCON    = 0x00
	RegSTATUS = 0x04
	RegERR    = 0x08
	RegBTIME  = 0x0C
	RegIIDR   = 0x10
	RegTEST   = 0x14
	RegBRPE   = 0x18

	RegTXREQ1    = 0x100
	RegTXREQ2    = 0x104
	RegNDAT1     = 0x120
	RegNDAT2     = 0x124
	RegIPND1     = 0x140
	RegIPND2     = 0x144
	RegMVLD1     = 0x160
	RegMVLD2     = 0x164
	RegWUEN      = 0x168
	RegWUSTATUS  = 0x16C
	RegBlockSize = 0x170
)

// CON bits.
const (
	CON_INIT = 1 << 0
	CON_IE   = 1 << 1
	CON_SIE  = 1 << 2
	CON_EIE  = 1 << 3
	CON_DAR  = 1 << 5
	CON_CCE  = 1 << 6
	CON_TEST = 1 << 7

	// CON_INTMASK covers the three interrupt source enables.
	CON_INTMASK = CON_IE | CON_SIE | CON_EIE
)

// STATUS bits.
const (
	STATUS_LEC   = 0x7
	STATUS_TXOK  = 1 << 3
	STATUS_RXOK  = 1 << 4
	STATUS_EPASS = 1 << 5
	STATUS_EWARN = 1 << 6
	STATUS_BOFF  = 1 << 7
)

// ERR fields.
const (
	ERR_TEC_MASK = 0xFF
	ERR_REC_POS  = 8
	ERR_REC_MASK = 0x7F
	ERR_RP       = 1 << 15
)

// BTIME fields.
const (
	BTIME_BRP_MASK   = 0x3F
	BTIME_SJW_POS    = 6
	BTIME_SJW_MASK   = 0x3
	BTIME_TSEG1_POS  = 8
	BTIME_TSEG1_MASK = 0xF
	BTIME_TSEG2_POS  = 12
	BTIME_TSEG2_MASK = 0x7
	BRPE_MASK        = 0xF
)

// TEST bits.
const (
	TEST_BASIC  = 1 << 2
	TEST_SILENT = 1 << 3
	TEST_LBACK  = 1 << 4
	TEST_TX_POS = 5
	TEST_RX     = 1 << 7
)

// IIDR special value for a status interrupt.
const IIDRStatus = 0x8000

// Interface window layout. IF n lives at ifBase + n*ifStride.
const (
	ifBase   = 0x20
	ifStride = 0x60

	IF_CREQ   = 0x00
	IF_CMASK  = 0x04
	IF_MASK1  = 0x08
	IF_MASK2  = 0x0C
	IF_ARB1   = 0x10
	IF_ARB2   = 0x14
	IF_MCON   = 0x18
	IF_DAT_A1 = 0x1C
	IF_DAT_A2 = 0x20
	IF_DAT_B1 = 0x24
	IF_DAT_B2 = 0x28
)

// IFBase returns the register offset of interface window n (0 or 1).
func IFBase(n int) uint32 { return ifBase + uint32(n)*ifStride }

// CREQ bits.
const (
	CREQ_MSGNUM_MASK = 0x3F
	CREQ_BUSY        = 1 << 15
)

// CMASK bits.
const (
	CMASK_DAT_B         = 1 << 0
	CMASK_DAT_A         = 1 << 1
	CMASK_TXRQST_NEWDAT = 1 << 2
	CMASK_CLRINTPND     = 1 << 3
	CMASK_CONTROL       = 1 << 4
	CMASK_ARB           = 1 << 5
	CMASK_MASK          = 1 << 6
	CMASK_WRRD          = 1 << 7
)

// MASK2 / ARB2 bits.
const (
	MASK2_MDIR  = 1 << 14
	MASK2_MXTD  = 1 << 15
	ARB2_DIR    = 1 << 13
	ARB2_XTD    = 1 << 14
	ARB2_MSGVAL = 1 << 15
	ID_HI_MASK  = 0x1FFF
)

// MCON bits.
const (
	MCON_DLC_MASK = 0xF
	MCON_EOB      = 1 << 7
	MCON_TXRQST   = 1 << 8
	MCON_RMTEN    = 1 << 9
	MCON_RXIE     = 1 << 10
	MCON_TXIE     = 1 << 11
	MCON_UMASK    = 1 << 12
	MCON_INTPND   = 1 << 13
	MCON_MSGLST   = 1 << 14
	MCON_NEWDAT   = 1 << 15
)

// WU_STATUS bit.
const WUSTATUS_FLAG = 1 << 0

// Field extracts a right-aligned field.
func Field[T constraints.Unsigned](v T, pos uint, mask T) T { return (v >> pos) & mask }

// SetField replaces a field in v.
func SetField[T constraints.Unsigned](v T, pos uint, mask T, f T) T {
	return (v &^ (mask << pos)) | ((f & mask) << pos)
}

// bitmapBit reads bit (slot) from a pair of 16-bit bitmap registers.
func bitmapBit(bus Bus, lo, hi uint32, slot int) bool {
	if slot < 16 {
		return bus.Read32(lo)&(1<<uint(slot)) != 0
	}
	return bus.Read32(hi)&(1<<uint(slot-16)) != 0
}

// Bitmap32 joins two 16-bit bitmap registers.
func Bitmap32(bus Bus, lo, hi uint32) uint32 {
	return (bus.Read32(lo) & 0xFFFF) | (bus.Read32(hi)&0xFFFF)<<16
}
