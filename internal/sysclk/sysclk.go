// Package sysclk provides the system services the CAN core needs: the
// peripheral clock frequency, a protected-register unlock scope and the
// CAN module reset.
package sysclk

import (
	"errors"
	"fmt"
	"sync"
)

// SYS and CLK register offsets from the system manager base.
const (
	SYSBase = 0x50000000

	RegIPRSTC2   = 0x00C
	RegREGWRPROT = 0x100
	RegAPBCLK    = 0x208

	IPRSTC2_CAN0_RST = 1 << 24
	APBCLK_CAN0_EN   = 1 << 24
	REGWRPROT_UNLOCK = 1 << 0
)

// unlockSeq is written to REGWRPROT to open protected registers.
var unlockSeq = [...]uint32{0x59, 0x16, 0x88}

var ErrLocked = errors.New("sysclk: protected registers did not unlock")

// Bus is 32-bit register access relative to SYSBase.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// System drives the real SYS/CLK registers. The clock frequency is
// supplied by the caller; clock tree setup is done by the boot firmware.
type System struct {
	bus Bus
	hz  uint32
	mu  sync.Mutex
}

func NewSystem(bus Bus, hz uint32) *System { return &System{bus: bus, hz: hz} }

func (s *System) ClockHz() uint32 { return s.hz }

// Unlocked runs fn with protected registers unlocked and locks them
// again afterwards, unless they were already unlocked on entry.
func (s *System) Unlocked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus.Read32(RegREGWRPROT)&REGWRPROT_UNLOCK != 0 {
		return fn()
	}
	for _, v := range unlockSeq {
		s.bus.Write32(RegREGWRPROT, v)
	}
	if s.bus.Read32(RegREGWRPROT)&REGWRPROT_UNLOCK == 0 {
		return ErrLocked
	}
	defer s.bus.Write32(RegREGWRPROT, 0)
	return fn()
}

// ResetCAN pulses the CAN0 reset line after making sure its clock runs.
func (s *System) ResetCAN() error {
	if s.bus.Read32(RegAPBCLK)&APBCLK_CAN0_EN == 0 {
		s.bus.Write32(RegAPBCLK, s.bus.Read32(RegAPBCLK)|APBCLK_CAN0_EN)
	}
	v := s.bus.Read32(RegIPRSTC2)
	s.bus.Write32(RegIPRSTC2, v|IPRSTC2_CAN0_RST)
	s.bus.Write32(RegIPRSTC2, v&^IPRSTC2_CAN0_RST)
	if s.bus.Read32(RegIPRSTC2)&IPRSTC2_CAN0_RST != 0 {
		return fmt.Errorf("sysclk: CAN0 reset stuck")
	}
	return nil
}

// Static is a fixed clock with no register protection. Reset, when set,
// is called by ResetCAN.
type Static struct {
	Hz    uint32
	Reset func()
}

func (s Static) ClockHz() uint32                { return s.Hz }
func (s Static) Unlocked(fn func() error) error { return fn() }

func (s Static) ResetCAN() error {
	if s.Reset != nil {
		s.Reset()
	}
	return nil
}
