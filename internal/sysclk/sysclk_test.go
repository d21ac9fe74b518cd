package sysclk

import (
	"errors"
	"testing"
)

// fakeSys models REGWRPROT: the unlock bit sets only after the full
// sequence and clears on any other write.
type fakeSys struct {
	regs    map[uint32]uint32
	seq     int
	broken  bool
	written []uint32
}

func newFakeSys() *fakeSys { return &fakeSys{regs: map[uint32]uint32{}} }

func (f *fakeSys) Read32(off uint32) uint32 { return f.regs[off] }

func (f *fakeSys) Write32(off uint32, v uint32) {
	if off != RegREGWRPROT {
		f.regs[off] = v
		return
	}
	f.written = append(f.written, v)
	if f.broken {
		return
	}
	if f.seq < len(unlockSeq) && v == unlockSeq[f.seq] {
		f.seq++
		if f.seq == len(unlockSeq) {
			f.regs[off] = REGWRPROT_UNLOCK
		}
		return
	}
	f.seq = 0
	f.regs[off] = 0
}

func TestUnlockedRunsInsideScope(t *testing.T) {
	f := newFakeSys()
	s := NewSystem(f, 48000000)
	var inside uint32
	if err := s.Unlocked(func() error {
		inside = f.Read32(RegREGWRPROT)
		return nil
	}); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if inside&REGWRPROT_UNLOCK == 0 {
		t.Fatalf("fn ran while locked")
	}
	if f.Read32(RegREGWRPROT) != 0 {
		t.Fatalf("registers left unlocked")
	}
	if len(f.written) != 4 || f.written[0] != 0x59 || f.written[1] != 0x16 || f.written[2] != 0x88 {
		t.Fatalf("unexpected sequence % X", f.written)
	}
}

func TestUnlockedFailure(t *testing.T) {
	f := newFakeSys()
	f.broken = true
	s := NewSystem(f, 48000000)
	called := false
	err := s.Unlocked(func() error { called = true; return nil })
	if !errors.Is(err, ErrLocked) || called {
		t.Fatalf("expected ErrLocked without calling fn, got %v called=%v", err, called)
	}
}

func TestResetCANEnablesClock(t *testing.T) {
	f := newFakeSys()
	s := NewSystem(f, 22118400)
	if err := s.ResetCAN(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.regs[RegAPBCLK]&APBCLK_CAN0_EN == 0 {
		t.Fatalf("CAN0 clock not enabled")
	}
	if f.regs[RegIPRSTC2]&IPRSTC2_CAN0_RST != 0 {
		t.Fatalf("reset left asserted")
	}
	if s.ClockHz() != 22118400 {
		t.Fatalf("clock %d", s.ClockHz())
	}
}

func TestStaticResetHook(t *testing.T) {
	n := 0
	p := Static{Hz: 12000000, Reset: func() { n++ }}
	if err := p.Unlocked(p.ResetCAN); err != nil || n != 1 {
		t.Fatalf("reset hook: err=%v n=%d", err, n)
	}
}
